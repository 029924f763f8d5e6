package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/randalmurphal/swarm/internal/db"
)

func TestStatusCommand_Flags(t *testing.T) {
	cmd := newStatusCmd()

	if cmd.Use != "status [run-id]" {
		t.Errorf("command Use = %q, want %q", cmd.Use, "status [run-id]")
	}
	if len(cmd.Aliases) != 1 || cmd.Aliases[0] != "st" {
		t.Errorf("command Aliases = %v, want [st]", cmd.Aliases)
	}
	if cmd.Flag("watch") == nil {
		t.Error("missing --watch flag")
	}
	if cmd.Flag("watch").Shorthand != "w" {
		t.Errorf("watch shorthand = %q, want 'w'", cmd.Flag("watch").Shorthand)
	}
	if cmd.Flag("limit") == nil {
		t.Error("missing --limit flag")
	}
}

func TestRenderOverviewEmpty(t *testing.T) {
	var out bytes.Buffer
	renderOverview(&out, nil)

	if !strings.Contains(out.String(), "No runs found") {
		t.Errorf("empty overview should say so, got:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "swarm run") {
		t.Error("empty overview should hint at getting started")
	}
}

func TestRenderOverviewListsRuns(t *testing.T) {
	runs := []*db.Run{
		{
			ID: "20250114T120000-aa11bb", Status: db.RunRunning, Mode: db.RunModePlan,
			TotalTasks: 5, CompletedTasks: 2, TotalTokens: 1200,
			StartedAt: time.Now().Add(-5 * time.Minute),
		},
		{
			ID: "20250113T090000-cc22dd", Status: db.RunCompleted, Mode: db.RunModePrompt,
			TotalTasks: 3, CompletedTasks: 3, TotalTokens: 54321,
			StartedAt: time.Now().Add(-26 * time.Hour),
		},
	}

	var out bytes.Buffer
	renderOverview(&out, runs)
	got := out.String()

	for _, want := range []string{
		"20250114T120000-aa11bb",
		"20250113T090000-cc22dd",
		"2/5",
		"3/3",
		"54.3k",
		"2 runs (1 running)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("overview missing %q, got:\n%s", want, got)
		}
	}
}

func TestRenderRunDetail(t *testing.T) {
	started := time.Now().Add(-10 * time.Minute)
	run := &db.Run{
		ID: "20250114T120000-aa11bb", Status: db.RunStopped, Mode: db.RunModePlan,
		SourcePath: "PLAN.md", RepoPath: "/src/app", BaseBranch: "main",
		StartedAt: started, CompletedAt: started.Add(5 * time.Minute),
	}
	stats := &db.TaskStats{Total: 4, Pending: 1, InProgress: 1, Completed: 1, Failed: 1, Tokens: 12345}
	workers := []*db.Worker{
		{Num: 1, Status: db.WorkerBusy, CurrentTask: 2, TasksDone: 1, TokensUsed: 8000,
			LastHeartbeat: time.Now().Add(-2 * time.Second)},
		{Num: 2, Status: db.WorkerExited, TasksDone: 0},
	}
	tasks := []*db.Task{
		{ID: 1, Text: "Add the login route", Status: db.TaskCompleted},
		{ID: 2, Text: "Add request tracing to the handlers", Status: db.TaskInProgress},
		{ID: 3, Text: "Fix the flaky session test", Status: db.TaskFailed,
			LastError: "agent exited before completing the task"},
	}

	var out bytes.Buffer
	renderRun(&out, run, stats, workers, tasks)
	got := out.String()

	for _, want := range []string{
		"Run 20250114T120000-aa11bb stopped",
		"PLAN.md",
		"/src/app (branch main)",
		"1 done, 1 running, 1 pending, 1 failed",
		"12.3k",
		"WORKERS",
		"Add request tracing to the handlers", // worker 1's current task
		"FAILED",
		"agent exited before completing the task",
		"Resume with: swarm resume 20250114T120000-aa11bb",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("run detail missing %q, got:\n%s", want, got)
		}
	}

	// The exited worker shows no heartbeat or task.
	if !strings.Contains(got, "exited") {
		t.Errorf("run detail should list the exited worker, got:\n%s", got)
	}
}

func TestRenderRunElapsedUsesCompletionStamp(t *testing.T) {
	started := time.Now().Add(-48 * time.Hour)
	run := &db.Run{
		ID: "r-old", Status: db.RunCompleted, Mode: db.RunModePlan,
		SourcePath: "PLAN.md", RepoPath: "/src/app", BaseBranch: "main",
		StartedAt: started, CompletedAt: started.Add(90 * time.Second),
	}

	var out bytes.Buffer
	renderRun(&out, run, &db.TaskStats{}, nil, nil)

	if !strings.Contains(out.String(), "elapsed 1m30s") {
		t.Errorf("elapsed should come from the completion stamp, got:\n%s", out.String())
	}
}
