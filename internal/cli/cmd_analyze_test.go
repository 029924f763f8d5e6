package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/randalmurphal/swarm/internal/analyzer"
	"github.com/randalmurphal/swarm/internal/db"
)

func TestAnalyzeCommand_Flags(t *testing.T) {
	cmd := newAnalyzeCmd()

	if cmd.Use != "analyze [prompt]" {
		t.Errorf("command Use = %q, want %q", cmd.Use, "analyze [prompt]")
	}
	for _, name := range []string{"plan", "prompt", "repo"} {
		if cmd.Flag(name) == nil {
			t.Errorf("missing --%s flag", name)
		}
	}
}

func TestAnalyzeSourceFromPlan(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "PLAN.md")
	plan := "# Demo\n\n- [x] Already done\n- [ ] Add the login route\n- [ ] Add request tracing\n"
	if err := os.WriteFile(planPath, []byte(plan), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	// No agent: plan parsing needs none, and prediction degrades to empty
	// sets instead of failing.
	an := analyzer.New(nil)
	tasks, err := analyzeSource(context.Background(), an, planPath, "", dir)
	if err != nil {
		t.Fatalf("analyze plan: %v", err)
	}

	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2 (checked items are not re-run)", len(tasks))
	}
	if tasks[0].Text != "Add the login route" {
		t.Errorf("first task = %q", tasks[0].Text)
	}
	for _, task := range tasks {
		if task.PlanLine == 0 {
			t.Errorf("task %q should carry its plan line for write-back", task.Text)
		}
		if task.ContentHash == "" {
			t.Errorf("task %q should carry a content hash", task.Text)
		}
	}
}

func TestRenderTasks(t *testing.T) {
	tasks := []*db.Task{
		{Text: "Add the login route", Priority: 1, PredictedFiles: []string{"internal/auth/**"}},
		{Text: "Add request tracing", Priority: 0},
	}

	var out bytes.Buffer
	renderTasks(&out, tasks)
	got := out.String()

	for _, want := range []string{"TASK", "Add the login route", "internal/auth/**", "2 tasks"} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered tasks missing %q, got:\n%s", want, got)
		}
	}
}

func TestRenderTasksEmpty(t *testing.T) {
	var out bytes.Buffer
	renderTasks(&out, nil)

	if !strings.Contains(out.String(), "Nothing to do") {
		t.Errorf("empty task list should say so, got:\n%s", out.String())
	}
}
