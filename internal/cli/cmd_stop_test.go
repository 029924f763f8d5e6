package cli

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/randalmurphal/swarm/internal/db"
	"github.com/randalmurphal/swarm/internal/proc"
)

func seedRun(t *testing.T, store *db.Store, status db.RunStatus) *db.Run {
	t.Helper()
	run := &db.Run{
		Status:     status,
		Mode:       db.RunModePlan,
		SourcePath: "PLAN.md",
		SourceHash: "hash-" + string(status),
		RepoPath:   t.TempDir(),
		BaseBranch: "main",
		Workers:    1,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func seedBusyWorker(t *testing.T, store *db.Store, runID string) (*db.Worker, *db.Task) {
	t.Helper()
	ctx := context.Background()

	task := &db.Task{Text: "Wire up the export endpoint", ContentHash: "deadbeef"}
	if err := store.AddTasks(ctx, runID, []*db.Task{task}); err != nil {
		t.Fatalf("add task: %v", err)
	}

	w := &db.Worker{RunID: runID, Num: 1, Branch: "b", WorkDir: t.TempDir()}
	if err := store.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	claim, err := store.ClaimNextTask(ctx, runID, w.ID)
	if err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if claim.Task == nil {
		t.Fatal("expected a claimable task")
	}
	return w, claim.Task
}

func TestStopRunMarksStopped(t *testing.T) {
	store := db.NewTestStore(t)
	run := seedRun(t, store, db.RunRunning)
	ctx := context.Background()

	if err := stopRun(ctx, store, run.ID); err != nil {
		t.Fatalf("stop run: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != db.RunStopped {
		t.Errorf("run status = %s, want stopped", got.Status)
	}
}

func TestKillRunRequeuesClaimedTask(t *testing.T) {
	store := db.NewTestStore(t)
	run := seedRun(t, store, db.RunRunning)
	w, task := seedBusyWorker(t, store, run.ID)
	ctx := context.Background()

	killed, err := killRun(ctx, store, run)
	if err != nil {
		t.Fatalf("kill run: %v", err)
	}
	if killed != 0 {
		t.Errorf("killed = %d, want 0 (no agent pid recorded)", killed)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != db.RunStopped {
		t.Errorf("run status = %s, want stopped", got.Status)
	}

	tasks, err := store.ListTasks(ctx, run.ID, db.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Fatalf("expected the one seeded task back, got %d", len(tasks))
	}
	if tasks[0].Status != db.TaskPending {
		t.Errorf("task status = %s, want pending", tasks[0].Status)
	}
	if tasks[0].AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1 (the interrupted attempt is charged)", tasks[0].AttemptCount)
	}

	gotWorker, err := store.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if gotWorker.Status != db.WorkerDead {
		t.Errorf("worker status = %s, want dead", gotWorker.Status)
	}
}

func TestKillRunKillsAgentProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix only")
	}

	store := db.NewTestStore(t)
	run := seedRun(t, store, db.RunRunning)
	w, _ := seedBusyWorker(t, store, run.ID)
	ctx := context.Background()

	agent := exec.Command("sleep", "60")
	proc.Setpgid(agent)
	if err := agent.Start(); err != nil {
		t.Fatalf("start fake agent: %v", err)
	}
	if err := store.SetAgentPID(ctx, w.ID, agent.Process.Pid); err != nil {
		t.Fatalf("record agent pid: %v", err)
	}

	killed, err := killRun(ctx, store, run)
	if err != nil {
		t.Fatalf("kill run: %v", err)
	}
	if killed != 1 {
		t.Errorf("killed = %d, want 1", killed)
	}

	done := make(chan struct{})
	go func() {
		_ = agent.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("agent process survived kill")
	}
}

func TestResolveRunExplicitID(t *testing.T) {
	store := db.NewTestStore(t)
	run := seedRun(t, store, db.RunCompleted)
	ctx := context.Background()

	got, err := resolveRun(ctx, store, run.ID)
	if err != nil {
		t.Fatalf("resolve run: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("resolved %s, want %s", got.ID, run.ID)
	}

	if _, err := resolveRun(ctx, store, "no-such-run"); err == nil {
		t.Error("expected error for unknown run id")
	}
}

func TestResolveRunSingleActive(t *testing.T) {
	store := db.NewTestStore(t)
	seedRun(t, store, db.RunCompleted)
	active := seedRun(t, store, db.RunRunning)
	ctx := context.Background()

	got, err := resolveRun(ctx, store, "")
	if err != nil {
		t.Fatalf("resolve run: %v", err)
	}
	if got.ID != active.ID {
		t.Errorf("resolved %s, want the running run %s", got.ID, active.ID)
	}
}

func TestResolveRunNoneActive(t *testing.T) {
	store := db.NewTestStore(t)
	seedRun(t, store, db.RunCompleted)

	_, err := resolveRun(context.Background(), store, "")
	if err == nil || !strings.Contains(err.Error(), "no active run") {
		t.Errorf("expected 'no active run' error, got %v", err)
	}
}

func TestResolveRunMultipleActive(t *testing.T) {
	store := db.NewTestStore(t)
	a := seedRun(t, store, db.RunRunning)
	b := seedRun(t, store, db.RunRunning)

	_, err := resolveRun(context.Background(), store, "")
	if err == nil {
		t.Fatal("expected error for multiple active runs")
	}
	if !strings.Contains(err.Error(), a.ID) || !strings.Contains(err.Error(), b.ID) {
		t.Errorf("error should list both run ids, got: %v", err)
	}
}
