package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/randalmurphal/swarm/internal/db"
	"github.com/randalmurphal/swarm/internal/events"
)

func newStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.OpenStoreInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedRun(t *testing.T, store *db.Store, tasks ...*db.Task) *db.Run {
	t.Helper()
	ctx := context.Background()
	run := &db.Run{
		Mode:       db.RunModePlan,
		SourcePath: "PLAN.md",
		SourceHash: "hash",
		RepoPath:   "/repo",
		BaseBranch: "main",
		Workers:    2,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := store.AddTasks(ctx, run.ID, tasks); err != nil {
		t.Fatalf("add tasks: %v", err)
	}
	return run
}

func seedWorker(t *testing.T, store *db.Store, runID string, num int) *db.Worker {
	t.Helper()
	w := &db.Worker{RunID: runID, Num: num, PID: 1234, Branch: "b", WorkDir: "/w"}
	if err := store.RegisterWorker(context.Background(), w); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	return w
}

func claimTask(t *testing.T, store *db.Store, runID, workerID string) *db.Task {
	t.Helper()
	claim, err := store.ClaimNextTask(context.Background(), runID, workerID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.Task == nil {
		t.Fatal("claim returned no task")
	}
	return claim.Task
}

func testScheduler(store *db.Store, pub events.Publisher, runID string) *Scheduler {
	return New(Config{
		Store:          store,
		Events:         pub,
		RunID:          runID,
		PollInterval:   10 * time.Millisecond,
		StaleThreshold: 30 * time.Second,
		MaxAttempts:    3,
	})
}

func collectEvents(ch <-chan events.Event) map[events.EventType]events.Event {
	got := make(map[events.EventType]events.Event)
	for {
		select {
		case ev := <-ch:
			got[ev.Type] = ev
		default:
			return got
		}
	}
}

func TestRunCompletes(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	run := seedRun(t, store,
		&db.Task{Text: "one", ContentHash: "h1"},
		&db.Task{Text: "two", ContentHash: "h2"},
	)
	w := seedWorker(t, store, run.ID, 1)

	for i := 0; i < 2; i++ {
		task := claimTask(t, store, run.ID, w.ID)
		if err := store.CompleteTask(ctx, run.ID, task.ID, w.ID, "sha", nil, 10); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	pub := events.NewMemoryPublisher()
	defer pub.Close()
	ch := pub.Subscribe(run.ID)

	res, err := testScheduler(store, pub, run.ID).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Stopped {
		t.Error("Stopped = true for a finished run")
	}
	if res.Stats.Completed != 2 || res.Stats.Failed != 0 {
		t.Errorf("stats = %+v, want 2 completed", res.Stats)
	}

	ev, ok := collectEvents(ch)[events.EventRunCompleted]
	if !ok {
		t.Fatal("EventRunCompleted not published")
	}
	done := ev.Data.(events.RunDone)
	if done.Status != string(db.RunCompleted) || done.Completed != 2 {
		t.Errorf("RunDone = %+v", done)
	}

	// Aggregates were refreshed on the way out.
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.CompletedTasks != 2 || got.TotalTasks != 2 {
		t.Errorf("run aggregates = %d/%d, want 2/2", got.CompletedTasks, got.TotalTasks)
	}
}

func TestRunWithTerminalFailureReportsFailed(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	run := seedRun(t, store, &db.Task{Text: "doomed", ContentHash: "h"})
	w := seedWorker(t, store, run.ID, 1)

	task := claimTask(t, store, run.ID, w.ID)
	if err := store.FailTask(ctx, run.ID, task.ID, w.ID, "agent gave up", false, 3, 5); err != nil {
		t.Fatalf("fail: %v", err)
	}

	pub := events.NewMemoryPublisher()
	defer pub.Close()
	ch := pub.Subscribe(run.ID)

	res, err := testScheduler(store, pub, run.ID).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Stats.Failed)
	}

	done := collectEvents(ch)[events.EventRunCompleted].Data.(events.RunDone)
	if done.Status != string(db.RunFailed) {
		t.Errorf("status = %q, want failed", done.Status)
	}
}

func TestZeroTasksCompletesImmediately(t *testing.T) {
	store := newStore(t)
	run := seedRun(t, store)

	res, err := testScheduler(store, events.NewNopPublisher(), run.ID).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Stopped || res.Stats.Total != 0 {
		t.Errorf("result = %+v, want immediate empty completion", res)
	}
}

func TestStaleWorkerSwept(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	run := seedRun(t, store, &db.Task{Text: "orphaned", ContentHash: "h", PredictedFiles: []string{"a/*"}})
	w := seedWorker(t, store, run.ID, 1)
	task := claimTask(t, store, run.ID, w.ID)

	// Age the heartbeat past the threshold; the worker is gone.
	old := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if _, err := store.ExecContext(ctx, `UPDATE workers SET last_heartbeat = ? WHERE id = ?`, old, w.ID); err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	pub := events.NewMemoryPublisher()
	defer pub.Close()
	ch := pub.Subscribe(run.ID)

	sched := testScheduler(store, pub, run.ID)
	resCh := make(chan error, 1)
	go func() {
		_, err := sched.Run(ctx)
		resCh <- err
	}()

	// Wait for the sweep, then stop the run so the loop exits.
	deadline := time.After(5 * time.Second)
	for {
		got, err := store.GetTask(ctx, run.ID, task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status == db.TaskPending {
			if got.AttemptCount != 1 {
				t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("stale worker never swept")
		case <-time.After(10 * time.Millisecond):
		}
	}

	locks, err := store.ListLocks(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListLocks: %v", err)
	}
	if len(locks) != 0 {
		t.Errorf("locks not released: %+v", locks)
	}

	workers, err := store.ListWorkers(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 || workers[0].Status != db.WorkerDead {
		t.Errorf("worker = %+v, want dead", workers[0])
	}

	if err := store.SetRunStatus(ctx, run.ID, db.RunStopped); err != nil {
		t.Fatalf("stop run: %v", err)
	}
	if err := <-resCh; err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := collectEvents(ch)
	if _, ok := got[events.EventWorkerStale]; !ok {
		t.Error("EventWorkerStale not published")
	}
	if _, ok := got[events.EventTaskRequeued]; !ok {
		t.Error("EventTaskRequeued not published")
	}
}

func TestExhaustedTaskSettledAsFailed(t *testing.T) {
	store := newStore(t)
	run := seedRun(t, store, &db.Task{Text: "hopeless", ContentHash: "h", AttemptCount: 3})

	pub := events.NewMemoryPublisher()
	defer pub.Close()
	ch := pub.Subscribe(run.ID)

	res, err := testScheduler(store, pub, run.ID).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Stats.Failed != 1 || res.Stats.Pending != 0 {
		t.Errorf("stats = %+v, want the task settled as failed", res.Stats)
	}

	got := collectEvents(ch)
	if ev, ok := got[events.EventTaskFailed]; !ok {
		t.Error("EventTaskFailed not published")
	} else if ev.Data.(events.TaskUpdate).Error == "" {
		t.Error("failure event carries no error message")
	}
}

func TestExternalStopEndsLoop(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	run := seedRun(t, store, &db.Task{Text: "never runs", ContentHash: "h"})

	if err := store.SetRunStatus(ctx, run.ID, db.RunStopped); err != nil {
		t.Fatalf("stop run: %v", err)
	}

	pub := events.NewMemoryPublisher()
	defer pub.Close()
	ch := pub.Subscribe(run.ID)

	res, err := testScheduler(store, pub, run.ID).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Stopped {
		t.Error("Stopped = false after external stop")
	}
	if _, ok := collectEvents(ch)[events.EventRunStopped]; !ok {
		t.Error("EventRunStopped not published")
	}
}

func TestContextCancelAborts(t *testing.T) {
	store := newStore(t)
	run := seedRun(t, store, &db.Task{Text: "pending forever", ContentHash: "h"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := testScheduler(store, events.NewNopPublisher(), run.ID).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
