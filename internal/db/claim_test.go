package db

import (
	"context"
	"sync"
	"testing"
	"time"

	swarmerr "github.com/randalmurphal/swarm/internal/errors"
)

func claimSetup(t *testing.T, store *Store, tasks []*Task, workers int) (*Run, []*Worker) {
	t.Helper()
	ctx := context.Background()

	run := testRun("/repo/claim")
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := store.AddTasks(ctx, run.ID, tasks); err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}

	ws := make([]*Worker, workers)
	for i := range ws {
		ws[i] = &Worker{RunID: run.ID, Num: i + 1, PID: 1000 + i}
		if err := store.RegisterWorker(ctx, ws[i]); err != nil {
			t.Fatalf("RegisterWorker %d failed: %v", i+1, err)
		}
	}
	return run, ws
}

func TestClaimNextTask_PriorityThenID(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	run, ws := claimSetup(t, store, []*Task{
		{Text: "late", Priority: 2},
		{Text: "early b", Priority: 1},
		{Text: "early a", Priority: 1},
	}, 1)

	var order []int64
	for i := 0; i < 3; i++ {
		claim, err := store.ClaimNextTask(ctx, run.ID, ws[0].ID)
		if err != nil {
			t.Fatalf("claim %d failed: %v", i, err)
		}
		if claim.Task == nil {
			t.Fatalf("claim %d returned no task", i)
		}
		order = append(order, claim.Task.ID)
		if err := store.CompleteTask(ctx, run.ID, claim.Task.ID, ws[0].ID, "sha", nil, 0); err != nil {
			t.Fatalf("complete failed: %v", err)
		}
	}

	// Priority 1 first (ids 2 then 3 by id tie-break), then priority 2 (id 1).
	want := []int64{2, 3, 1}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order = %v, want %v", order, want)
		}
	}
}

func TestClaimNextTask_LockConflictBlocks(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	// T1 and T2 can run in parallel; T3 overlaps both and must wait.
	run, ws := claimSetup(t, store, []*Task{
		{Text: "T1", Priority: 1, PredictedFiles: []string{"a/*"}},
		{Text: "T2", Priority: 1, PredictedFiles: []string{"b/*"}},
		{Text: "T3", Priority: 2, PredictedFiles: []string{"a/*", "b/*"}},
	}, 2)

	c1, err := store.ClaimNextTask(ctx, run.ID, ws[0].ID)
	if err != nil || c1.Task == nil || c1.Task.ID != 1 {
		t.Fatalf("worker 1 claim = %+v, %v", c1, err)
	}
	c2, err := store.ClaimNextTask(ctx, run.ID, ws[1].ID)
	if err != nil || c2.Task == nil || c2.Task.ID != 2 {
		t.Fatalf("worker 2 claim = %+v, %v", c2, err)
	}

	// Both workers busy; T3 conflicts with both held sets.
	blocked, err := store.ClaimNextTask(ctx, run.ID, ws[0].ID)
	if err != nil {
		t.Fatalf("blocked claim errored: %v", err)
	}
	if blocked.Task != nil {
		t.Fatalf("T3 claimed while conflicting locks held: %+v", blocked.Task)
	}
	if blocked.RunStatus != RunRunning {
		t.Errorf("run status = %q, want running", blocked.RunStatus)
	}

	// Completing T1 frees a/* but b/* is still held.
	if err := store.CompleteTask(ctx, run.ID, 1, ws[0].ID, "sha1", nil, 0); err != nil {
		t.Fatalf("complete T1 failed: %v", err)
	}
	blocked, err = store.ClaimNextTask(ctx, run.ID, ws[0].ID)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if blocked.Task != nil {
		t.Fatalf("T3 claimed while b/* still held: %+v", blocked.Task)
	}

	// Completing T2 unblocks T3.
	if err := store.CompleteTask(ctx, run.ID, 2, ws[1].ID, "sha2", nil, 0); err != nil {
		t.Fatalf("complete T2 failed: %v", err)
	}
	c3, err := store.ClaimNextTask(ctx, run.ID, ws[0].ID)
	if err != nil || c3.Task == nil || c3.Task.ID != 3 {
		t.Fatalf("T3 claim = %+v, %v", c3, err)
	}
}

func TestClaimNextTask_EqualLiteralsSerialize(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	run, ws := claimSetup(t, store, []*Task{
		{Text: "T1", PredictedFiles: []string{"src/x.txt"}},
		{Text: "T2", PredictedFiles: []string{"src/x.txt"}},
	}, 2)

	c1, err := store.ClaimNextTask(ctx, run.ID, ws[0].ID)
	if err != nil || c1.Task == nil || c1.Task.ID != 1 {
		t.Fatalf("first claim = %+v, %v", c1, err)
	}

	// Identical literal pattern: T2 must wait.
	c2, err := store.ClaimNextTask(ctx, run.ID, ws[1].ID)
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if c2.Task != nil {
		t.Fatalf("equal literal patterns ran concurrently: %+v", c2.Task)
	}

	if err := store.CompleteTask(ctx, run.ID, 1, ws[0].ID, "sha", nil, 0); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	c2, err = store.ClaimNextTask(ctx, run.ID, ws[1].ID)
	if err != nil || c2.Task == nil || c2.Task.ID != 2 {
		t.Fatalf("T2 claim after release = %+v, %v", c2, err)
	}
}

func TestClaimNextTask_EmptyPredictedSetsParallel(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	run, ws := claimSetup(t, store, []*Task{
		{Text: "T1"},
		{Text: "T2"},
	}, 2)

	c1, err := store.ClaimNextTask(ctx, run.ID, ws[0].ID)
	if err != nil || c1.Task == nil {
		t.Fatalf("first claim = %+v, %v", c1, err)
	}
	c2, err := store.ClaimNextTask(ctx, run.ID, ws[1].ID)
	if err != nil || c2.Task == nil {
		t.Fatalf("second claim = %+v, %v", c2, err)
	}
	if c1.Task.ID == c2.Task.ID {
		t.Fatalf("both workers claimed task %d", c1.Task.ID)
	}
}

func TestClaimNextTask_WildcardBlocksEverything(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	run, ws := claimSetup(t, store, []*Task{
		{Text: "sweeping refactor", PredictedFiles: []string{"*"}},
		{Text: "narrow fix", PredictedFiles: []string{"pkg/one.go"}},
	}, 2)

	c1, err := store.ClaimNextTask(ctx, run.ID, ws[0].ID)
	if err != nil || c1.Task == nil || c1.Task.ID != 1 {
		t.Fatalf("first claim = %+v, %v", c1, err)
	}

	c2, err := store.ClaimNextTask(ctx, run.ID, ws[1].ID)
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if c2.Task != nil {
		t.Fatalf("bare * should conflict with everything, claimed %+v", c2.Task)
	}
}

func TestClaimNextTask_RunNotRunning(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	run, ws := claimSetup(t, store, []*Task{{Text: "T1"}}, 1)

	if err := store.SetRunStatus(ctx, run.ID, RunStopped); err != nil {
		t.Fatalf("SetRunStatus failed: %v", err)
	}

	claim, err := store.ClaimNextTask(ctx, run.ID, ws[0].ID)
	if err != nil {
		t.Fatalf("claim errored: %v", err)
	}
	if claim.Task != nil {
		t.Fatalf("claimed a task from a stopped run: %+v", claim.Task)
	}
	if claim.RunStatus != RunStopped {
		t.Errorf("run status = %q, want stopped", claim.RunStatus)
	}
}

func TestClaimNextTask_UnknownRun(t *testing.T) {
	store := NewTestStore(t)

	_, err := store.ClaimNextTask(context.Background(), "no-such-run", "w1")
	se := swarmerr.AsSwarmError(err)
	if se == nil || se.Code != swarmerr.CodeRunNotFound {
		t.Errorf("expected %s, got %v", swarmerr.CodeRunNotFound, err)
	}
}

// TestClaimNextTask_Concurrent races ten claimers over one task on a
// file-backed store. Exactly one must win; the rest observe no claimable
// task. Store contention surfaces as retryable busy errors, which real
// workers retry, so the test retries them too.
func TestClaimNextTask_Concurrent(t *testing.T) {
	store := NewTestStoreFile(t)
	ctx := context.Background()

	run, ws := claimSetup(t, store, []*Task{{Text: "only task"}}, 10)

	var wg sync.WaitGroup
	results := make(chan *Task, len(ws))

	for _, w := range ws {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				claim, err := store.ClaimNextTask(ctx, run.ID, workerID)
				if err != nil {
					if swarmerr.Retryable(err) {
						time.Sleep(5 * time.Millisecond)
						continue
					}
					t.Errorf("claim failed: %v", err)
					results <- nil
					return
				}
				results <- claim.Task
				return
			}
		}(w.ID)
	}

	wg.Wait()
	close(results)

	var winners int
	for task := range results {
		if task != nil {
			winners++
			if task.ID != 1 {
				t.Errorf("claimed task %d, want 1", task.ID)
			}
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}

	got, err := store.GetTask(ctx, run.ID, 1)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != TaskInProgress {
		t.Errorf("task status = %q, want in_progress", got.Status)
	}
	if got.WorkerID == "" {
		t.Error("task has no claiming worker recorded")
	}
}

func TestRequeueInProgress(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	run, _, task := setupClaimed(t, store, []string{"a/*"})

	n, err := store.RequeueInProgress(ctx, run.ID)
	if err != nil {
		t.Fatalf("RequeueInProgress failed: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}

	got, _ := store.GetTask(ctx, run.ID, task.ID)
	if got.Status != TaskPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}

	locks, _ := store.ListLocks(ctx, run.ID)
	if len(locks) != 0 {
		t.Errorf("locks survived requeue: %v", locks)
	}
}

func TestCompletedContentHashes(t *testing.T) {
	store := NewTestStore(t)
	ctx := context.Background()

	run := testRun("/repo/claim")
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	tasks := []*Task{
		{Text: "done", ContentHash: "h1", Status: TaskCompleted, CommitSHA: "abc123"},
		{Text: "skipped", ContentHash: "h2", Status: TaskSkipped, CommitSHA: "def456"},
		{Text: "pending", ContentHash: "h3"},
		{Text: "failed", ContentHash: "h4", Status: TaskFailed},
	}
	if err := store.AddTasks(ctx, run.ID, tasks); err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}

	hashes, err := store.CompletedContentHashes(ctx, run.ID)
	if err != nil {
		t.Fatalf("CompletedContentHashes failed: %v", err)
	}
	if len(hashes) != 2 {
		t.Fatalf("hashes = %v, want two entries", hashes)
	}
	if hashes["h1"] != "abc123" || hashes["h2"] != "def456" {
		t.Errorf("hashes = %v, want h1->abc123 h2->def456", hashes)
	}
}
