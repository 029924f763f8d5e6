// Package worker implements the task execution loop: claim a task from the
// coordination store, check whether an earlier incarnation already finished
// it, run the agent in the worker's checkout, commit, and report the
// outcome. Workers share no memory; everything they coordinate on goes
// through the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/randalmurphal/swarm/internal/agent"
	"github.com/randalmurphal/swarm/internal/db"
	swarmerr "github.com/randalmurphal/swarm/internal/errors"
	"github.com/randalmurphal/swarm/internal/events"
	"github.com/randalmurphal/swarm/internal/git"
)

// resumeLogLimit bounds how far back the resume check scans commit
// subjects. A worker branch gains roughly one commit per task.
const resumeLogLimit = 200

// claimBackoffMax caps the contention backoff between claim attempts.
const claimBackoffMax = 2 * time.Second

// Config wires one worker. Everything is explicit; workers have no
// package-level state.
type Config struct {
	Store    *db.Store
	Checkout *git.Checkout
	Agent    *agent.Agent
	Events   events.Publisher
	Logger   *slog.Logger

	RunID string
	Num   int

	// TaskTimeout bounds one agent invocation.
	TaskTimeout time.Duration
	// HeartbeatPeriod is the liveness refresh interval.
	HeartbeatPeriod time.Duration
	// PollInterval is the idle wait between claim attempts.
	PollInterval time.Duration
	// MaxAttempts bounds retryable failures per task.
	MaxAttempts int
	// LogDir receives per-task agent logs.
	LogDir string
}

// Worker executes tasks against its own checkout until the run leaves the
// running state.
type Worker struct {
	cfg    Config
	logger *slog.Logger

	id string // store identity, assigned at registration
}

// New creates a worker. Run registers it and starts the loop.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.NewNopPublisher()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With("worker", cfg.Num, "run", cfg.RunID),
	}
}

// ID returns the worker's store identity; empty before Run registers it.
func (w *Worker) ID() string {
	return w.id
}

// Run registers the worker, starts its heartbeat, and claims tasks until
// the run reaches a terminal state or ctx is canceled. A nil return means
// the worker exited at a clean boundary; an error aborts the run.
func (w *Worker) Run(ctx context.Context) error {
	reg := &db.Worker{
		RunID:   w.cfg.RunID,
		Num:     w.cfg.Num,
		Status:  db.WorkerStarting,
		PID:     os.Getpid(),
		Branch:  w.cfg.Checkout.Branch,
		WorkDir: w.cfg.Checkout.RepoPath(),
	}
	if err := w.cfg.Store.RegisterWorker(ctx, reg); err != nil {
		return fmt.Errorf("register worker %d: %w", w.cfg.Num, err)
	}
	w.id = reg.ID
	w.publish(events.EventWorkerStarted, events.WorkerUpdate{
		WorkerID: w.id, WorkerNum: w.cfg.Num, Status: string(db.WorkerStarting),
	})

	hb := NewHeartbeatRunner(w.cfg.Store, w.id, w.cfg.HeartbeatPeriod, w.logger)
	hb.Start(ctx)
	defer hb.Stop()
	defer w.markExited()

	backoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return nil
		}

		claim, err := w.cfg.Store.ClaimNextTask(ctx, w.cfg.RunID, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if swarmerr.Retryable(err) {
				w.logger.Debug("store busy during claim, backing off", "wait", backoff)
				if !sleepCtx(ctx, backoff) {
					return nil
				}
				if backoff *= 2; backoff > claimBackoffMax {
					backoff = claimBackoffMax
				}
				continue
			}
			return fmt.Errorf("claim task: %w", err)
		}
		backoff = 100 * time.Millisecond

		if claim.RunStatus != db.RunRunning {
			w.logger.Info("run left the running state, exiting", "status", claim.RunStatus)
			return nil
		}
		if claim.Task == nil {
			// Nothing claimable now. The completion decision belongs to
			// the scheduler; workers just poll again.
			if !sleepCtx(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}

		if err := w.execute(ctx, claim.Task); err != nil {
			return err
		}
	}
}

// execute runs one claimed task to a terminal report. Only unrecoverable
// conditions return an error; normal failures are recorded in the store and
// the loop moves on.
func (w *Worker) execute(ctx context.Context, task *db.Task) error {
	attempt := task.AttemptCount + 1
	log := w.logger.With("task", task.ID, "attempt", attempt)
	log.Info("task claimed", "text", truncate(task.Text, 80))
	w.publish(events.EventTaskAssigned, events.TaskUpdate{
		TaskID: task.ID, WorkerNum: w.cfg.Num, Status: string(db.TaskInProgress), Attempt: attempt,
	})

	if sha, ok := w.resumeMatch(ctx, task); ok {
		if err := w.cfg.Store.SkipTask(ctx, w.cfg.RunID, task.ID, w.id, sha); err != nil {
			// Our claim may have been swept while we scanned the log.
			log.Warn("could not record skip", "error", err)
			return nil
		}
		log.Info("task already done in this checkout, skipped", "commit", short(sha))
		w.publish(events.EventTaskSkipped, events.TaskUpdate{
			TaskID: task.ID, WorkerNum: w.cfg.Num, Status: string(db.TaskSkipped), CommitSHA: sha,
		})
		return nil
	}

	logPath := filepath.Join(w.cfg.LogDir, fmt.Sprintf("task-%d-attempt-%d.jsonl", task.ID, attempt))
	res, err := w.cfg.Agent.Run(ctx, agent.Request{
		TaskID:  task.ID,
		Prompt:  agent.TaskPrompt(task.Text),
		Dir:     w.cfg.Checkout.RepoPath(),
		LogPath: logPath,
		Timeout: w.cfg.TaskTimeout,
		OnStart: func(pid int) {
			if err := w.cfg.Store.SetAgentPID(ctx, w.id, pid); err != nil {
				log.Warn("could not record agent pid", "error", err)
			}
		},
	})
	if clearErr := w.cfg.Store.SetAgentPID(ctx, w.id, 0); clearErr != nil && ctx.Err() == nil {
		log.Warn("could not clear agent pid", "error", clearErr)
	}

	if err != nil {
		if ctx.Err() != nil {
			// Stop or kill: the task stays in_progress and is requeued on
			// resume; the agent's process group is already dead.
			return nil
		}
		se := swarmerr.AsSwarmError(err)
		switch {
		case se != nil && se.Code == swarmerr.CodePayloadTooLarge:
			// Integration error: the task can never succeed as written.
			w.fail(ctx, task, attempt, se.Error(), false, 0)
			return nil
		case se != nil && se.Code == swarmerr.CodeAgentUnavailable:
			// Every subsequent task would hit the same wall.
			w.fail(ctx, task, attempt, se.Error(), false, 0)
			return err
		default:
			w.fail(ctx, task, attempt, err.Error(), true, 0)
			return nil
		}
	}

	w.publish(events.EventTokens, events.TokenUpdate{
		TaskID:       task.ID,
		InputTokens:  int(res.TokensIn),
		OutputTokens: int(res.TokensOut),
	})

	if res.Success() {
		w.report(ctx, task, res, log)
		return nil
	}

	var msg string
	switch {
	case res.TimedOut:
		msg = swarmerr.ErrAgentTimeout(task.ID, w.cfg.TaskTimeout.String()).Error()
	case res.ExitCode != 0:
		msg = fmt.Sprintf("agent exited with code %d", res.ExitCode)
	default:
		msg = swarmerr.ErrAgentNoSentinel(task.ID).Error()
	}
	log.Warn("task attempt failed", "reason", msg, "tokens", res.TotalTokens())
	w.fail(ctx, task, attempt, msg, true, res.TotalTokens())
	return nil
}

// resumeMatch scans the checkout's commit subjects for this task's keyword
// digest. A hit means an earlier incarnation committed this task before the
// store recorded it.
func (w *Worker) resumeMatch(ctx context.Context, task *db.Task) (string, bool) {
	digest := KeywordDigest(task.Text)
	if digest == "" {
		return "", false
	}
	subjects, err := w.cfg.Checkout.LogSubjects(ctx, resumeLogLimit)
	if err != nil {
		w.logger.Warn("resume check could not read log", "task", task.ID, "error", err)
		return "", false
	}
	for _, s := range subjects {
		if strings.Contains(s.Subject, digest) {
			return s.SHA, true
		}
	}
	return "", false
}

// report commits the checkout and records completion.
func (w *Worker) report(ctx context.Context, task *db.Task, res *agent.Result, log *slog.Logger) {
	co := w.cfg.Checkout

	if err := co.StageAll(ctx); err != nil {
		w.fail(ctx, task, task.AttemptCount+1, "stage changes: "+err.Error(), true, res.TotalTokens())
		return
	}
	staged, err := co.StagedFiles(ctx)
	if err != nil {
		w.fail(ctx, task, task.AttemptCount+1, "list staged files: "+err.Error(), true, res.TotalTokens())
		return
	}

	msg := CommitMessage(task.ID, task.Text)
	sha, err := co.Commit(ctx, msg)
	if errors.Is(err, git.ErrNothingToCommit) {
		// A task may legitimately produce no edits; it still gets a commit
		// so the resume check can find it.
		sha, err = co.CommitAllowEmpty(ctx, msg)
	}
	if err != nil {
		w.fail(ctx, task, task.AttemptCount+1, "commit: "+err.Error(), true, res.TotalTokens())
		return
	}

	if err := w.cfg.Store.CompleteTask(ctx, w.cfg.RunID, task.ID, w.id, sha, staged, res.TotalTokens()); err != nil {
		// Claim swept mid-flight; the commit stays on our branch and the
		// retry will be skipped by the resume check.
		log.Warn("could not record completion", "error", err)
		return
	}
	log.Info("task completed", "commit", short(sha), "files", len(staged), "tokens", res.TotalTokens())
	w.publish(events.EventTaskCompleted, events.TaskUpdate{
		TaskID: task.ID, WorkerNum: w.cfg.Num, Status: string(db.TaskCompleted), CommitSHA: sha,
	})
}

func (w *Worker) fail(ctx context.Context, task *db.Task, attempt int, msg string, retryable bool, tokens int64) {
	err := w.cfg.Store.FailTask(ctx, w.cfg.RunID, task.ID, w.id, msg, retryable, w.cfg.MaxAttempts, tokens)
	if err != nil {
		w.logger.Warn("could not record task failure", "task", task.ID, "error", err)
		return
	}
	w.publish(events.EventTaskFailed, events.TaskUpdate{
		TaskID: task.ID, WorkerNum: w.cfg.Num, Status: string(db.TaskFailed),
		Error: msg, Attempt: attempt,
	})
}

// markExited records the clean exit. The loop's context is usually dead by
// now, so the write gets its own deadline.
func (w *Worker) markExited() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.cfg.Store.SetWorkerStatus(ctx, w.id, db.WorkerExited); err != nil {
		w.logger.Warn("could not mark worker exited", "error", err)
	}
	w.publish(events.EventWorkerExited, events.WorkerUpdate{
		WorkerID: w.id, WorkerNum: w.cfg.Num, Status: string(db.WorkerExited),
	})
}

func (w *Worker) publish(t events.EventType, data any) {
	w.cfg.Events.Publish(events.NewEvent(t, w.cfg.RunID, data))
}

// sleepCtx sleeps for d or until ctx is done; false means ctx fired.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
