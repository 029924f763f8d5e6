// Package scheduler drives one run's control loop. Workers claim their own
// tasks through the store's transactional claim, so the loop here owns what
// no single worker can decide: sweeping workers whose heartbeats stopped,
// settling tasks that ran out of retry attempts, keeping the run's
// aggregates fresh, and declaring the run finished.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/swarm/internal/db"
	swarmerr "github.com/randalmurphal/swarm/internal/errors"
	"github.com/randalmurphal/swarm/internal/events"
)

// Config wires one scheduler loop.
type Config struct {
	Store  *db.Store
	Events events.Publisher
	Logger *slog.Logger

	RunID string

	// PollInterval is the tick period.
	PollInterval time.Duration
	// StaleThreshold is the heartbeat gap after which a worker is presumed
	// dead and its claim is swept.
	StaleThreshold time.Duration
	// MaxAttempts bounds retries per task.
	MaxAttempts int
}

// Result is the loop's verdict on the run.
type Result struct {
	Stats *db.TaskStats
	// Stopped is true when the run left the running state under the loop
	// (stop/kill) rather than by finishing its tasks.
	Stopped bool
}

// Scheduler supervises one run until every task is terminal.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a scheduler for cfg.RunID.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.NewNopPublisher()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger.With("run", cfg.RunID),
	}
}

// Run ticks until the run finishes, is stopped, or ctx is canceled. Store
// contention skips a tick instead of failing the run; only a persistent or
// non-transient store error aborts.
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, done, err := s.tick(ctx)
		switch {
		case err != nil && swarmerr.Retryable(err) && ctx.Err() == nil:
			s.logger.Debug("store busy, skipping tick", "error", err)
		case err != nil:
			return nil, err
		case done:
			return res, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick performs one pass: observe run status, sweep stale workers, settle
// exhausted tasks, refresh aggregates, and test for completion.
func (s *Scheduler) tick(ctx context.Context) (*Result, bool, error) {
	run, err := s.cfg.Store.GetRun(ctx, s.cfg.RunID)
	if err != nil {
		return nil, false, err
	}
	if run == nil {
		return nil, false, swarmerr.ErrRunNotFound(s.cfg.RunID)
	}

	if run.Status != db.RunRunning {
		// Stopped (or force-finished) out from under us. Workers observe
		// the same status at their next claim and exit on their own.
		stats, err := s.cfg.Store.TaskStats(ctx, s.cfg.RunID)
		if err != nil {
			return nil, false, err
		}
		s.logger.Info("run left the running state", "status", run.Status)
		s.publish(events.EventRunStopped, events.RunDone{
			Status:    string(run.Status),
			Total:     stats.Total,
			Completed: stats.Completed,
			Failed:    stats.Failed,
			Skipped:   stats.Skipped,
		})
		return &Result{Stats: stats, Stopped: true}, true, nil
	}

	if err := s.sweepStale(ctx); err != nil {
		return nil, false, err
	}
	if err := s.settleExhausted(ctx); err != nil {
		return nil, false, err
	}
	if err := s.cfg.Store.RefreshRunStats(ctx, s.cfg.RunID); err != nil {
		return nil, false, err
	}

	stats, err := s.cfg.Store.TaskStats(ctx, s.cfg.RunID)
	if err != nil {
		return nil, false, err
	}
	if !stats.Done() {
		return nil, false, nil
	}

	status := db.RunCompleted
	if stats.Failed > 0 {
		status = db.RunFailed
	}
	s.logger.Info("all tasks terminal",
		"completed", stats.Completed, "failed", stats.Failed, "skipped", stats.Skipped)
	s.publish(events.EventRunCompleted, events.RunDone{
		Status:    string(status),
		Total:     stats.Total,
		Completed: stats.Completed,
		Failed:    stats.Failed,
		Skipped:   stats.Skipped,
	})
	return &Result{Stats: stats}, true, nil
}

// sweepStale releases the claims of workers whose heartbeats went quiet.
// Their tasks return to pending with a bumped attempt count; the workers
// are marked dead and never reused.
func (s *Scheduler) sweepStale(ctx context.Context) error {
	stale, err := s.cfg.Store.StaleWorkers(ctx, s.cfg.RunID, s.cfg.StaleThreshold)
	if err != nil {
		return err
	}
	for _, w := range stale {
		s.logger.Warn("worker heartbeat stopped, releasing its claims",
			"worker", w.Num, "task", w.CurrentTask,
			"last_heartbeat", w.LastHeartbeat.Format(time.RFC3339))

		if err := s.cfg.Store.ReleaseStaleWorker(ctx, s.cfg.RunID, w.ID); err != nil {
			return fmt.Errorf("release stale worker %d: %w", w.Num, err)
		}
		s.publish(events.EventWorkerStale, events.WorkerUpdate{
			WorkerID: w.ID, WorkerNum: w.Num, Status: string(db.WorkerDead), TaskID: w.CurrentTask,
		})
		if w.CurrentTask != 0 {
			s.publish(events.EventTaskRequeued, events.TaskUpdate{
				TaskID: w.CurrentTask, WorkerNum: w.Num, Status: string(db.TaskPending),
			})
		}
	}
	return nil
}

// settleExhausted terminally fails requeued tasks that have no retry
// attempts left, so the completion test cannot spin on unclaimable work.
func (s *Scheduler) settleExhausted(ctx context.Context) error {
	ids, err := s.cfg.Store.FailExhausted(ctx, s.cfg.RunID, s.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.logger.Warn("task out of retry attempts", "task", id)
		s.publish(events.EventTaskFailed, events.TaskUpdate{
			TaskID: id, Status: string(db.TaskFailed),
			Error: swarmerr.ErrMaxRetries(id, s.cfg.MaxAttempts).Error(),
		})
	}
	return nil
}

func (s *Scheduler) publish(t events.EventType, data any) {
	s.cfg.Events.Publish(events.NewEvent(t, s.cfg.RunID, data))
}
