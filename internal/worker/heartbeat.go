package worker

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatStore is the minimal store surface the heartbeat loop needs.
// db.Store satisfies it.
type HeartbeatStore interface {
	Heartbeat(ctx context.Context, workerID string) error
}

// HeartbeatRunner refreshes a worker's last_heartbeat on a fixed period so
// the scheduler's stale sweep can tell a busy worker from a dead one.
type HeartbeatRunner struct {
	store    HeartbeatStore
	workerID string
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHeartbeatRunner creates a heartbeat runner for a registered worker.
func NewHeartbeatRunner(store HeartbeatStore, workerID string, interval time.Duration, logger *slog.Logger) *HeartbeatRunner {
	return &HeartbeatRunner{
		store:    store,
		workerID: workerID,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the heartbeat loop in a goroutine.
// The loop runs until Stop() is called or the context is canceled.
func (h *HeartbeatRunner) Start(ctx context.Context) {
	go h.run(ctx)
}

// Stop signals the loop to stop and waits for it to finish.
func (h *HeartbeatRunner) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

func (h *HeartbeatRunner) run(ctx context.Context) {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("heartbeat stopping due to context cancellation", "worker", h.workerID)
			return
		case <-h.stopCh:
			h.logger.Debug("heartbeat stopping due to stop signal", "worker", h.workerID)
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *HeartbeatRunner) beat(ctx context.Context) {
	if err := h.store.Heartbeat(ctx, h.workerID); err != nil {
		// A single missed beat is survivable; the stale threshold spans
		// several periods.
		h.logger.Warn("heartbeat update failed", "worker", h.workerID, "error", err)
		return
	}
}
