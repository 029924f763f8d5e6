package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkerStatus represents the lifecycle state of a worker.
// Staleness is a predicate over last_heartbeat, not a stored status; the
// scheduler marks stale workers dead after releasing their claims.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerExited   WorkerStatus = "exited"
	WorkerDead     WorkerStatus = "dead"
)

// Active reports whether the worker is expected to be heartbeating.
func (s WorkerStatus) Active() bool {
	return s == WorkerStarting || s == WorkerIdle || s == WorkerBusy
}

// Worker is one registered task executor within a run.
type Worker struct {
	ID          string
	RunID       string
	Num         int
	Status      WorkerStatus
	PID         int   // orchestrator process hosting the worker
	AgentPID    int   // agent subprocess currently running, 0 when none
	CurrentTask int64 // 0 when no task is claimed
	Branch      string
	WorkDir     string

	TasksDone  int
	TokensUsed int64

	StartedAt     time.Time
	LastHeartbeat time.Time
}

const workerColumns = `id, run_id, num, status, pid, agent_pid, current_task, branch, work_dir,
	tasks_done, tokens_used, started_at, last_heartbeat`

func scanWorker(sc scanner) (*Worker, error) {
	var w Worker
	var currentTask sql.NullInt64
	var startedAt, lastHeartbeat string
	err := sc.Scan(
		&w.ID, &w.RunID, &w.Num, &w.Status, &w.PID, &w.AgentPID, &currentTask,
		&w.Branch, &w.WorkDir, &w.TasksDone, &w.TokensUsed, &startedAt, &lastHeartbeat,
	)
	if err != nil {
		return nil, err
	}
	w.CurrentTask = currentTask.Int64
	w.StartedAt = parseTime(startedAt)
	w.LastHeartbeat = parseTime(lastHeartbeat)
	return &w, nil
}

// RegisterWorker inserts a worker row, assigning an id if empty. A resumed
// run re-registers the same (run, num) slot; the old incarnation's row is
// replaced and its counters reset.
func (s *Store) RegisterWorker(ctx context.Context, w *Worker) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Status == "" {
		w.Status = WorkerStarting
	}
	now := nowUTC()
	w.StartedAt = parseTime(now)
	w.LastHeartbeat = w.StartedAt

	_, err := s.ExecContext(ctx, `
		INSERT INTO workers (id, run_id, num, status, pid, agent_pid, branch, work_dir,
			started_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, num) DO UPDATE SET
			id = excluded.id,
			status = excluded.status,
			pid = excluded.pid,
			agent_pid = 0,
			current_task = NULL,
			branch = excluded.branch,
			work_dir = excluded.work_dir,
			tasks_done = 0,
			tokens_used = 0,
			started_at = excluded.started_at,
			last_heartbeat = excluded.last_heartbeat`,
		w.ID, w.RunID, w.Num, w.Status, w.PID, w.AgentPID, w.Branch, w.WorkDir, now, now,
	)
	if err != nil {
		return fmt.Errorf("register worker %d: %w", w.Num, err)
	}
	return nil
}

// Heartbeat stamps the worker's liveness.
func (s *Store) Heartbeat(ctx context.Context, workerID string) error {
	res, err := s.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = ? WHERE id = ?`,
		nowUTC(), workerID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("heartbeat: worker %s not registered", workerID)
	}
	return nil
}

// SetWorkerStatus transitions a worker's status.
func (s *Store) SetWorkerStatus(ctx context.Context, workerID string, status WorkerStatus) error {
	_, err := s.ExecContext(ctx,
		`UPDATE workers SET status = ?, last_heartbeat = ? WHERE id = ?`,
		status, nowUTC(), workerID,
	)
	if err != nil {
		return fmt.Errorf("set worker status: %w", err)
	}
	return nil
}

// SetAgentPID records the agent subprocess pid for emergency stop.
// Pass 0 when the subprocess exits.
func (s *Store) SetAgentPID(ctx context.Context, workerID string, pid int) error {
	_, err := s.ExecContext(ctx,
		`UPDATE workers SET agent_pid = ? WHERE id = ?`,
		pid, workerID,
	)
	if err != nil {
		return fmt.Errorf("set agent pid: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker by id. Returns (nil, nil) if not found.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	row := s.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, workerID,
	)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns a run's workers ordered by num.
func (s *Store) ListWorkers(ctx context.Context, runID string) ([]*Worker, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE run_id = ? ORDER BY num`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// StaleWorkers returns active workers whose last heartbeat is older than
// threshold. RFC3339 UTC timestamps compare lexicographically, so the cutoff
// is a plain string comparison in SQL.
func (s *Store) StaleWorkers(ctx context.Context, runID string, threshold time.Duration) ([]*Worker, error) {
	cutoff := formatTime(time.Now().Add(-threshold))
	rows, err := s.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers
		 WHERE run_id = ? AND status IN (?, ?, ?) AND last_heartbeat < ?
		 ORDER BY num`,
		runID, WorkerStarting, WorkerIdle, WorkerBusy, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("stale workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// ReleaseStaleWorker requeues the worker's in-flight task (bumping its
// attempt count), releases all the worker's locks, and marks the worker
// dead, in one transaction.
func (s *Store) ReleaseStaleWorker(ctx context.Context, runID, workerID string) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		_, err := tx.Exec(`
			UPDATE tasks SET status = ?, worker_id = NULL, attempt_count = attempt_count + 1,
				started_at = NULL
			WHERE run_id = ? AND worker_id = ? AND status = ?`,
			TaskPending, runID, workerID, TaskInProgress,
		)
		if err != nil {
			return fmt.Errorf("requeue stale task: %w", err)
		}

		if err := releaseWorkerLocks(tx, runID, workerID); err != nil {
			return err
		}

		_, err = tx.Exec(
			`UPDATE workers SET status = ?, current_task = NULL, agent_pid = 0 WHERE id = ?`,
			WorkerDead, workerID,
		)
		if err != nil {
			return fmt.Errorf("mark worker dead: %w", err)
		}
		return nil
	})
}

// CountActiveWorkers counts workers in active states. An empty runID counts
// across all runs, used to enforce the global worker cap.
func (s *Store) CountActiveWorkers(ctx context.Context, runID string) (int, error) {
	query := `SELECT COUNT(*) FROM workers WHERE status IN (?, ?, ?)`
	args := []any{WorkerStarting, WorkerIdle, WorkerBusy}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	var n int
	if err := s.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active workers: %w", err)
	}
	return n, nil
}
