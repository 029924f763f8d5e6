package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	swarmerr "github.com/randalmurphal/swarm/internal/errors"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// Terminal reports whether the task has finished.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// Task is one unit of agent work within a run.
type Task struct {
	RunID       string
	ID          int64
	Text        string
	ContentHash string
	Status      TaskStatus
	Priority    int // lower runs earlier; equal priorities may run in parallel
	PlanLine    int // 1-based line in the source plan; 0 in prompt mode

	PredictedFiles []string // glob patterns, used as lock patterns
	ActualFiles    []string // populated after execution

	WorkerID     string // claiming worker id; empty when unclaimed
	AttemptCount int
	CommitSHA    string
	TokensUsed   int64
	LastError    string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

const taskColumns = `run_id, id, text, content_hash, status, priority, plan_line,
	predicted_files, actual_files, worker_id, attempt_count, commit_sha, tokens_used,
	last_error, created_at, started_at, completed_at`

func scanTask(sc scanner) (*Task, error) {
	var t Task
	var predicted, actual, createdAt string
	var workerID, startedAt, completedAt sql.NullString
	err := sc.Scan(
		&t.RunID, &t.ID, &t.Text, &t.ContentHash, &t.Status, &t.Priority, &t.PlanLine,
		&predicted, &actual, &workerID, &t.AttemptCount, &t.CommitSHA, &t.TokensUsed,
		&t.LastError, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.PredictedFiles = unmarshalStrings(predicted)
	t.ActualFiles = unmarshalStrings(actual)
	t.WorkerID = workerID.String
	t.CreatedAt = parseTime(createdAt)
	if startedAt.Valid {
		t.StartedAt = parseTime(startedAt.String)
	}
	if completedAt.Valid {
		t.CompletedAt = parseTime(completedAt.String)
	}
	return &t, nil
}

// AddTask inserts a single task, assigning the next id within the run.
// Returns the assigned id.
func (s *Store) AddTask(ctx context.Context, task *Task) (int64, error) {
	err := s.RunInTx(ctx, func(tx *TxOps) error {
		return insertTask(tx, task)
	})
	if err != nil {
		return 0, err
	}
	return task.ID, nil
}

// AddTasks inserts tasks in order within one transaction, assigning dense
// ids starting after the run's current maximum. Also refreshes the run's
// total_tasks aggregate.
func (s *Store) AddTasks(ctx context.Context, runID string, tasks []*Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return s.RunInTx(ctx, func(tx *TxOps) error {
		for _, task := range tasks {
			task.RunID = runID
			if err := insertTask(tx, task); err != nil {
				return err
			}
		}
		_, err := tx.Exec(
			`UPDATE runs SET total_tasks = (SELECT COUNT(*) FROM tasks WHERE run_id = ?), updated_at = ? WHERE id = ?`,
			runID, nowUTC(), runID,
		)
		return err
	})
}

func insertTask(tx *TxOps, task *Task) error {
	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM runs WHERE id = ?`, task.RunID).Scan(&exists); err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if exists == 0 {
		return swarmerr.ErrRunNotFound(task.RunID)
	}

	if task.ID == 0 {
		var maxID int64
		if err := tx.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM tasks WHERE run_id = ?`, task.RunID).Scan(&maxID); err != nil {
			return fmt.Errorf("next task id: %w", err)
		}
		task.ID = maxID + 1
	}
	if task.Status == "" {
		task.Status = TaskPending
	}
	now := nowUTC()
	task.CreatedAt = parseTime(now)

	_, err := tx.Exec(`
		INSERT INTO tasks (run_id, id, text, content_hash, status, priority, plan_line,
			predicted_files, actual_files, attempt_count, commit_sha, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.RunID, task.ID, task.Text, task.ContentHash, task.Status, task.Priority,
		task.PlanLine, marshalStrings(task.PredictedFiles), marshalStrings(task.ActualFiles),
		task.AttemptCount, task.CommitSHA, task.LastError, now,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by run and id. Returns (nil, nil) if not found.
func (s *Store) GetTask(ctx context.Context, runID string, taskID int64) (*Task, error) {
	row := s.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE run_id = ? AND id = ?`,
		runID, taskID,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", taskID, err)
	}
	return task, nil
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status TaskStatus
}

// ListTasks returns a run's tasks ordered by id.
func (s *Store) ListTasks(ctx context.Context, runID string, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE run_id = ?`
	args := []any{runID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY id`

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CompleteTask marks a claimed task completed, records its commit and actual
// files, releases the task's locks, and returns the worker to idle. The
// update is guarded on (worker_id, in_progress) so a stale worker that lost
// its claim cannot complete the task out from under its new owner.
func (s *Store) CompleteTask(ctx context.Context, runID string, taskID int64, workerID, commitSHA string, actualFiles []string, tokens int64) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		now := nowUTC()
		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, commit_sha = ?, actual_files = ?,
				tokens_used = tokens_used + ?, completed_at = ?
			WHERE run_id = ? AND id = ? AND worker_id = ? AND status = ?`,
			TaskCompleted, commitSHA, marshalStrings(actualFiles), tokens, now,
			runID, taskID, workerID, TaskInProgress,
		)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		if err := requireClaimed(tx, runID, taskID, res); err != nil {
			return err
		}

		if err := releaseTaskLocks(tx, runID, taskID); err != nil {
			return err
		}

		_, err = tx.Exec(`
			UPDATE workers SET current_task = NULL, status = ?, tasks_done = tasks_done + 1,
				tokens_used = tokens_used + ?, last_heartbeat = ?
			WHERE id = ?`,
			WorkerIdle, tokens, now, workerID,
		)
		if err != nil {
			return fmt.Errorf("release worker: %w", err)
		}
		return nil
	})
}

// FailTask records a failed attempt. It increments attempt_count; a
// retryable failure below maxAttempts returns the task to pending, anything
// else is terminal. Locks are released and the worker returns to idle either
// way. Guarded like CompleteTask.
func (s *Store) FailTask(ctx context.Context, runID string, taskID int64, workerID, errMsg string, retryable bool, maxAttempts int, tokens int64) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		var attempts int
		err := tx.QueryRow(
			`SELECT attempt_count FROM tasks WHERE run_id = ? AND id = ? AND worker_id = ? AND status = ?`,
			runID, taskID, workerID, TaskInProgress,
		).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return claimStateError(tx, runID, taskID)
		}
		if err != nil {
			return fmt.Errorf("fail task: %w", err)
		}

		attempts++
		now := nowUTC()
		if retryable && attempts < maxAttempts {
			_, err = tx.Exec(`
				UPDATE tasks SET status = ?, worker_id = NULL, attempt_count = ?,
					last_error = ?, tokens_used = tokens_used + ?, started_at = NULL
				WHERE run_id = ? AND id = ?`,
				TaskPending, attempts, errMsg, tokens, runID, taskID,
			)
		} else {
			_, err = tx.Exec(`
				UPDATE tasks SET status = ?, attempt_count = ?, last_error = ?,
					tokens_used = tokens_used + ?, completed_at = ?
				WHERE run_id = ? AND id = ?`,
				TaskFailed, attempts, errMsg, tokens, now, runID, taskID,
			)
		}
		if err != nil {
			return fmt.Errorf("fail task: %w", err)
		}

		if err := releaseTaskLocks(tx, runID, taskID); err != nil {
			return err
		}

		_, err = tx.Exec(`
			UPDATE workers SET current_task = NULL, status = ?, tokens_used = tokens_used + ?,
				last_heartbeat = ?
			WHERE id = ?`,
			WorkerIdle, tokens, now, workerID,
		)
		if err != nil {
			return fmt.Errorf("release worker: %w", err)
		}
		return nil
	})
}

// SkipTask marks a claimed task skipped after a resume check matched an
// existing commit. The matching commit is recorded; the worker's tasks_done
// is not incremented.
func (s *Store) SkipTask(ctx context.Context, runID string, taskID int64, workerID, commitSHA string) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		now := nowUTC()
		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, commit_sha = ?, completed_at = ?
			WHERE run_id = ? AND id = ? AND worker_id = ? AND status = ?`,
			TaskSkipped, commitSHA, now, runID, taskID, workerID, TaskInProgress,
		)
		if err != nil {
			return fmt.Errorf("skip task: %w", err)
		}
		if err := requireClaimed(tx, runID, taskID, res); err != nil {
			return err
		}

		if err := releaseTaskLocks(tx, runID, taskID); err != nil {
			return err
		}

		_, err = tx.Exec(`
			UPDATE workers SET current_task = NULL, status = ?, last_heartbeat = ? WHERE id = ?`,
			WorkerIdle, now, workerID,
		)
		if err != nil {
			return fmt.Errorf("release worker: %w", err)
		}
		return nil
	})
}

// requireClaimed verifies a guarded task update hit exactly one row, and if
// not, reports the task's actual state.
func requireClaimed(tx *TxOps, runID string, taskID int64, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	return claimStateError(tx, runID, taskID)
}

func claimStateError(tx *TxOps, runID string, taskID int64) error {
	var current string
	err := tx.QueryRow(`SELECT status FROM tasks WHERE run_id = ? AND id = ?`, runID, taskID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return swarmerr.ErrTaskState(taskID, "missing", string(TaskInProgress))
	}
	if err != nil {
		return fmt.Errorf("task state: %w", err)
	}
	return swarmerr.ErrTaskState(taskID, current, string(TaskInProgress))
}
