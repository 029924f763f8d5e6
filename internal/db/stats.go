package db

import (
	"context"
	"fmt"
)

// TaskStats aggregates a run's task counts per status.
type TaskStats struct {
	Total      int
	Pending    int
	InProgress int
	Completed  int
	Failed     int
	Skipped    int
	Tokens     int64
}

// Done reports whether no task remains to schedule or wait for.
func (st *TaskStats) Done() bool {
	return st.Pending == 0 && st.InProgress == 0
}

// TaskStats computes per-status counts and the token total for a run.
func (s *Store) TaskStats(ctx context.Context, runID string) (*TaskStats, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(tokens_used), 0)
		 FROM tasks WHERE run_id = ? GROUP BY status`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var st TaskStats
	for rows.Next() {
		var status TaskStatus
		var count int
		var tokens int64
		if err := rows.Scan(&status, &count, &tokens); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.Total += count
		st.Tokens += tokens
		switch status {
		case TaskPending:
			st.Pending = count
		case TaskInProgress:
			st.InProgress = count
		case TaskCompleted:
			st.Completed = count
		case TaskFailed:
			st.Failed = count
		case TaskSkipped:
			st.Skipped = count
		}
	}
	return &st, rows.Err()
}

// RetryFailed returns failed tasks with remaining attempts to pending.
// Reports how many tasks were reset.
func (s *Store) RetryFailed(ctx context.Context, runID string, maxAttempts int) (int, error) {
	res, err := s.ExecContext(ctx, `
		UPDATE tasks SET status = ?, worker_id = NULL, started_at = NULL, completed_at = NULL
		WHERE run_id = ? AND status = ? AND attempt_count < ?`,
		TaskPending, runID, TaskFailed, maxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	return int(n), nil
}

// FailExhausted terminally fails pending tasks with no attempts left.
// Stale-worker requeues bump attempt counts without the retry-window check
// FailTask applies, so the scheduler settles those tasks here. Returns the
// ids of the tasks it failed.
func (s *Store) FailExhausted(ctx context.Context, runID string, maxAttempts int) ([]int64, error) {
	var ids []int64
	err := s.RunInTx(ctx, func(tx *TxOps) error {
		rows, err := tx.Query(
			`SELECT id FROM tasks WHERE run_id = ? AND status = ? AND attempt_count >= ? ORDER BY id`,
			runID, TaskPending, maxAttempts,
		)
		if err != nil {
			return fmt.Errorf("exhausted tasks: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan task id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		now := nowUTC()
		for _, id := range ids {
			_, err := tx.Exec(`
				UPDATE tasks SET status = ?, completed_at = ?,
					last_error = CASE WHEN last_error = '' THEN 'retry budget exhausted' ELSE last_error END
				WHERE run_id = ? AND id = ?`,
				TaskFailed, now, runID, id,
			)
			if err != nil {
				return fmt.Errorf("fail exhausted task %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
