package db

import (
	"context"
	"fmt"
	"time"

	swarmerr "github.com/randalmurphal/swarm/internal/errors"
	"github.com/randalmurphal/swarm/internal/lock"
)

// FileLock is an advisory claim on a glob pattern for the duration of a
// task. Locks exist only in the store; no OS-level file locking is involved.
type FileLock struct {
	RunID      string
	Pattern    string
	WorkerID   string
	TaskID     int64
	AcquiredAt time.Time
}

// AcquireLocks acquires all patterns for a task or none of them. A conflict
// with any held lock (under the conservative glob-prefix rule) fails the
// whole set and identifies the holding task.
func (s *Store) AcquireLocks(ctx context.Context, runID, workerID string, taskID int64, patterns []string) error {
	err := s.RunInTx(ctx, func(tx *TxOps) error {
		return acquireLocks(tx, runID, workerID, taskID, patterns)
	})
	return mapBusy("acquire locks", err)
}

// acquireLocks is the transactional body of AcquireLocks, shared with the
// claim path so a claim and its locks commit atomically.
func acquireLocks(tx *TxOps, runID, workerID string, taskID int64, patterns []string) error {
	patterns = dedupPatterns(patterns)
	if len(patterns) == 0 {
		// Empty predicted sets lock nothing and conflict with nothing.
		return nil
	}

	held, err := heldLocks(tx, runID)
	if err != nil {
		return err
	}

	for _, p := range patterns {
		for _, h := range held {
			if lock.Conflicts(p, h.Pattern) {
				return swarmerr.ErrLockConflict(p, fmt.Sprintf("task %d", h.TaskID))
			}
		}
	}

	now := nowUTC()
	for _, p := range patterns {
		_, err := tx.Exec(
			`INSERT INTO file_locks (run_id, pattern, worker_id, task_id, acquired_at)
			 VALUES (?, ?, ?, ?, ?)`,
			runID, p, workerID, taskID, now,
		)
		if err != nil {
			return fmt.Errorf("insert lock %q: %w", p, err)
		}
	}
	return nil
}

func heldLocks(tx *TxOps, runID string) ([]*FileLock, error) {
	rows, err := tx.Query(
		`SELECT pattern, worker_id, task_id FROM file_locks WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []*FileLock
	for rows.Next() {
		l := &FileLock{RunID: runID}
		if err := rows.Scan(&l.Pattern, &l.WorkerID, &l.TaskID); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

func dedupPatterns(patterns []string) []string {
	if len(patterns) < 2 {
		return patterns
	}
	seen := make(map[string]bool, len(patterns))
	out := patterns[:0]
	for _, p := range patterns {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// ReleaseTaskLocks releases every lock held for a task.
func (s *Store) ReleaseTaskLocks(ctx context.Context, runID string, taskID int64) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		return releaseTaskLocks(tx, runID, taskID)
	})
}

func releaseTaskLocks(tx *TxOps, runID string, taskID int64) error {
	_, err := tx.Exec(
		`DELETE FROM file_locks WHERE run_id = ? AND task_id = ?`, runID, taskID,
	)
	if err != nil {
		return fmt.Errorf("release task locks: %w", err)
	}
	return nil
}

// ReleaseWorkerLocks releases every lock held by a worker.
func (s *Store) ReleaseWorkerLocks(ctx context.Context, runID, workerID string) error {
	return s.RunInTx(ctx, func(tx *TxOps) error {
		return releaseWorkerLocks(tx, runID, workerID)
	})
}

func releaseWorkerLocks(tx *TxOps, runID, workerID string) error {
	_, err := tx.Exec(
		`DELETE FROM file_locks WHERE run_id = ? AND worker_id = ?`, runID, workerID,
	)
	if err != nil {
		return fmt.Errorf("release worker locks: %w", err)
	}
	return nil
}

// ListLocks returns a run's held locks ordered by acquisition time.
func (s *Store) ListLocks(ctx context.Context, runID string) ([]*FileLock, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT run_id, pattern, worker_id, task_id, acquired_at
		 FROM file_locks WHERE run_id = ? ORDER BY acquired_at, pattern`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []*FileLock
	for rows.Next() {
		var l FileLock
		var acquiredAt string
		if err := rows.Scan(&l.RunID, &l.Pattern, &l.WorkerID, &l.TaskID, &acquiredAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		l.AcquiredAt = parseTime(acquiredAt)
		locks = append(locks, &l)
	}
	return locks, rows.Err()
}
