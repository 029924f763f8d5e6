package db

import (
	"context"
	"fmt"

	swarmerr "github.com/randalmurphal/swarm/internal/errors"
	"github.com/randalmurphal/swarm/internal/lock"
)

// Claim is the result of a claim attempt. Task is nil when nothing was
// claimable; RunStatus is the run status observed inside the claiming
// transaction, so an idle worker can decide whether to poll again or exit.
type Claim struct {
	Task      *Task
	RunStatus RunStatus
}

// ClaimNextTask atomically claims the next eligible task for a worker.
//
// Eligible means: status pending, ordered by priority then id, whose
// predicted file patterns do not conflict with any held lock. The claim,
// its lock acquisitions, and the worker's transition to busy commit as one
// transaction, so no interleaving of concurrent claims can hand the same
// task to two workers or admit conflicting lock sets.
func (s *Store) ClaimNextTask(ctx context.Context, runID, workerID string) (*Claim, error) {
	var claim Claim
	err := s.RunInTx(ctx, func(tx *TxOps) error {
		// Touch the run row first. Serializes claim transactions per run
		// under PostgreSQL's row locking; SQLite's single writer already
		// serializes them.
		res, err := tx.Exec(`UPDATE runs SET updated_at = ? WHERE id = ?`, nowUTC(), runID)
		if err != nil {
			return fmt.Errorf("touch run: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("touch run: %w", err)
		} else if n == 0 {
			return swarmerr.ErrRunNotFound(runID)
		}

		var status RunStatus
		if err := tx.QueryRow(`SELECT status FROM runs WHERE id = ?`, runID).Scan(&status); err != nil {
			return fmt.Errorf("run status: %w", err)
		}
		claim.RunStatus = status
		if status != RunRunning {
			return nil
		}

		held, err := heldLocks(tx, runID)
		if err != nil {
			return err
		}
		heldPatterns := make([]string, len(held))
		for i, h := range held {
			heldPatterns[i] = h.Pattern
		}

		candidates, err := pendingTasks(tx, runID)
		if err != nil {
			return err
		}

		for _, task := range candidates {
			if lock.SetsConflict(task.PredictedFiles, heldPatterns) {
				continue
			}

			now := nowUTC()
			res, err := tx.Exec(`
				UPDATE tasks SET status = ?, worker_id = ?, started_at = ?
				WHERE run_id = ? AND id = ? AND status = ?`,
				TaskInProgress, workerID, now, runID, task.ID, TaskPending,
			)
			if err != nil {
				return fmt.Errorf("claim task %d: %w", task.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim task %d: %w", task.ID, err)
			}
			if n == 0 {
				// Lost the race for this task; try the next candidate.
				continue
			}

			if err := acquireLocks(tx, runID, workerID, task.ID, task.PredictedFiles); err != nil {
				return err
			}

			_, err = tx.Exec(`
				UPDATE workers SET status = ?, current_task = ?, last_heartbeat = ? WHERE id = ?`,
				WorkerBusy, task.ID, now, workerID,
			)
			if err != nil {
				return fmt.Errorf("mark worker busy: %w", err)
			}

			task.Status = TaskInProgress
			task.WorkerID = workerID
			task.StartedAt = parseTime(now)
			claim.Task = task
			return nil
		}

		return nil
	})
	if err != nil {
		return nil, mapBusy("claim task", err)
	}
	return &claim, nil
}

func pendingTasks(tx *TxOps, runID string) ([]*Task, error) {
	rows, err := tx.Query(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE run_id = ? AND status = ? ORDER BY priority, id`,
		runID, TaskPending,
	)
	if err != nil {
		return nil, fmt.Errorf("pending tasks: %w", err)
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

// RequeueInProgress returns every in-progress task of a run to pending,
// bumping attempt counts and clearing all locks. Used when resuming a run
// whose previous orchestrator died without releasing its claims.
func (s *Store) RequeueInProgress(ctx context.Context, runID string) (int, error) {
	var requeued int
	err := s.RunInTx(ctx, func(tx *TxOps) error {
		res, err := tx.Exec(`
			UPDATE tasks SET status = ?, worker_id = NULL, attempt_count = attempt_count + 1,
				started_at = NULL
			WHERE run_id = ? AND status = ?`,
			TaskPending, runID, TaskInProgress,
		)
		if err != nil {
			return fmt.Errorf("requeue tasks: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("requeue tasks: %w", err)
		}
		requeued = int(n)

		if _, err := tx.Exec(`DELETE FROM file_locks WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("clear locks: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

// CompletedContentHashes maps the content hashes of completed and skipped
// tasks to the commits that carried them, for resume matching. Returns an
// empty map when the run is unknown.
func (s *Store) CompletedContentHashes(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT content_hash, commit_sha FROM tasks WHERE run_id = ? AND status IN (?, ?)`,
		runID, TaskCompleted, TaskSkipped,
	)
	if err != nil {
		return nil, fmt.Errorf("completed hashes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hashes := make(map[string]string)
	for rows.Next() {
		var h, sha string
		if err := rows.Scan(&h, &sha); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		if h != "" {
			hashes[h] = sha
		}
	}
	return hashes, rows.Err()
}
