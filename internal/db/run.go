package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	swarmerr "github.com/randalmurphal/swarm/internal/errors"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

// RunMode identifies how the run's tasks were produced.
type RunMode string

const (
	RunModePlan   RunMode = "plan"
	RunModePrompt RunMode = "prompt"
)

// Run is one orchestrator invocation against a plan or prompt.
type Run struct {
	ID         string
	Status     RunStatus
	Mode       RunMode
	SourcePath string // plan file path; empty in prompt mode
	SourceHash string // sha256 of plan content or prompt text
	Prompt     string // prompt text; empty in plan mode
	RepoPath   string
	BaseBranch string
	Workers    int

	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	SkippedTasks   int
	TotalTokens    int64

	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time // zero until the run finishes
}

// NewRunID returns a time-sortable run identifier: a UTC timestamp prefix
// plus a short random suffix to disambiguate same-second starts.
func NewRunID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

const runColumns = `id, status, mode, source_path, source_hash, prompt, repo_path, base_branch,
	workers, total_tasks, completed_tasks, failed_tasks, skipped_tasks, total_tokens,
	started_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var startedAt, updatedAt string
	var completedAt sql.NullString
	err := sc.Scan(
		&r.ID, &r.Status, &r.Mode, &r.SourcePath, &r.SourceHash, &r.Prompt,
		&r.RepoPath, &r.BaseBranch, &r.Workers,
		&r.TotalTasks, &r.CompletedTasks, &r.FailedTasks, &r.SkippedTasks, &r.TotalTokens,
		&startedAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	r.StartedAt = parseTime(startedAt)
	r.UpdatedAt = parseTime(updatedAt)
	if completedAt.Valid {
		r.CompletedAt = parseTime(completedAt.String)
	}
	return &r, nil
}

// CreateRun inserts a new run. At most one run may be active per repository
// per store; a second start against the same repository fails with a
// run-active error carrying the holder's id.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if run.Mode == "" {
		run.Mode = RunModePlan
	}
	now := nowUTC()
	run.StartedAt = parseTime(now)
	run.UpdatedAt = run.StartedAt

	return s.RunInTx(ctx, func(tx *TxOps) error {
		var activeID, activeHash string
		err := tx.QueryRow(
			`SELECT id, source_hash FROM runs WHERE repo_path = ? AND status = 'running' LIMIT 1`,
			run.RepoPath,
		).Scan(&activeID, &activeHash)
		if err == nil {
			return swarmerr.ErrRunActive(activeID, activeHash)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check active run: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO runs (id, status, mode, source_path, source_hash, prompt, repo_path,
				base_branch, workers, started_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Status, run.Mode, run.SourcePath, run.SourceHash, run.Prompt,
			run.RepoPath, run.BaseBranch, run.Workers, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// GetRun retrieves a run by id. Returns (nil, nil) if not found.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ActiveRun returns the running run for a repository, or (nil, nil) if none.
func (s *Store) ActiveRun(ctx context.Context, repoPath string) (*Run, error) {
	row := s.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE repo_path = ? AND status = 'running' LIMIT 1`,
		repoPath,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active run for %s: %w", repoPath, err)
	}
	return run, nil
}

// LatestRunBySourceHash returns the most recent run whose source hash
// matches, or (nil, nil) if none. Run ids sort chronologically, so the
// latest run is the lexicographically greatest id.
func (s *Store) LatestRunBySourceHash(ctx context.Context, sourceHash string) (*Run, error) {
	row := s.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE source_hash = ? ORDER BY id DESC LIMIT 1`,
		sourceHash,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run by source hash: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest-first. A non-positive limit returns all runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SetRunStatus transitions a run's status. Terminal transitions also stamp
// completed_at.
func (s *Store) SetRunStatus(ctx context.Context, id string, status RunStatus) error {
	now := nowUTC()
	var res sql.Result
	var err error
	if status.Terminal() {
		res, err = s.ExecContext(ctx,
			`UPDATE runs SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
			status, now, now, id,
		)
	} else {
		res, err = s.ExecContext(ctx,
			`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
			status, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	if n == 0 {
		return swarmerr.ErrRunNotFound(id)
	}
	return nil
}

// RefreshRunStats recomputes the run's task aggregates from the tasks table.
// Skipped tasks are counted separately from completed ones.
func (s *Store) RefreshRunStats(ctx context.Context, id string) error {
	_, err := s.ExecContext(ctx, `
		UPDATE runs SET
			total_tasks = (SELECT COUNT(*) FROM tasks WHERE tasks.run_id = runs.id),
			completed_tasks = (SELECT COUNT(*) FROM tasks WHERE tasks.run_id = runs.id AND tasks.status = 'completed'),
			failed_tasks = (SELECT COUNT(*) FROM tasks WHERE tasks.run_id = runs.id AND tasks.status = 'failed'),
			skipped_tasks = (SELECT COUNT(*) FROM tasks WHERE tasks.run_id = runs.id AND tasks.status = 'skipped'),
			total_tokens = (SELECT COALESCE(SUM(tasks.tokens_used), 0) FROM tasks WHERE tasks.run_id = runs.id),
			updated_at = ?
		WHERE id = ?`,
		nowUTC(), id,
	)
	if err != nil {
		return fmt.Errorf("refresh run stats: %w", err)
	}
	return nil
}
