package orchestrator

import (
	"context"
	"time"

	"github.com/randalmurphal/swarm/internal/db"
	swarmerr "github.com/randalmurphal/swarm/internal/errors"
	"github.com/randalmurphal/swarm/internal/git"
	"github.com/randalmurphal/swarm/internal/lock"
)

// Summary is the operator-facing outcome of a run.
type Summary struct {
	RunID  string       `json:"run_id"`
	Status db.RunStatus `json:"status"`
	Stats  db.TaskStats `json:"stats"`

	Completed []TaskOutcome `json:"completed,omitempty"`
	Failed    []TaskOutcome `json:"failed,omitempty"`
	Skipped   []TaskOutcome `json:"skipped,omitempty"`

	// Conflicts lists files that kept merge conflict markers.
	Conflicts []Conflict `json:"conflicts,omitempty"`
	// ProjectDir is where the merged tree was published; empty when no
	// extraction happened.
	ProjectDir string `json:"project_dir,omitempty"`

	Tokens  int64         `json:"tokens"`
	Elapsed time.Duration `json:"elapsed"`
}

// TaskOutcome is one task's line in the summary.
type TaskOutcome struct {
	ID       int64  `json:"id"`
	Text     string `json:"text"`
	Commit   string `json:"commit,omitempty"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts,omitempty"`

	// Unpredicted lists files the task changed that none of its predicted
	// patterns cover. Those writes ran without lock protection.
	Unpredicted []string `json:"unpredicted,omitempty"`
}

// Conflict names a file whose merge kept conflict markers and the workers
// whose edits collided there.
type Conflict struct {
	Path    string `json:"path"`
	Workers []int  `json:"workers"`
}

// summarize reads the run's final state back out of the store.
func (o *Orchestrator) summarize(ctx context.Context, runID string, report *git.MergeReport, projectDir string) (*Summary, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, swarmerr.ErrRunNotFound(runID)
	}
	stats, err := o.store.TaskStats(ctx, runID)
	if err != nil {
		return nil, err
	}
	tasks, err := o.store.ListTasks(ctx, runID, db.TaskFilter{})
	if err != nil {
		return nil, err
	}

	s := &Summary{
		RunID:      runID,
		Status:     run.Status,
		Stats:      *stats,
		ProjectDir: projectDir,
		Tokens:     stats.Tokens,
	}
	for _, t := range tasks {
		out := TaskOutcome{
			ID:       t.ID,
			Text:     t.Text,
			Commit:   t.CommitSHA,
			Error:    t.LastError,
			Attempts: t.AttemptCount,
		}
		switch t.Status {
		case db.TaskCompleted:
			out.Unpredicted = unpredictedFiles(t.PredictedFiles, t.ActualFiles)
			s.Completed = append(s.Completed, out)
		case db.TaskFailed:
			s.Failed = append(s.Failed, out)
		case db.TaskSkipped:
			s.Skipped = append(s.Skipped, out)
		}
	}
	if report != nil {
		for _, c := range report.Conflicts {
			s.Conflicts = append(s.Conflicts, Conflict{Path: c.Path, Workers: c.Workers})
		}
	}
	if !run.CompletedAt.IsZero() {
		s.Elapsed = run.CompletedAt.Sub(run.StartedAt)
	} else {
		s.Elapsed = time.Since(run.StartedAt)
	}
	return s, nil
}

// unpredictedFiles returns the files a task touched that none of its
// predicted patterns cover. A task with no predictions held no locks, so
// there is nothing to reconcile against.
func unpredictedFiles(predicted, actual []string) []string {
	if len(predicted) == 0 {
		return nil
	}
	var missed []string
	for _, path := range actual {
		covered := false
		for _, pattern := range predicted {
			if lock.Matches(pattern, path) {
				covered = true
				break
			}
		}
		if !covered {
			missed = append(missed, path)
		}
	}
	return missed
}
