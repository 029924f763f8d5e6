// Package analyzer produces the initial task set for a run: it parses a
// plan's checklist or decomposes a free-text prompt into parallelizable
// tasks, and predicts the files each task will touch so the scheduler can
// serialize overlapping work. Predictions are advisory; the store records
// the files actually modified after each task runs.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/swarm/internal/db"
	"github.com/randalmurphal/swarm/internal/plan"
)

// queryTimeout bounds one analysis LLM call. Decomposition and prediction
// are single-response calls; anything this slow is wedged.
const queryTimeout = 3 * time.Minute

// Querier is the one-shot LLM surface the analyzer needs. *agent.Agent
// satisfies it.
type Querier interface {
	Query(ctx context.Context, prompt, dir string, timeout time.Duration) (string, error)
}

// Analyzer builds task lists and file predictions.
type Analyzer struct {
	llm     Querier
	store   *db.Store // prediction cache; nil disables caching
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithStore enables prediction caching through the coordination store.
func WithStore(store *db.Store) Option {
	return func(a *Analyzer) { a.store = store }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = logger }
}

// WithTimeout overrides the per-call LLM timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Analyzer) { a.timeout = d }
}

// New creates an analyzer. llm may be nil for plan-only use; FromPrompt and
// Predict then degrade (error and empty sets respectively).
func New(llm Querier, opts ...Option) *Analyzer {
	a := &Analyzer{
		llm:     llm,
		logger:  slog.Default(),
		timeout: queryTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FromPlan parses the plan file at path and returns its pending items as
// tasks, in document order. Done items are not re-run; in-progress boxes
// from an interrupted run count as pending. Priorities are uniform: a plan
// checklist carries no ordering hints beyond the lock conflicts prediction
// discovers.
func (a *Analyzer) FromPlan(path string) ([]*db.Task, error) {
	doc, err := plan.ParseFile(path)
	if err != nil {
		return nil, err
	}
	pending := doc.Pending()
	tasks := make([]*db.Task, 0, len(pending))
	for _, item := range pending {
		tasks = append(tasks, &db.Task{
			Text:        item.Text,
			ContentHash: plan.ContentHash(item.Text),
			Priority:    0,
			PlanLine:    item.Line,
		})
	}
	a.logger.Info("plan analyzed",
		"path", path, "pending", len(pending), "done", len(doc.Done()))
	return tasks, nil
}

// FromPrompt decomposes a free-text prompt into tasks with one LLM call.
// The reply must contain a JSON array of {task, priority, estimated_files}
// objects; estimated globs become the initial predicted set. A prompt that
// decomposes to nothing is a user error, not an empty run.
func (a *Analyzer) FromPrompt(ctx context.Context, prompt, repoDir string) ([]*db.Task, error) {
	if a.llm == nil {
		return nil, fmt.Errorf("prompt mode needs an agent")
	}
	reply, err := a.llm.Query(ctx, decomposePrompt(prompt), repoDir, a.timeout)
	if err != nil {
		return nil, fmt.Errorf("decompose prompt: %w", err)
	}
	decomposed, err := decodeTaskList(reply)
	if err != nil {
		return nil, fmt.Errorf("decompose prompt: %w", err)
	}

	tasks := make([]*db.Task, 0, len(decomposed))
	for _, d := range decomposed {
		tasks = append(tasks, &db.Task{
			Text:           d.Text,
			ContentHash:    plan.ContentHash(d.Text),
			Priority:       d.Priority,
			PredictedFiles: d.EstimatedFiles,
		})
	}
	a.logger.Info("prompt decomposed", "tasks", len(tasks))
	return tasks, nil
}

// Predict fills PredictedFiles for every task that does not already have a
// set, using one LLM call per task over a truncated listing of repoDir.
// Results are cached by (content hash, tree digest) so a resume against an
// unchanged tree repeats no calls. Prediction is best-effort: an unusable
// reply or a failed call leaves the set empty, which conflicts with nothing.
func (a *Analyzer) Predict(ctx context.Context, repoDir string, tasks []*db.Task) error {
	listing, truncated, err := TreeListing(repoDir, TreeCap)
	if err != nil {
		return fmt.Errorf("list source tree: %w", err)
	}
	digest := TreeDigest(listing)

	for _, task := range tasks {
		if len(task.PredictedFiles) > 0 {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if a.store != nil {
			cached, ok, err := a.store.GetPrediction(ctx, task.ContentHash, digest)
			if err != nil {
				return fmt.Errorf("prediction cache: %w", err)
			}
			if ok {
				task.PredictedFiles = cached
				a.logger.Debug("prediction cache hit", "task", truncate(task.Text, 60))
				continue
			}
		}

		patterns := a.predictOne(ctx, repoDir, task, listing, truncated)
		task.PredictedFiles = patterns

		if a.store != nil {
			if err := a.store.PutPrediction(ctx, task.ContentHash, digest, patterns); err != nil {
				return fmt.Errorf("prediction cache: %w", err)
			}
		}
	}
	return nil
}

func (a *Analyzer) predictOne(ctx context.Context, repoDir string, task *db.Task, listing []string, truncated bool) []string {
	if a.llm == nil {
		return nil
	}
	reply, err := a.llm.Query(ctx, predictPrompt(task.Text, listing, truncated), repoDir, a.timeout)
	if err != nil {
		a.logger.Warn("file prediction failed, task will not hold locks",
			"task", truncate(task.Text, 60), "error", err)
		return nil
	}
	patterns := decodeGlobs(reply)
	if len(patterns) == 0 {
		a.logger.Warn("file prediction unusable, task will not hold locks",
			"task", truncate(task.Text, 60), "reply", truncate(reply, 120))
	}
	return patterns
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
