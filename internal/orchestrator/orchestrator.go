// Package orchestrator drives a run end to end: turn a plan or prompt into
// tasks, fan workers out over isolated checkouts, supervise the run to a
// verdict, then integrate worker branches into the base repository and
// report what happened. The orchestrator owns run creation and the final
// persistent run status; during execution the scheduler and workers own
// everything else through the store.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/swarm/internal/agent"
	"github.com/randalmurphal/swarm/internal/analyzer"
	"github.com/randalmurphal/swarm/internal/config"
	"github.com/randalmurphal/swarm/internal/db"
	swarmerr "github.com/randalmurphal/swarm/internal/errors"
	"github.com/randalmurphal/swarm/internal/events"
	"github.com/randalmurphal/swarm/internal/git"
	"github.com/randalmurphal/swarm/internal/plan"
	"github.com/randalmurphal/swarm/internal/scheduler"
	"github.com/randalmurphal/swarm/internal/worker"
)

// settleTimeout bounds the store writes that record a run's fate after the
// caller's context is already gone.
const settleTimeout = 5 * time.Second

// Config wires an orchestrator.
type Config struct {
	Config *config.Config
	Store  *db.Store
	// Agent overrides the agent built from Config. Tests use it to stand in
	// a stub CLI.
	Agent  *agent.Agent
	Events events.Publisher
	Logger *slog.Logger
}

// Orchestrator creates, resumes, and supervises runs. Store must be set;
// everything else has defaults.
type Orchestrator struct {
	cfg    *config.Config
	store  *db.Store
	agent  *agent.Agent
	events events.Publisher
	logger *slog.Logger
}

// New creates an orchestrator.
func New(c Config) *Orchestrator {
	if c.Config == nil {
		c.Config = config.Default()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Events == nil {
		c.Events = events.NewNopPublisher()
	}
	if c.Agent == nil {
		c.Agent = BuildAgent(c.Config, c.Logger)
	}
	return &Orchestrator{
		cfg:    c.Config,
		store:  c.Store,
		agent:  c.Agent,
		events: c.Events,
		logger: c.Logger,
	}
}

// BuildAgent constructs the coding-agent client the configuration describes.
// The analyze command builds one directly; Start and Resume get one through
// New when Config.Agent is nil.
func BuildAgent(cfg *config.Config, logger *slog.Logger) *agent.Agent {
	opts := []agent.Option{
		agent.WithCommand(cfg.Agent.Command, cfg.Agent.Args...),
		agent.WithPayloadCap(cfg.Agent.PayloadCap),
		agent.WithLogger(logger),
	}
	if cfg.Agent.Model != "" {
		opts = append(opts, agent.WithModel(cfg.Agent.Model))
	}
	if cfg.Agent.Provider != "" {
		opts = append(opts, agent.WithProvider(cfg.Agent.Provider))
	}
	return agent.New(opts...)
}

// StartSpec describes a run to start. Exactly one of PlanPath and Prompt
// must be set.
type StartSpec struct {
	PlanPath string
	Prompt   string
	// RepoPath is the source repository the run works on.
	RepoPath string
	// Workers overrides workers.default when positive.
	Workers int
	// Project, when set, names the directory the merged tree is published
	// to under projects_root after a conflict-free completed run.
	Project string
}

// Start creates and executes a run. When a run for the same repository and
// source is already recorded as running but its orchestrator is gone, Start
// takes the run over instead of creating a duplicate.
func (o *Orchestrator) Start(ctx context.Context, spec StartSpec) (*Summary, error) {
	if (spec.PlanPath == "") == (spec.Prompt == "") {
		return nil, swarmerr.ErrConfigInvalid("source", "exactly one of a plan file and a prompt is required")
	}
	repoPath, err := filepath.Abs(spec.RepoPath)
	if err != nil {
		return nil, swarmerr.ErrRepoUnusable(spec.RepoPath, err)
	}

	mode := db.RunModePrompt
	sourcePath := ""
	var sourceHash string
	if spec.PlanPath != "" {
		mode = db.RunModePlan
		sourcePath, err = filepath.Abs(spec.PlanPath)
		if err != nil {
			return nil, fmt.Errorf("resolve plan path: %w", err)
		}
		content, err := os.ReadFile(sourcePath)
		if err != nil {
			return nil, fmt.Errorf("read plan: %w", err)
		}
		sourceHash = hashSource(content)
	} else {
		sourceHash = hashSource([]byte(spec.Prompt))
	}

	workers := spec.Workers
	if workers <= 0 {
		workers = o.cfg.Workers.Default
	}
	if err := o.checkWorkerCaps(ctx, workers, ""); err != nil {
		return nil, err
	}

	active, err := o.store.ActiveRun(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if active.SourceHash != sourceHash {
			return nil, swarmerr.ErrRunActive(active.ID, active.SourceHash)
		}
		live, err := o.hasLiveWorkers(ctx, active.ID)
		if err != nil {
			return nil, err
		}
		if live {
			return nil, swarmerr.ErrRunActive(active.ID, active.SourceHash)
		}
		o.logger.Info("run for this source is recorded as running with no live workers, taking it over",
			"run", active.ID)
		if err := o.reopen(ctx, active); err != nil {
			return nil, err
		}
		return o.execute(ctx, active, spec.Project)
	}

	tasks, err := o.analyze(ctx, mode, sourcePath, spec.Prompt, repoPath, sourceHash)
	if err != nil {
		return nil, err
	}

	run := &db.Run{
		Mode:       mode,
		SourcePath: sourcePath,
		SourceHash: sourceHash,
		Prompt:     spec.Prompt,
		RepoPath:   repoPath,
		BaseBranch: o.cfg.Branch,
		Workers:    workers,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := o.store.AddTasks(ctx, run.ID, tasks); err != nil {
		return nil, err
	}
	run.TotalTasks = len(tasks)
	o.logger.Info("run created",
		"run", run.ID, "mode", mode, "tasks", len(tasks), "workers", workers)

	return o.execute(ctx, run, spec.Project)
}

// Resume restarts a run: failed tasks with attempts left return to pending,
// orphaned claims are requeued, and a fresh worker fleet picks up the
// existing checkouts. Project names the extract destination, as on Start.
func (o *Orchestrator) Resume(ctx context.Context, runID, project string) (*Summary, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, swarmerr.ErrRunNotFound(runID)
	}

	if run.Status == db.RunRunning {
		live, err := o.hasLiveWorkers(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if live {
			return nil, swarmerr.ErrRunActive(run.ID, run.SourceHash)
		}
	}
	if err := o.checkWorkerCaps(ctx, run.Workers, run.ID); err != nil {
		return nil, err
	}
	if err := o.reopen(ctx, run); err != nil {
		return nil, err
	}
	return o.execute(ctx, run, project)
}

// execute runs an already-created running run to a verdict.
func (o *Orchestrator) execute(ctx context.Context, run *db.Run, project string) (*Summary, error) {
	repo, err := git.Prepare(ctx, run.RepoPath, run.BaseBranch)
	if err != nil {
		o.settle(run.ID, db.RunFailed)
		return nil, err
	}

	checkouts := make([]*git.Checkout, 0, run.Workers)
	for num := 1; num <= run.Workers; num++ {
		co, err := repo.WorkerCheckout(ctx, o.cfg.StateRoot, run.ID, num)
		if err != nil {
			o.settle(run.ID, db.RunFailed)
			return nil, swarmerr.ErrCheckoutFailed(num, err)
		}
		checkouts = append(checkouts, co)
	}

	o.publish(events.EventRunStarted, run.ID, events.RunStarted{
		Mode: string(run.Mode), Total: run.TotalTasks, Workers: run.Workers,
	})
	o.logger.Info("run executing", "run", run.ID, "workers", run.Workers, "repo", run.RepoPath)

	var result *scheduler.Result
	g, gctx := errgroup.WithContext(ctx)
	wctx, stopWorkers := context.WithCancel(gctx)
	defer stopWorkers()

	g.Go(func() error {
		// A clean scheduler verdict also winds the worker fleet down.
		defer stopWorkers()
		sched := scheduler.New(scheduler.Config{
			Store:          o.store,
			Events:         o.events,
			Logger:         o.logger,
			RunID:          run.ID,
			PollInterval:   o.cfg.Timeouts.Poll.Std(),
			StaleThreshold: o.cfg.Timeouts.Stale.Std(),
			MaxAttempts:    o.cfg.MaxAttempts,
		})
		res, err := sched.Run(gctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	for _, co := range checkouts {
		co := co
		g.Go(func() error {
			w := worker.New(worker.Config{
				Store:           o.store,
				Checkout:        co,
				Agent:           o.agent,
				Events:          o.events,
				Logger:          o.logger,
				RunID:           run.ID,
				Num:             co.Num,
				TaskTimeout:     o.cfg.Timeouts.Task.Std(),
				HeartbeatPeriod: o.cfg.Timeouts.Heartbeat.Std(),
				PollInterval:    o.cfg.Timeouts.Poll.Std(),
				MaxAttempts:     o.cfg.MaxAttempts,
				LogDir:          filepath.Join(o.cfg.StateRoot, run.ID, fmt.Sprintf("worker-%d", co.Num), "logs"),
			})
			return w.Run(wctx)
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Interrupted from outside. Leave the run resumable: worker
			// branches keep their commits, claims are requeued on resume.
			o.logger.Info("interrupted, leaving run stopped", "run", run.ID)
			o.settle(run.ID, db.RunStopped)
			sctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
			defer cancel()
			return o.summarize(sctx, run.ID, nil, "")
		}
		o.settle(run.ID, db.RunFailed)
		return nil, err
	}

	if result.Stopped {
		// Stopped runs keep their worker branches unmerged; resume picks
		// them back up.
		return o.summarize(ctx, run.ID, nil, "")
	}

	report, err := o.integrate(ctx, repo, run, checkouts)
	if err != nil {
		o.settle(run.ID, db.RunFailed)
		return nil, err
	}

	if run.Mode == db.RunModePlan {
		if err := o.updatePlan(ctx, run); err != nil {
			o.logger.Warn("plan write-back failed", "plan", run.SourcePath, "error", err)
		}
	}

	status := db.RunCompleted
	if result.Stats.Failed > 0 {
		status = db.RunFailed
	}
	if err := o.store.SetRunStatus(ctx, run.ID, status); err != nil {
		return nil, err
	}

	projectDir := ""
	if project != "" && status == db.RunCompleted {
		if report.HasConflicts() {
			o.logger.Warn("not publishing a tree with conflict markers",
				"project", project, "conflicts", len(report.Conflicts))
		} else {
			projectDir, err = repo.Extract(ctx, o.cfg.ProjectsRoot, project, git.ProjectMarker{
				RunID:       run.ID,
				SourceHash:  run.SourceHash,
				Branch:      run.BaseBranch,
				PublishedAt: time.Now().UTC(),
			})
			if err != nil {
				o.logger.Warn("project extract failed", "project", project, "error", err)
			} else {
				o.logger.Info("project published", "dir", projectDir)
			}
		}
	}

	return o.summarize(ctx, run.ID, report, projectDir)
}

// analyze builds the initial task set: parse or decompose the source, carry
// over work a finished run of the same source already did, and predict files
// for whatever is left.
func (o *Orchestrator) analyze(ctx context.Context, mode db.RunMode, planPath, prompt, repoPath, sourceHash string) ([]*db.Task, error) {
	an := analyzer.New(o.agent, analyzer.WithStore(o.store), analyzer.WithLogger(o.logger))

	var tasks []*db.Task
	var err error
	if mode == db.RunModePlan {
		tasks, err = an.FromPlan(planPath)
	} else {
		tasks, err = an.FromPrompt(ctx, prompt, repoPath)
	}
	if err != nil {
		return nil, err
	}
	if err := o.skipPriorWork(ctx, sourceHash, tasks); err != nil {
		return nil, err
	}

	// Carried-over tasks never run, so predicting their files would waste
	// agent calls.
	fresh := make([]*db.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status != db.TaskSkipped {
			fresh = append(fresh, t)
		}
	}
	if err := an.Predict(ctx, repoPath, fresh); err != nil {
		return nil, err
	}
	return tasks, nil
}

// skipPriorWork marks tasks already carried by the latest finished run of
// the same source. They are inserted terminal with the prior commit, so no
// worker ever claims them.
func (o *Orchestrator) skipPriorWork(ctx context.Context, sourceHash string, tasks []*db.Task) error {
	prev, err := o.store.LatestRunBySourceHash(ctx, sourceHash)
	if err != nil {
		return err
	}
	if prev == nil || !prev.Status.Terminal() {
		return nil
	}
	done, err := o.store.CompletedContentHashes(ctx, prev.ID)
	if err != nil {
		return err
	}
	skipped := 0
	for _, t := range tasks {
		if sha, ok := done[t.ContentHash]; ok {
			t.Status = db.TaskSkipped
			t.CommitSHA = sha
			skipped++
		}
	}
	if skipped > 0 {
		o.logger.Info("carrying over finished work",
			"previous_run", prev.ID, "skipped", skipped)
	}
	return nil
}

// reopen returns a run to the running state and requeues unfinished work.
func (o *Orchestrator) reopen(ctx context.Context, run *db.Run) error {
	if run.Status != db.RunRunning {
		if err := o.store.SetRunStatus(ctx, run.ID, db.RunRunning); err != nil {
			return err
		}
		run.Status = db.RunRunning
	}
	requeued, err := o.store.RequeueInProgress(ctx, run.ID)
	if err != nil {
		return err
	}
	retried, err := o.store.RetryFailed(ctx, run.ID, o.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	if requeued > 0 || retried > 0 {
		o.logger.Info("reopened unfinished work",
			"run", run.ID, "requeued", requeued, "retried", retried)
	}
	return nil
}

// integrate merges worker branches into the base branch. Conflicting files
// are committed with their markers and surfaced; they never abort the run.
func (o *Orchestrator) integrate(ctx context.Context, repo *git.Context, run *db.Run, checkouts []*git.Checkout) (*git.MergeReport, error) {
	branches := make([]git.WorkerBranch, 0, len(checkouts))
	for _, co := range checkouts {
		branches = append(branches, git.WorkerBranch{
			Num: co.Num, Dir: co.RepoPath(), Branch: co.Branch,
		})
	}
	report, err := repo.Merge(ctx, branches)
	if err != nil {
		return nil, err
	}
	for _, c := range report.Conflicts {
		o.logger.Warn("merge left conflict markers", "file", c.Path, "workers", c.Workers)
		o.publish(events.EventMergeConflict, run.ID, events.ConflictData{
			File: c.Path, Workers: c.Workers,
		})
	}
	return report, nil
}

// updatePlan checks off plan items whose tasks finished. Failed items keep
// their checkbox so the next invocation picks them up again.
func (o *Orchestrator) updatePlan(ctx context.Context, run *db.Run) error {
	tasks, err := o.store.ListTasks(ctx, run.ID, db.TaskFilter{})
	if err != nil {
		return err
	}
	done := make(map[int]bool)
	for _, t := range tasks {
		if t.PlanLine <= 0 {
			continue
		}
		if t.Status == db.TaskCompleted || t.Status == db.TaskSkipped {
			done[t.PlanLine] = true
		}
	}
	if len(done) == 0 {
		return nil
	}
	return plan.UpdateFile(run.SourcePath, done)
}

// checkWorkerCaps refuses worker counts over the per-run cap or counts that
// would push live workers across all runs over the global cap. excludeRun
// discounts a run's own registrations when it is about to replace them.
func (o *Orchestrator) checkWorkerCaps(ctx context.Context, n int, excludeRun string) error {
	if n > o.cfg.Workers.MaxPerRun {
		return swarmerr.ErrWorkerCap(n, o.cfg.Workers.MaxPerRun, "per-run")
	}
	global, err := o.store.CountActiveWorkers(ctx, "")
	if err != nil {
		return err
	}
	if excludeRun != "" {
		own, err := o.store.CountActiveWorkers(ctx, excludeRun)
		if err != nil {
			return err
		}
		global -= own
	}
	if global+n > o.cfg.Workers.MaxGlobal {
		return swarmerr.ErrWorkerCap(global+n, o.cfg.Workers.MaxGlobal, "global")
	}
	return nil
}

// hasLiveWorkers reports whether any of the run's workers heartbeated
// within the stale threshold. A running run with live workers belongs to
// another orchestrator process.
func (o *Orchestrator) hasLiveWorkers(ctx context.Context, runID string) (bool, error) {
	workers, err := o.store.ListWorkers(ctx, runID)
	if err != nil {
		return false, err
	}
	cutoff := time.Now().UTC().Add(-o.cfg.Timeouts.Stale.Std())
	for _, w := range workers {
		if w.Status.Active() && w.LastHeartbeat.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// settle records a terminal status for a run whose execution aborted before
// the normal path could. Runs on a fresh context: the caller's may already
// be canceled.
func (o *Orchestrator) settle(runID string, status db.RunStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := o.store.SetRunStatus(ctx, runID, status); err != nil {
		o.logger.Error("could not record final run status",
			"run", runID, "status", status, "error", err)
	}
}

func (o *Orchestrator) publish(t events.EventType, runID string, data any) {
	o.events.Publish(events.NewEvent(t, runID, data))
}

// hashSource identifies a run family: the raw SHA-256 of the plan file
// bytes or the prompt text.
func hashSource(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
