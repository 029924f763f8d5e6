// Package cli implements the swarm command-line interface.
package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/swarm/internal/config"
	"github.com/randalmurphal/swarm/internal/orchestrator"
)

// newRunCmd creates the run command
func newRunCmd() *cobra.Command {
	var (
		planPath string
		prompt   string
		repoPath string
		workers  int
		timeout  time.Duration
		project  string
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Execute a plan or prompt with parallel workers",
		Long: `Execute a development plan or a free-text request.

Exactly one task source is required: --plan points at a markdown checklist
whose unchecked items become tasks, or a prompt (positional or --prompt) is
decomposed into tasks by the agent.

Each worker gets its own checkout of the repository. Completed task branches
merge back into the integration branch when the run ends; conflicting hunks
are kept as markers and reported, never resolved silently. A run with failed
tasks still exits zero; the failures are in the report and the run can be
resumed.

Examples:
  swarm run --plan PLAN.md
  swarm run --plan PLAN.md --workers 8 --repo ~/src/app
  swarm run "Add request tracing to every handler"
  swarm run --prompt "Fix the flaky tests" --project tracing`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" && len(args) > 0 {
				prompt = strings.Join(args, " ")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if timeout > 0 {
				cfg.Timeouts.Task = config.Duration(timeout)
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx, cancel := SetupSignalHandler()
			defer cancel()

			return runOrchestrated(ctx, cfg, store,
				func(ctx context.Context, orch *orchestrator.Orchestrator) (*orchestrator.Summary, error) {
					return orch.Start(ctx, orchestrator.StartSpec{
						PlanPath: planPath,
						Prompt:   prompt,
						RepoPath: repoPath,
						Workers:  workers,
						Project:  project,
					})
				})
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "markdown plan whose unchecked items become tasks")
	cmd.Flags().StringVar(&prompt, "prompt", "", "free-text request to decompose into tasks")
	cmd.Flags().StringVarP(&repoPath, "repo", "r", ".", "repository the run works on")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker count (default workers.default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-task timeout (default timeouts.task from config)")
	cmd.Flags().StringVar(&project, "project", "", "publish the merged tree under this name after a clean run")

	return cmd
}
