// Package cli implements the swarm command-line interface.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/swarm/internal/orchestrator"
)

// newResumeCmd creates the resume command
func newResumeCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a stopped or failed run",
		Long: `Resume a run that stopped or failed.

Completed and skipped tasks stay done. Failed tasks with attempts left and
tasks orphaned by dead workers return to the queue, and a fresh worker fleet
picks them up in the existing checkouts. Work an interrupted agent already
committed is recognized in the worker branch's log and skipped, not repeated.

Examples:
  swarm resume 20250114T120000-ab12cd
  swarm resume 20250114T120000-ab12cd --project billing`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
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
					return orch.Resume(ctx, args[0], project)
				})
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "publish the merged tree under this name after a clean run")

	return cmd
}
