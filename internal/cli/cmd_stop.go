// Package cli implements the swarm command-line interface.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/swarm/internal/db"
	"github.com/randalmurphal/swarm/internal/proc"
)

// newStopCmd creates the stop command
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [run-id]",
		Short: "Stop a run gracefully",
		Long: `Mark a run stopped. Workers notice at their next claim attempt and exit
after finishing the task they are on; nothing is killed mid-edit. With no
run id, stops the single running run.

The run stays resumable: swarm resume <run-id>.`,
		Args: cobra.MaximumNArgs(1),
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

			ctx := cmd.Context()
			var arg string
			if len(args) > 0 {
				arg = args[0]
			}
			run, err := resolveRun(ctx, store, arg)
			if err != nil {
				return err
			}

			if run.Status.Terminal() {
				fmt.Printf("Run %s is already %s\n", run.ID, run.Status)
				return nil
			}
			if err := stopRun(ctx, store, run.ID); err != nil {
				return err
			}
			fmt.Printf("Run %s stopping; workers exit after their current task\n", run.ID)
			fmt.Printf("Resume with: swarm resume %s\n", run.ID)
			return nil
		},
	}
}

// newKillCmd creates the kill command
func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill [run-id]",
		Short: "Stop a run immediately, killing agent processes",
		Long: `Stop a run and kill its agent subprocesses. In-flight tasks return to
the queue with the attempt charged; checkouts keep whatever the agents had
committed so far. With no run id, kills the single running run.

Use stop for a graceful wind-down. kill is for wedged agents.`,
		Args: cobra.MaximumNArgs(1),
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

			ctx := cmd.Context()
			var arg string
			if len(args) > 0 {
				arg = args[0]
			}
			run, err := resolveRun(ctx, store, arg)
			if err != nil {
				return err
			}

			killed, err := killRun(ctx, store, run)
			if err != nil {
				return err
			}
			fmt.Printf("Run %s stopped, %d agent process(es) killed\n", run.ID, killed)
			fmt.Printf("Resume with: swarm resume %s\n", run.ID)
			return nil
		},
	}
}

// stopRun marks the run stopped. Workers poll run status before every claim,
// so this is the whole graceful path.
func stopRun(ctx context.Context, store *db.Store, runID string) error {
	return store.SetRunStatus(ctx, runID, db.RunStopped)
}

// killRun stops the run and sweeps its workers: each active worker's agent
// process group is killed and its claim released, requeueing the task with
// the attempt charged. Returns how many agent processes were signalled.
func killRun(ctx context.Context, store *db.Store, run *db.Run) (int, error) {
	if !run.Status.Terminal() {
		if err := store.SetRunStatus(ctx, run.ID, db.RunStopped); err != nil {
			return 0, err
		}
	}

	workers, err := store.ListWorkers(ctx, run.ID)
	if err != nil {
		return 0, err
	}

	killed := 0
	for _, w := range workers {
		if !w.Status.Active() {
			continue
		}
		if w.AgentPID > 0 && proc.Alive(w.AgentPID) {
			if err := proc.KillGroup(w.AgentPID); err == nil {
				killed++
			}
		}
		if err := store.ReleaseStaleWorker(ctx, run.ID, w.ID); err != nil {
			return killed, fmt.Errorf("release worker %d: %w", w.Num, err)
		}
	}
	return killed, nil
}
