// Package cli implements the swarm command-line interface.
// This file contains shared helper functions used across multiple commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/randalmurphal/swarm/internal/config"
	"github.com/randalmurphal/swarm/internal/db"
	swarmerr "github.com/randalmurphal/swarm/internal/errors"
	"github.com/randalmurphal/swarm/internal/events"
	"github.com/randalmurphal/swarm/internal/orchestrator"
)

// progressBuffer sizes the event channel behind the progress printer. The
// publisher drops on overflow, so a slow terminal loses lines, not the run.
const progressBuffer = 256

// resolveRun finds the run a command should act on: the given ID, or the
// single running run when no ID was passed.
func resolveRun(ctx context.Context, store *db.Store, arg string) (*db.Run, error) {
	if arg != "" {
		run, err := store.GetRun(ctx, arg)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, swarmerr.ErrRunNotFound(arg)
		}
		return run, nil
	}

	runs, err := store.ListRuns(ctx, 0)
	if err != nil {
		return nil, err
	}
	var active []*db.Run
	for _, r := range runs {
		if r.Status == db.RunRunning {
			active = append(active, r)
		}
	}
	switch len(active) {
	case 0:
		return nil, fmt.Errorf("no active run")
	case 1:
		return active[0], nil
	default:
		ids := make([]string, len(active))
		for i, r := range active {
			ids[i] = r.ID
		}
		return nil, fmt.Errorf("multiple active runs, pass an id: %s", strings.Join(ids, ", "))
	}
}

// runOrchestrated wires a publisher and progress printer around one
// orchestrator invocation and reports its summary. The orchestrator returning
// a summary means the run settled; task failures live in the summary, not in
// the error, so a run with failed tasks still exits zero.
func runOrchestrated(ctx context.Context, cfg *config.Config, store *db.Store,
	invoke func(context.Context, *orchestrator.Orchestrator) (*orchestrator.Summary, error)) error {

	pub := events.NewMemoryPublisher(events.WithBufferSize(progressBuffer))
	printerDone := make(chan struct{})
	if !quiet && !jsonOut {
		go printProgress(pub.Subscribe(events.GlobalRunID), printerDone)
	} else {
		close(printerDone)
	}

	orch := orchestrator.New(orchestrator.Config{
		Config: cfg,
		Store:  store,
		Events: pub,
		Logger: buildLogger(cfg),
	})
	sum, err := invoke(ctx, orch)

	// Close flushes the printer; summary output must not interleave with it.
	pub.Close()
	<-printerDone

	if err != nil {
		return err
	}
	return printSummary(sum)
}

// printProgress renders run events as they arrive until the channel closes.
func printProgress(ch <-chan events.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range ch {
		switch ev.Type {
		case events.EventRunStarted:
			if d, ok := ev.Data.(events.RunStarted); ok {
				fmt.Printf("Run %s: %d tasks, %d workers\n", ev.RunID, d.Total, d.Workers)
			}
		case events.EventTaskAssigned:
			if d, ok := ev.Data.(events.TaskUpdate); ok {
				fmt.Printf("  worker %d picked task %d (attempt %d)\n", d.WorkerNum, d.TaskID, d.Attempt)
			}
		case events.EventTaskCompleted:
			if d, ok := ev.Data.(events.TaskUpdate); ok {
				fmt.Printf("  worker %d completed task %d (%s)\n", d.WorkerNum, d.TaskID, shortSHA(d.CommitSHA))
			}
		case events.EventTaskSkipped:
			if d, ok := ev.Data.(events.TaskUpdate); ok {
				fmt.Printf("  task %d already done (%s)\n", d.TaskID, shortSHA(d.CommitSHA))
			}
		case events.EventTaskFailed:
			if d, ok := ev.Data.(events.TaskUpdate); ok {
				if d.WorkerNum > 0 {
					fmt.Printf("  worker %d failed task %d: %s\n", d.WorkerNum, d.TaskID, truncate(d.Error, 80))
				} else {
					fmt.Printf("  task %d failed: %s\n", d.TaskID, truncate(d.Error, 80))
				}
			}
		case events.EventTaskRequeued:
			if d, ok := ev.Data.(events.TaskUpdate); ok {
				fmt.Printf("  task %d requeued\n", d.TaskID)
			}
		case events.EventWorkerStale:
			if d, ok := ev.Data.(events.WorkerUpdate); ok {
				fmt.Printf("  worker %d went stale, its task returns to the queue\n", d.WorkerNum)
			}
		case events.EventMergeConflict:
			if d, ok := ev.Data.(events.ConflictData); ok {
				fmt.Printf("  conflict kept in %s (workers %v)\n", d.File, d.Workers)
			}
		}
	}
}

// printSummary renders the operator-facing outcome of a run.
func printSummary(sum *orchestrator.Summary) error {
	if jsonOut {
		return printJSON(sum)
	}

	if plain {
		fmt.Printf("\nRun %s %s in %s\n", sum.RunID, sum.Status, sum.Elapsed.Round(time.Second))
	} else {
		fmt.Printf("\n%s Run %s %s in %s\n", runStatusIcon(sum.Status), sum.RunID, sum.Status, sum.Elapsed.Round(time.Second))
	}
	fmt.Printf("  %d completed, %d failed, %d skipped, %s tokens\n",
		sum.Stats.Completed, sum.Stats.Failed, sum.Stats.Skipped, formatTokens(sum.Tokens))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if len(sum.Failed) > 0 {
		fmt.Println("\nFAILED")
		for _, t := range sum.Failed {
			_, _ = fmt.Fprintf(w, "  %d\t%s\t%s\n", t.ID, truncate(t.Text, 45), truncate(t.Error, 60))
		}
		_ = w.Flush()
	}

	if len(sum.Conflicts) > 0 {
		fmt.Println("\nCONFLICTS (markers left on the integration branch)")
		for _, c := range sum.Conflicts {
			_, _ = fmt.Fprintf(w, "  %s\tworkers %v\n", c.Path, c.Workers)
		}
		_ = w.Flush()
	}

	var unlocked int
	for _, t := range sum.Completed {
		unlocked += len(t.Unpredicted)
	}
	if unlocked > 0 {
		fmt.Printf("\n%d files changed outside their task's predicted globs (unlocked writes)\n", unlocked)
	}

	if sum.ProjectDir != "" {
		fmt.Printf("\nPublished to %s\n", sum.ProjectDir)
	}
	if sum.Status == db.RunStopped || sum.Status == db.RunFailed {
		fmt.Printf("\nResume with: swarm resume %s\n", sum.RunID)
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func shortSHA(sha string) string {
	if len(sha) <= 7 {
		return sha
	}
	return sha[:7]
}

func formatTokens(n int64) string {
	if n < 10000 {
		return strconv.FormatInt(n, 10)
	}
	return fmt.Sprintf("%.1fk", float64(n)/1000)
}

// termWidth returns the terminal width, with a usable default when stdout is
// not a terminal.
func termWidth() int {
	if plain {
		return 120
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w < 40 {
		return 120
	}
	return w
}
