// Package cli implements the swarm command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/swarm/internal/db"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	var (
		watch bool
		limit int
	)

	cmd := &cobra.Command{
		Use:     "status [run-id]",
		Aliases: []string{"st"},
		Short:   "Show runs and workers",
		Long: `Show swarm status at a glance.

Without a run id, lists recent runs. With one, shows that run's tasks and
worker fleet, including heartbeats and token usage.

Examples:
  swarm status                 # Recent runs
  swarm status <run-id>        # One run in detail
  swarm status --watch         # Refresh every 5s`,
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

			var runID string
			if len(args) > 0 {
				runID = args[0]
			}

			if watch {
				return watchStatus(cmd.Context(), store, runID, limit)
			}
			return showStatus(cmd.Context(), store, runID, limit)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "refresh status every 5 seconds")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "how many runs the overview lists")

	return cmd
}

func showStatus(ctx context.Context, store *db.Store, runID string, limit int) error {
	if runID == "" {
		return showOverview(ctx, store, limit)
	}
	return showRun(ctx, store, runID)
}

func watchStatus(ctx context.Context, store *db.Store, runID string, limit int) error {
	fmt.Println("Watching status (Ctrl+C to stop)...")
	for {
		// Clear screen
		if !plain {
			fmt.Print("\033[H\033[2J")
		}
		fmt.Printf("swarm status (updated %s)\n\n", time.Now().Format("15:04:05"))
		if err := showStatus(ctx, store, runID, limit); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
		time.Sleep(5 * time.Second)
	}
}

func showOverview(ctx context.Context, store *db.Store, limit int) error {
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(runViews(runs))
	}
	renderOverview(os.Stdout, runs)
	return nil
}

func showRun(ctx context.Context, store *db.Store, runID string) error {
	run, err := resolveRun(ctx, store, runID)
	if err != nil {
		return err
	}
	stats, err := store.TaskStats(ctx, run.ID)
	if err != nil {
		return err
	}
	workers, err := store.ListWorkers(ctx, run.ID)
	if err != nil {
		return err
	}
	tasks, err := store.ListTasks(ctx, run.ID, db.TaskFilter{})
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(struct {
			Run     runView      `json:"run"`
			Stats   db.TaskStats `json:"stats"`
			Workers []workerView `json:"workers"`
		}{runView1(run), *stats, workerViews(workers, tasks)})
	}
	renderRun(os.Stdout, run, stats, workers, tasks)
	return nil
}

func renderOverview(out io.Writer, runs []*db.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		fmt.Fprintln(out, "\nGet started:")
		fmt.Fprintln(out, "  swarm run --plan PLAN.md")
		fmt.Fprintln(out, "  swarm run \"Your request\"")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMODE\tTASKS\tTOKENS\tSTARTED")
	fmt.Fprintln(w, "──\t──────\t────\t─────\t──────\t───────")
	running := 0
	for _, r := range runs {
		if r.Status == db.RunRunning {
			running++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID, runStatusIcon(r.Status), r.Mode,
			r.CompletedTasks+r.SkippedTasks, r.TotalTasks,
			formatTokens(r.TotalTokens), formatTimeAgo(r.StartedAt))
	}
	_ = w.Flush()
	fmt.Fprintf(out, "\n─── %d runs (%d running) ───\n", len(runs), running)
}

func renderRun(out io.Writer, run *db.Run, stats *db.TaskStats, workers []*db.Worker, tasks []*db.Task) {
	elapsed := time.Since(run.StartedAt)
	if !run.CompletedAt.IsZero() {
		elapsed = run.CompletedAt.Sub(run.StartedAt)
	}

	source := run.SourcePath
	if run.Mode == db.RunModePrompt {
		source = truncate(run.Prompt, 60)
	}

	if plain {
		fmt.Fprintf(out, "Run %s %s\n", run.ID, run.Status)
	} else {
		fmt.Fprintf(out, "%s Run %s %s\n", runStatusIcon(run.Status), run.ID, run.Status)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  mode\t%s\n", run.Mode)
	fmt.Fprintf(w, "  source\t%s\n", source)
	fmt.Fprintf(w, "  repo\t%s (branch %s)\n", run.RepoPath, run.BaseBranch)
	fmt.Fprintf(w, "  started\t%s (elapsed %s)\n", formatTimeAgo(run.StartedAt), elapsed.Round(time.Second))
	fmt.Fprintf(w, "  tasks\t%d done, %d running, %d pending, %d failed, %d skipped\n",
		stats.Completed, stats.InProgress, stats.Pending, stats.Failed, stats.Skipped)
	fmt.Fprintf(w, "  tokens\t%s\n", formatTokens(stats.Tokens))
	_ = w.Flush()

	taskText := make(map[int64]string, len(tasks))
	for _, t := range tasks {
		taskText[t.ID] = t.Text
	}
	// Leave room for the fixed columns so long task texts do not wrap.
	textCap := termWidth() - 50
	if textCap < 20 {
		textCap = 20
	}

	if len(workers) > 0 {
		fmt.Fprintln(out, "\nWORKERS")
		fmt.Fprintln(w, "  NUM\tSTATUS\tTASK\tHEARTBEAT\tDONE\tTOKENS")
		for _, wk := range workers {
			current := "-"
			if wk.CurrentTask != 0 {
				current = truncate(taskText[wk.CurrentTask], textCap)
			}
			hb := "-"
			if wk.Status.Active() {
				hb = formatTimeAgo(wk.LastHeartbeat)
			}
			fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%d\t%s\n",
				wk.Num, wk.Status, current, hb, wk.TasksDone, formatTokens(wk.TokensUsed))
		}
		_ = w.Flush()
	}

	var failed []*db.Task
	for _, t := range tasks {
		if t.Status == db.TaskFailed {
			failed = append(failed, t)
		}
	}
	if len(failed) > 0 {
		fmt.Fprintln(out, "\nFAILED")
		for _, t := range failed {
			fmt.Fprintf(w, "  %d\t%s\t%s\n", t.ID, truncate(t.Text, 45), truncate(t.LastError, 60))
		}
		_ = w.Flush()
	}

	if run.Status == db.RunStopped || run.Status == db.RunFailed {
		fmt.Fprintf(out, "\nResume with: swarm resume %s\n", run.ID)
	}
}

type runView struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Mode      string `json:"mode"`
	Source    string `json:"source,omitempty"`
	RepoPath  string `json:"repo_path"`
	Total     int    `json:"total_tasks"`
	Completed int    `json:"completed_tasks"`
	Failed    int    `json:"failed_tasks"`
	Skipped   int    `json:"skipped_tasks"`
	Tokens    int64  `json:"tokens"`
	StartedAt string `json:"started_at"`
}

func runView1(r *db.Run) runView {
	source := r.SourcePath
	if r.Mode == db.RunModePrompt {
		source = r.Prompt
	}
	return runView{
		ID:        r.ID,
		Status:    string(r.Status),
		Mode:      string(r.Mode),
		Source:    source,
		RepoPath:  r.RepoPath,
		Total:     r.TotalTasks,
		Completed: r.CompletedTasks,
		Failed:    r.FailedTasks,
		Skipped:   r.SkippedTasks,
		Tokens:    r.TotalTokens,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
}

func runViews(runs []*db.Run) []runView {
	views := make([]runView, 0, len(runs))
	for _, r := range runs {
		views = append(views, runView1(r))
	}
	return views
}

type workerView struct {
	Num         int    `json:"num"`
	Status      string `json:"status"`
	CurrentTask string `json:"current_task,omitempty"`
	TasksDone   int    `json:"tasks_done"`
	Tokens      int64  `json:"tokens"`
	Heartbeat   string `json:"last_heartbeat"`
}

func workerViews(workers []*db.Worker, tasks []*db.Task) []workerView {
	taskText := make(map[int64]string, len(tasks))
	for _, t := range tasks {
		taskText[t.ID] = t.Text
	}
	views := make([]workerView, 0, len(workers))
	for _, w := range workers {
		views = append(views, workerView{
			Num:         w.Num,
			Status:      string(w.Status),
			CurrentTask: taskText[w.CurrentTask],
			TasksDone:   w.TasksDone,
			Tokens:      w.TokensUsed,
			Heartbeat:   w.LastHeartbeat.Format(time.RFC3339),
		})
	}
	return views
}

// formatTimeAgo returns a human-readable relative time
func formatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "1 min ago"
		}
		return fmt.Sprintf("%d mins ago", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "yesterday"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}
