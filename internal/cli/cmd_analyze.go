// Package cli implements the swarm command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/swarm/internal/analyzer"
	"github.com/randalmurphal/swarm/internal/db"
	swarmerr "github.com/randalmurphal/swarm/internal/errors"
	"github.com/randalmurphal/swarm/internal/orchestrator"
)

// newAnalyzeCmd creates the analyze command
func newAnalyzeCmd() *cobra.Command {
	var (
		planPath string
		prompt   string
		repoPath string
	)

	cmd := &cobra.Command{
		Use:   "analyze [prompt]",
		Short: "Show the tasks a run would execute, without executing",
		Long: `Decompose a plan or prompt into tasks and predict the files each
would touch, without starting a run.

Predictions are cached in the store keyed by task content and source tree,
so a following 'swarm run' against an unchanged tree repeats no agent calls.

Examples:
  swarm analyze --plan PLAN.md
  swarm analyze "Split the user service into read and write paths"`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" && len(args) > 0 {
				prompt = strings.Join(args, " ")
			}
			if (planPath == "") == (prompt == "") {
				return swarmerr.ErrConfigInvalid("source", "exactly one of --plan and a prompt is required")
			}

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

			logger := buildLogger(cfg)
			an := analyzer.New(orchestrator.BuildAgent(cfg, logger),
				analyzer.WithStore(store), analyzer.WithLogger(logger))

			tasks, err := analyzeSource(ctx, an, planPath, prompt, repoPath)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(taskViews(tasks))
			}
			renderTasks(os.Stdout, tasks)
			return nil
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "markdown plan whose unchecked items become tasks")
	cmd.Flags().StringVar(&prompt, "prompt", "", "free-text request to decompose into tasks")
	cmd.Flags().StringVarP(&repoPath, "repo", "r", ".", "repository the tasks would run against")

	return cmd
}

// analyzeSource produces the task list a run over this source would start
// from. Prediction failures leave sets empty rather than failing the command;
// an empty set only means the task holds no locks.
func analyzeSource(ctx context.Context, an *analyzer.Analyzer, planPath, prompt, repoPath string) ([]*db.Task, error) {
	var tasks []*db.Task
	var err error
	if planPath != "" {
		tasks, err = an.FromPlan(planPath)
	} else {
		tasks, err = an.FromPrompt(ctx, prompt, repoPath)
	}
	if err != nil {
		return nil, err
	}
	if err := an.Predict(ctx, repoPath, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

type taskView struct {
	Text           string   `json:"text"`
	Priority       int      `json:"priority"`
	PlanLine       int      `json:"plan_line,omitempty"`
	PredictedFiles []string `json:"predicted_files,omitempty"`
}

func taskViews(tasks []*db.Task) []taskView {
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView{
			Text:           t.Text,
			Priority:       t.Priority,
			PlanLine:       t.PlanLine,
			PredictedFiles: t.PredictedFiles,
		})
	}
	return views
}

func renderTasks(out io.Writer, tasks []*db.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(out, "Nothing to do: no pending items in the source.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tPRI\tFILES\tTASK")
	fmt.Fprintln(w, "─\t───\t─────\t────")
	for i, t := range tasks {
		files := "-"
		if len(t.PredictedFiles) > 0 {
			files = truncate(strings.Join(t.PredictedFiles, " "), 40)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", i+1, t.Priority, files, truncate(t.Text, 60))
	}
	_ = w.Flush()
	fmt.Fprintf(out, "\n%d tasks\n", len(tasks))
}
