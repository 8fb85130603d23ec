package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/skein/pkg/stores"
)

// errNoJournal is returned by journal commands in a project without a
// journal-file.
var errNoJournal = errors.New("the project has no journal-file configured")

func newJournalCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query and prune the run journal",
	}
	cmd.AddCommand(newJournalRunsCommand(opts))
	cmd.AddCommand(newJournalShowCommand(opts))
	cmd.AddCommand(newJournalHistoryCommand(opts))
	cmd.AddCommand(newJournalPruneCommand(opts))
	return cmd
}

// journal returns the runtime's store once it answers.
func (r *runtime) journal(ctx context.Context) (*stores.SQLiteStore, error) {
	if r.store == nil {
		return nil, errNoJournal
	}
	if err := r.store.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("run journal unavailable: %w", err)
	}
	return r.store, nil
}

func newJournalRunsCommand(opts *globalOptions) *cobra.Command {
	var (
		planID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List journaled runs, newest first",
		Example: `  skein journal runs --limit 5
  skein journal runs --plan 3f0c9a52-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, r *runtime) error {
				store, err := r.journal(ctx)
				if err != nil {
					return err
				}

				var plan *stores.PlanRun
				var filter *string
				if planID != "" {
					if plan, err = store.GetPlanRun(ctx, planID); err != nil {
						return err
					}
					filter = &planID
				}
				runs, err := store.ListRuns(ctx, filter, limit, 0)
				if err != nil {
					return err
				}

				if opts.jsonOutput {
					out := map[string]any{"runs": runs, "count": len(runs)}
					if plan != nil {
						out["plan"] = plan
					}
					return writeJSON(r.out, out)
				}
				if plan != nil {
					printPlanRun(r.out, plan)
				}
				for _, run := range runs {
					printRun(r.out, run)
				}
				fmt.Fprintln(r.out, plural(len(runs), "run"))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&planID, "plan", "", "only runs started by this plan run")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}

func newJournalShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its per-target results",
		Args:  requireArgs("a run id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, r *runtime) error {
				store, err := r.journal(ctx)
				if err != nil {
					return err
				}
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := store.ListResults(ctx, run.ID)
				if err != nil {
					return err
				}

				if opts.jsonOutput {
					return writeJSON(r.out, map[string]any{"run": run, "results": results})
				}
				printRun(r.out, run)
				for _, res := range results {
					printTargetResult(r.out, res)
				}
				return nil
			})
		},
	}
}

func newJournalHistoryCommand(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "history <target>",
		Short:   "Show the latest journaled results of one target, newest first",
		Example: `  skein journal history web1 --limit 5`,
		Args:    requireArgs("a target name"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, r *runtime) error {
				store, err := r.journal(ctx)
				if err != nil {
					return err
				}
				history, err := store.TargetHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}

				if opts.jsonOutput {
					return writeJSON(r.out, map[string]any{"target": args[0], "results": history, "count": len(history)})
				}
				for _, res := range history {
					printTargetResult(r.out, res)
				}
				fmt.Fprintln(r.out, plural(len(history), "result"))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of results to show")
	return cmd
}

func newJournalPruneCommand(opts *globalOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete runs older than a given age along with their results",
		Example: `  skein journal prune --older-than 720h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive, got %s", olderThan)
			}
			return withRuntime(cmd, opts, func(ctx context.Context, r *runtime) error {
				store, err := r.journal(ctx)
				if err != nil {
					return err
				}
				deleted, err := store.DeleteRunsBefore(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}

				if opts.jsonOutput {
					return writeJSON(r.out, map[string]any{"deleted": deleted})
				}
				fmt.Fprintf(r.out, "Deleted %s\n", plural(int(deleted), "run"))
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the newest run to delete")
	return cmd
}

func printPlanRun(w io.Writer, p *stores.PlanRun) {
	fmt.Fprintf(w, "Plan %s (%s): %s, started %s\n", p.Name, p.ID, p.Status, p.StartedAt.Local().Format(time.RFC3339))
	if p.Error != nil {
		writeIndented(w, *p.Error)
	}
}

func printRun(w io.Writer, run *stores.Run) {
	fmt.Fprintf(w, "%s  %s  %s %q: %s (%d ok, %d failed of %d)\n",
		run.StartedAt.Local().Format(time.RFC3339), run.ID, run.Action, run.Object,
		run.Status, run.Succeeded, run.Failed, run.TargetCount)
}

func printTargetResult(w io.Writer, res *stores.TargetResult) {
	line := fmt.Sprintf("%s  %s  %s: %s", res.CreatedAt.Local().Format(time.RFC3339), res.RunID, res.Target, res.Status)
	if res.Kind != nil {
		line += " (" + *res.Kind + ")"
	}
	fmt.Fprintln(w, line)
	if res.Message != nil {
		writeIndented(w, *res.Message)
	}
}
