package commands

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/skein/pkg/plan"
)

func newPlanCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Run and list Starlark plans",
	}
	cmd.AddCommand(newPlanRunCommand(opts))
	cmd.AddCommand(newPlanShowCommand(opts))
	return cmd
}

func newPlanRunCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan> [key=value...]",
		Short: "Run a plan",
		Long: `Run a Starlark plan. Plans live in the project's plans directory;
"deploy::web" refers to plans/deploy/web.star. A path ending in .star is run
directly.

The plan's plan() function receives the key=value parameters as keyword
arguments, with values parsed as YAML.`,
		Example: `  skein plan run deploy version=1.4.2 targets=web
  skein plan run ./rollout.star batch=5 --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}

			return withRuntime(cmd, opts, func(ctx context.Context, r *runtime) error {
				start := time.Now()
				value, err := r.planHost().Run(ctx, args[0], params)
				elapsed := time.Since(start)
				if err != nil {
					if opts.jsonOutput {
						if printErr := printPlanFailure(r.out, err, elapsed); printErr != nil {
							return printErr
						}
					}
					return err
				}
				return printPlanResult(r.out, value, elapsed, opts.jsonOutput)
			})
		},
	}
	return cmd
}

func newPlanShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "List the plans in the plans directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(_ context.Context, r *runtime) error {
				names, err := listPlans(r.project.Path(r.project.PlansDir))
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(r.out, map[string]any{"plans": names})
				}
				for _, name := range names {
					fmt.Fprintln(r.out, name)
				}
				return nil
			})
		},
	}
}

// listPlans returns the names of every plan under dir, with nested
// directories joined by "::".
func listPlans(dir string) ([]string, error) {
	names := []string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != plan.Extension {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = strings.TrimSuffix(rel, plan.Extension)
		names = append(names, strings.ReplaceAll(rel, string(filepath.Separator), "::"))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to list plans in %s: %w", dir, err)
	}
	sort.Strings(names)
	return names, nil
}
