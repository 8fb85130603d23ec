package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/skein/pkg/inventory"
)

func newInventoryCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Inspect the inventory",
	}
	cmd.AddCommand(newInventoryShowCommand(opts))
	cmd.AddCommand(newInventoryWatchCommand(opts))
	return cmd
}

func newInventoryShowCommand(opts *globalOptions) *cobra.Command {
	var (
		targets []string
		detail  bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "List targets from the inventory",
		Example: `  skein inventory show
  skein inventory show --targets web --detail`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(_ context.Context, r *runtime) error {
				var specs any = inventory.RootGroup
				if len(targets) > 0 {
					specs = targets
				}
				ts, err := r.inventory.GetTargets(specs)
				if err != nil {
					return err
				}
				return printTargets(r.out, ts, detail, opts.jsonOutput)
			})
		},
	}

	cmd.Flags().StringSliceVarP(&targets, "targets", "t", nil, "targets, groups, aliases or glob patterns (default: all)")
	cmd.Flags().BoolVar(&detail, "detail", false, "show vars, facts, features and config of each target")
	return cmd
}

func newInventoryWatchCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Reload the inventory whenever it changes and report the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, r *runtime) error {
				w, err := inventory.NewWatcher(r.parser, r.inventoryPath, r.logger, inventory.WithLogger(r.logger))
				if err != nil {
					return err
				}

				report := func(inv *inventory.Inventory, err error) {
					if err != nil {
						fmt.Fprintf(r.out, "Inventory reload failed: %v\n", err)
						return
					}
					ts, err := inv.Targets()
					if err != nil {
						fmt.Fprintf(r.out, "Inventory reload failed: %v\n", err)
						return
					}
					fmt.Fprintf(r.out, "Inventory %s (generation %d): %s in %d groups\n",
						r.inventoryPath, inv.Generation(), plural(len(ts), "target"), len(inv.GroupNames()))
				}

				report(w.Current(), nil)
				if err := w.Watch(ctx, report); err != nil {
					return err
				}
				<-ctx.Done()
				return nil
			})
		},
	}
}

func printTargets(w io.Writer, targets []*inventory.Target, detail, asJSON bool) error {
	if detail {
		details := make([]map[string]any, len(targets))
		for i, t := range targets {
			details[i] = t.Detail()
		}
		if asJSON {
			return writeJSON(w, map[string]any{"targets": details, "count": len(targets)})
		}
		for _, d := range details {
			if err := writeJSON(w, d); err != nil {
				return err
			}
		}
		fmt.Fprintln(w, plural(len(targets), "target"))
		return nil
	}

	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Name()
	}
	if asJSON {
		return writeJSON(w, map[string]any{"targets": names, "count": len(names)})
	}
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
	fmt.Fprintln(w, plural(len(names), "target"))
	return nil
}
