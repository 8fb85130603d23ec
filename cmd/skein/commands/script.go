package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/skein/pkg/transport"
)

func newScriptCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Run local scripts on targets",
	}
	cmd.AddCommand(newScriptRunCommand(opts))
	return cmd
}

func newScriptRunCommand(opts *globalOptions) *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:   "run <script> [arguments...]",
		Short: "Copy a script to targets and run it",
		Example: `  skein script run ./scripts/rotate-logs.sh --targets web
  skein script run ./check.sh -t db1 -- --deep`,
		Args: cobra.MinimumNArgs(1),
	}
	targets.register(cmd)
	action := newActionFlags(cmd, transport.ActionScript)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		script, scriptArgs := args[0], args[1:]
		return withRuntime(cmd, opts, func(ctx context.Context, r *runtime) error {
			actionOpts, err := action.options()
			if err != nil {
				return err
			}
			ts, err := targets.resolve(r)
			if err != nil {
				return err
			}

			announce(ctx, transport.ActionScript, script, len(ts))
			start := time.Now()
			rs, err := r.executor.RunScript(ctx, ts, script, scriptArgs, actionOpts)
			if err != nil {
				return err
			}
			return r.finishAction(rs, time.Since(start), action.catchErrors)
		})
	}
	return cmd
}
