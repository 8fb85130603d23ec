package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/skein/pkg/transport"
)

func newCommandCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command",
		Short: "Run shell commands on targets",
	}
	cmd.AddCommand(newCommandRunCommand(opts))
	return cmd
}

func newCommandRunCommand(opts *globalOptions) *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Run a command on targets",
		Long: `Run a shell command on every target and print one result per target.

Each result carries stdout, stderr, the merged output and the exit code. A
non-zero exit code fails the target.`,
		Example: `  # Check uptime on a group
  skein command run uptime --targets web

  # Restart a service as root
  skein command run "systemctl restart nginx" -t web1,web2 --run-as root

  # Retry only the targets that failed last time
  skein command run "systemctl restart nginx" --rerun failure`,
		Args: requireArgs("a command"),
	}
	targets.register(cmd)
	action := newActionFlags(cmd, transport.ActionCommand)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		command := args[0]
		return withRuntime(cmd, opts, func(ctx context.Context, r *runtime) error {
			actionOpts, err := action.options()
			if err != nil {
				return err
			}
			ts, err := targets.resolve(r)
			if err != nil {
				return err
			}

			announce(ctx, transport.ActionCommand, command, len(ts))
			start := time.Now()
			rs, err := r.executor.RunCommand(ctx, ts, command, actionOpts)
			if err != nil {
				return err
			}
			return r.finishAction(rs, time.Since(start), action.catchErrors)
		})
	}
	return cmd
}
