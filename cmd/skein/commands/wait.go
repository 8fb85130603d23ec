package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/skein/pkg/transport"
)

func newWaitCommand(opts *globalOptions) *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until targets accept connections",
		Long: `Check every target until it accepts a connection or --wait-time runs out.
Targets that stay unreachable fail with a wait-timeout error.`,
		Example: `  skein wait --targets web --wait-time 5m --retry-interval 5s`,
		Args:    cobra.NoArgs,
	}
	targets.register(cmd)
	action := newActionFlags(cmd, transport.ActionWait)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, opts, func(ctx context.Context, r *runtime) error {
			actionOpts, err := action.options()
			if err != nil {
				return err
			}
			ts, err := targets.resolve(r)
			if err != nil {
				return err
			}

			announce(ctx, transport.ActionWait, "", len(ts))
			start := time.Now()
			rs, err := r.executor.WaitUntilAvailable(ctx, ts, actionOpts)
			if err != nil {
				return err
			}
			return r.finishAction(rs, time.Since(start), action.catchErrors)
		})
	}
	return cmd
}
