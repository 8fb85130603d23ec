package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/skein/pkg/transport"
)

func newTaskCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Run tasks on targets",
	}
	cmd.AddCommand(newTaskRunCommand(opts))
	return cmd
}

func newTaskRunCommand(opts *globalOptions) *cobra.Command {
	var targets targetFlags

	cmd := &cobra.Command{
		Use:   "run <task> [key=value...]",
		Short: "Run a task on targets",
		Long: `Run a task from the project's tasks directory.

Parameters are passed as key=value pairs; values are parsed as YAML, so
count=3 is a number and packages=[vim,git] a list. Parameters are checked
against the task metadata before any target is contacted.`,
		Example: `  skein task run package action=install name=nginx --targets web
  skein task run service name=nginx action=restart -t web --noop`,
		Args: cobra.MinimumNArgs(1),
	}
	targets.register(cmd)
	action := newActionFlags(cmd, transport.ActionTask)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(args[1:])
		if err != nil {
			return err
		}

		return withRuntime(cmd, opts, func(ctx context.Context, r *runtime) error {
			task, err := transport.LoadTask(r.project.Path(r.project.TasksDir), args[0])
			if err != nil {
				return err
			}
			actionOpts, err := action.options()
			if err != nil {
				return err
			}
			ts, err := targets.resolve(r)
			if err != nil {
				return err
			}

			announce(ctx, transport.ActionTask, task.Name, len(ts))
			start := time.Now()
			rs, err := r.executor.RunTask(ctx, ts, task, params, actionOpts)
			if err != nil {
				return err
			}
			return r.finishAction(rs, time.Since(start), action.catchErrors)
		})
	}
	return cmd
}
