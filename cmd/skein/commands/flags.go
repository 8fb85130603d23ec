package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/result"
	"github.com/openfroyo/skein/pkg/transport"
)

// targetFlags selects the targets of an action.
type targetFlags struct {
	targets []string
	rerun   string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.targets, "targets", "t", nil, "targets, groups, aliases or glob patterns")
	cmd.Flags().StringVar(&f.rerun, "rerun", "", "retry the targets of the last run: success, failure or all")
	cmd.MarkFlagsMutuallyExclusive("targets", "rerun")
	cmd.MarkFlagsOneRequired("targets", "rerun")
}

// resolve turns the flags into Targets. --rerun reads the names from the
// project's rerun file.
func (f *targetFlags) resolve(r *runtime) ([]*inventory.Target, error) {
	if f.rerun == "" {
		return r.inventory.GetTargets(f.targets)
	}

	names, err := result.ReadRerun(r.project.Path(r.project.RerunFile), result.RerunFilter(f.rerun))
	if err != nil {
		return nil, err
	}
	return r.inventory.GetTargets(names)
}

// actionFlags are the per-action options. Only the flags an action accepts
// are registered on its command.
type actionFlags struct {
	action        transport.Action
	runAs         string
	description   string
	env           map[string]string
	noop          bool
	waitTime      time.Duration
	retryInterval time.Duration
	catchErrors   bool
}

func newActionFlags(cmd *cobra.Command, action transport.Action) *actionFlags {
	f := &actionFlags{action: action}
	flags := cmd.Flags()
	for _, key := range transport.AllowedOptions(action) {
		switch key {
		case "run_as":
			flags.StringVar(&f.runAs, "run-as", "", "run as another user through sudo")
		case "description":
			flags.StringVar(&f.description, "description", "", "description shown in logs and events")
		case "env_vars":
			flags.StringToStringVar(&f.env, "env-var", nil, "environment variables (KEY=value)")
		case "noop":
			flags.BoolVar(&f.noop, "noop", false, "ask the task to report changes without making them")
		case "wait_time":
			flags.DurationVar(&f.waitTime, "wait-time", transport.DefaultWaitTime, "how long to wait for targets")
		case "retry_interval":
			flags.DurationVar(&f.retryInterval, "retry-interval", transport.DefaultRetryInterval, "delay between connection attempts")
		case "catch_errors":
			flags.BoolVar(&f.catchErrors, "catch-errors", false, "exit successfully even when targets fail")
		}
	}
	return f
}

// options builds validated transport options. Failures are always collected
// into the ResultSet so every target's outcome is printed; --catch-errors
// only decides the exit status.
func (f *actionFlags) options() (transport.Options, error) {
	raw := map[string]any{"catch_errors": true}
	if f.runAs != "" {
		raw["run_as"] = f.runAs
	}
	if f.description != "" {
		raw["description"] = f.description
	}
	if len(f.env) > 0 {
		raw["env_vars"] = f.env
	}
	if f.noop {
		raw["noop"] = true
	}
	if f.action == transport.ActionWait {
		raw["wait_time"] = f.waitTime
		raw["retry_interval"] = f.retryInterval
	}
	return transport.ParseOptions(f.action, raw)
}

// parseParams parses key=value arguments. Values are read as YAML scalars
// or collections, so 3 is a number, true a boolean and [a, b] a list.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, result.Validationf("invalid parameter %q: expected key=value", arg)
		}

		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, result.Validationf("invalid value for parameter %s: %v", key, err)
		}
		if value == nil && raw != "null" && raw != "~" {
			value = raw
		}
		params[key] = value
	}
	return params, nil
}

// requireArgs is cobra.ExactArgs with a message naming the arguments.
func requireArgs(names ...string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != len(names) {
			return fmt.Errorf("%s requires %s", cmd.CommandPath(), strings.Join(names, " and "))
		}
		return nil
	}
}
