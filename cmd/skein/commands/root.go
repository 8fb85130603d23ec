package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ErrTargetsFailed is returned when an action failed on at least one target
// and --catch-errors was not given. The results have already been printed.
var ErrTargetsFailed = errors.New("action failed on one or more targets")

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	version     string
	configPath  string
	inventory   string
	logLevel    string
	jsonOutput  bool
	metricsAddr string
	concurrency int
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "skein",
		Short: "Skein - run commands, scripts, tasks and plans across many targets",
		Long: `Skein dispatches actions to many targets at once over SSH or the local
machine and collects one result per target.

Features:
  - Inventory of targets and groups in YAML or CUE
  - Commands, scripts, tasks and file transfers with bounded concurrency
  - Starlark plans with background blocks and parallel steps
  - Rego action policies
  - SQLite run journal, rerun files, Prometheus metrics and tracing`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logLevel == "" {
				return nil
			}
			if _, err := zerolog.ParseLevel(strings.ToLower(opts.logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q", opts.logLevel)
			}
			SetLogLevel(opts.logLevel)
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "project file path (default: skein.yaml in the current directory)")
	flags.StringVarP(&opts.inventory, "inventory", "i", "", "inventory file path (overrides the project setting)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn or error (default from LOG_LEVEL)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "maximum number of targets acted on at once")

	rootCmd.AddCommand(newCommandCommand(opts))
	rootCmd.AddCommand(newScriptCommand(opts))
	rootCmd.AddCommand(newTaskCommand(opts))
	rootCmd.AddCommand(newFileCommand(opts))
	rootCmd.AddCommand(newWaitCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newInventoryCommand(opts))
	rootCmd.AddCommand(newPolicyCommand(opts))
	rootCmd.AddCommand(newJournalCommand(opts))

	return rootCmd
}

// SetLogLevel sets the global zerolog level. Unknown or empty levels mean info.
func SetLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
