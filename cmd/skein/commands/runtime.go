package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/skein/pkg/config"
	"github.com/openfroyo/skein/pkg/engine"
	"github.com/openfroyo/skein/pkg/fiber"
	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/notifier"
	"github.com/openfroyo/skein/pkg/plan"
	"github.com/openfroyo/skein/pkg/policy"
	"github.com/openfroyo/skein/pkg/result"
	"github.com/openfroyo/skein/pkg/stores"
	"github.com/openfroyo/skein/pkg/telemetry"
	"github.com/openfroyo/skein/pkg/transport"
	"github.com/openfroyo/skein/pkg/transports/local"
	"github.com/openfroyo/skein/pkg/transports/ssh"
)

// shutdownTimeout bounds flushing events, spans and the journal on exit.
const shutdownTimeout = 10 * time.Second

// runtime holds the services one command invocation works with.
type runtime struct {
	opts      *globalOptions
	out       io.Writer
	parser    *config.Parser
	project   *config.Project
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger

	inventoryPath string
	inventory     *inventory.Inventory
	notifier      *notifier.Notifier
	store         *stores.SQLiteStore
	policies      *policy.Engine
	policyWatch   *policy.Loader
	executor      *engine.Executor
	fibers        *fiber.Executor
}

// withRuntime builds the runtime for cmd, calls fn and tears the runtime
// down again, flushing the journal and telemetry.
func withRuntime(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, r *runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	r, err := newRuntime(ctx, opts, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if closeErr := r.Close(shutdownCtx); closeErr != nil {
			r.telemetry.Logger.Error(closeErr, "Shutdown incomplete")
		}
	}()

	return fn(r.telemetry.WithContext(ctx), r)
}

func newRuntime(ctx context.Context, opts *globalOptions, out io.Writer) (*runtime, error) {
	parser := config.NewParser()
	project, err := opts.loadProject(parser)
	if err != nil {
		return nil, err
	}

	if opts.concurrency > 0 {
		project.Concurrency = opts.concurrency
	}
	if opts.metricsAddr != "" {
		project.Metrics.ListenAddress = opts.metricsAddr
	}
	if opts.logLevel != "" {
		project.Log.Level = strings.ToLower(opts.logLevel)
	}
	if err := project.Validate(parser); err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(project.TelemetryConfig(opts.version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.StartMetricsServer()

	r := &runtime{
		opts:          opts,
		out:           out,
		parser:        parser,
		project:       project,
		telemetry:     tel,
		logger:        tel.Logger.Zerolog(),
		inventoryPath: project.Path(project.InventoryFile),
	}
	if opts.inventory != "" {
		r.inventoryPath = opts.inventory
	}

	if err := r.init(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return nil, errors.Join(err, r.Close(shutdownCtx))
	}
	return r, nil
}

func (r *runtime) init(ctx context.Context) error {
	var err error
	r.inventory, err = inventory.LoadOrEmpty(r.parser, r.inventoryPath, inventory.WithLogger(r.logger))
	if err != nil {
		return err
	}

	r.notifier = notifier.New(r.logger)

	if r.project.JournalFile != "" {
		if err := r.openJournal(ctx); err != nil {
			return err
		}
	}

	r.policies, err = policy.NewEngine(r.logger, r.telemetry.Config.Environment)
	if err != nil {
		return err
	}
	if len(r.project.PolicyPaths) > 0 {
		if err := r.policies.LoadPolicies(ctx, r.policyPaths()); err != nil {
			return err
		}
	}
	for _, name := range r.project.DisabledPolicies {
		if err := r.policies.DisablePolicy(name); err != nil {
			return fmt.Errorf("disabled-policies: %w", err)
		}
	}
	if r.project.WatchPolicies && len(r.project.PolicyPaths) > 0 {
		r.policyWatch, err = r.policies.Watch(ctx, r.policyPaths())
		if err != nil {
			return err
		}
	}

	registry := transport.NewRegistry(
		local.New(local.WithLogger(r.logger)),
		ssh.New(ssh.WithLogger(r.logger)),
	)
	r.executor = engine.New(registry,
		engine.WithLogger(r.logger),
		engine.WithNotifier(r.notifier),
		engine.WithConcurrency(r.project.Concurrency),
		engine.WithGuard(r.policies),
		engine.WithMetrics(r.telemetry.Metrics),
		engine.WithTracer(r.telemetry.Tracer),
		engine.WithAnalytics(r.telemetry.Metrics),
	)
	r.fibers = fiber.New(
		fiber.WithLogger(r.logger),
		fiber.WithGauge(r.telemetry.Metrics),
	)
	return nil
}

func (r *runtime) openJournal(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{Path: r.project.Path(r.project.JournalFile)})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open run journal: %w", err)
	}
	r.store = store
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate run journal: %w", err)
	}
	stores.NewJournal(store, r.logger).Attach(r.notifier)
	return nil
}

func (r *runtime) policyPaths() []string {
	paths := make([]string, len(r.project.PolicyPaths))
	for i, p := range r.project.PolicyPaths {
		paths[i] = r.project.Path(p)
	}
	return paths
}

// announce logs the action a command is about to run through the
// invocation's context logger.
func announce(ctx context.Context, action transport.Action, object string, targets int) {
	logger := telemetry.FromContext(ctx).NewComponentLogger("cli").WithAction(string(action), object)
	zl := logger.Zerolog()
	zl.Debug().Int("targets", targets).Msg("Running action")
}

// planHost creates a plan host over the runtime's executors. print() output
// goes to the command output unless JSON output was requested.
func (r *runtime) planHost() *plan.Host {
	opts := []plan.Option{
		plan.WithLogger(r.logger),
		plan.WithNotifier(r.notifier),
		plan.WithTracer(r.telemetry.Tracer),
		plan.WithTasksDir(r.project.Path(r.project.TasksDir)),
		plan.WithPlansDir(r.project.Path(r.project.PlansDir)),
	}
	if !r.opts.jsonOutput {
		opts = append(opts, plan.WithOutput(r.out))
	}
	return plan.New(r.executor, r.fibers, r.inventory, opts...)
}

// Close flushes pending events into the journal before closing it, then
// stops telemetry.
func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	if r.policyWatch != nil {
		errs = append(errs, r.policyWatch.StopWatching())
	}
	if r.notifier != nil {
		errs = append(errs, r.notifier.Shutdown(ctx))
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	errs = append(errs, r.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}

// saveRerun records the outcome of rs for --rerun when the project asks for
// it. Failing to write the file is logged, not fatal.
func (r *runtime) saveRerun(rs *result.ResultSet) {
	if !r.project.SaveRerun || r.project.RerunFile == "" {
		return
	}
	path := r.project.Path(r.project.RerunFile)
	if err := result.WriteRerun(path, rs); err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("Failed to write rerun file")
	}
}

func (o *globalOptions) loadProject(parser *config.Parser) (*config.Project, error) {
	if o.configPath != "" {
		return config.LoadProjectFile(parser, o.configPath)
	}
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return config.LoadProject(parser, dir)
}
