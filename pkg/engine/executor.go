package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/skein/pkg/fiber"
	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/notifier"
	"github.com/openfroyo/skein/pkg/result"
	"github.com/openfroyo/skein/pkg/telemetry"
	"github.com/openfroyo/skein/pkg/transport"
)

// DefaultConcurrency is the number of batches run at once when no
// concurrency is configured.
const DefaultConcurrency = 100

// Executor dispatches actions to targets over their transports. Each action
// fans out onto a bounded pool of workers; a process-wide semaphore keeps
// actions started concurrently from several fibers within the same bound.
type Executor struct {
	registry    *transport.Registry
	notifier    *notifier.Notifier
	logger      zerolog.Logger
	concurrency int
	sem         *semaphore.Weighted
	analytics   Analytics
	guard       Guard
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer

	// reported holds the transports already reported to analytics.
	reportedMu sync.Mutex
	reported   map[string]bool

	rlimitOnce    sync.Once
	openFileLimit func() (uint64, error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithNotifier publishes progress events through n.
func WithNotifier(n *notifier.Notifier) Option {
	return func(e *Executor) {
		e.notifier = n
	}
}

// WithConcurrency bounds the number of batches running at once. Values
// below one select DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		e.concurrency = n
	}
}

// WithAnalytics sets the usage analytics sink.
func WithAnalytics(a Analytics) Option {
	return func(e *Executor) {
		e.analytics = a
	}
}

// WithGuard sets the policy guard consulted before every action.
func WithGuard(g Guard) Option {
	return func(e *Executor) {
		e.guard = g
	}
}

// WithMetrics records action and target metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithTracer records a span per action and per batch.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Executor) {
		e.tracer = t
	}
}

// New creates an Executor dispatching through registry.
func New(registry *transport.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry:  registry,
		logger:    zerolog.Nop(),
		analytics: nopAnalytics{},
		tracer:    telemetry.NoopTracer(),
		reported:  make(map[string]bool),

		openFileLimit: openFileLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.concurrency < 1 {
		e.concurrency = DefaultConcurrency
	}
	e.sem = semaphore.NewWeighted(int64(e.concurrency))
	e.logger = e.logger.With().Str("component", "executor").Logger()
	return e
}

// Concurrency returns the configured bound.
func (e *Executor) Concurrency() int {
	return e.concurrency
}

// TargetParams pairs a target with its own task parameters.
type TargetParams struct {
	Target *inventory.Target
	Params map[string]any
}

// RunCommand runs command on every target.
func (e *Executor) RunCommand(ctx context.Context, targets []*inventory.Target, command string, opts transport.Options) (*result.ResultSet, error) {
	if strings.TrimSpace(command) == "" {
		return nil, result.Validationf("command must not be empty")
	}
	return e.run(ctx, targets, transport.Request{
		Action:  transport.ActionCommand,
		Command: command,
		Options: opts,
	})
}

// RunScript uploads the local script to every target and runs it with args.
func (e *Executor) RunScript(ctx context.Context, targets []*inventory.Target, script string, args []string, opts transport.Options) (*result.ResultSet, error) {
	if script == "" {
		return nil, result.Validationf("script must not be empty")
	}
	if err := requireFile(script, "script"); err != nil {
		return nil, err
	}
	return e.run(ctx, targets, transport.Request{
		Action:    transport.ActionScript,
		Script:    script,
		Arguments: args,
		Options:   opts,
	})
}

// RunTask runs task with the same params on every target.
func (e *Executor) RunTask(ctx context.Context, targets []*inventory.Target, task *transport.Task, params map[string]any, opts transport.Options) (*result.ResultSet, error) {
	if task == nil || task.Name == "" {
		return nil, result.Validationf("task name must not be empty")
	}
	prepared, err := task.PrepareParams(params, opts)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, targets, transport.Request{
		Action:  transport.ActionTask,
		Task:    task,
		Params:  prepared,
		Options: opts,
	})
}

// RunTaskWith runs task with per-target params. Entries without a target
// are skipped.
func (e *Executor) RunTaskWith(ctx context.Context, targetParams []TargetParams, task *transport.Task, opts transport.Options) (*result.ResultSet, error) {
	if task == nil || task.Name == "" {
		return nil, result.Validationf("task name must not be empty")
	}

	targets := make([]*inventory.Target, 0, len(targetParams))
	perTarget := make(map[string]map[string]any, len(targetParams))
	for _, tp := range targetParams {
		if tp.Target == nil {
			continue
		}
		prepared, err := task.PrepareParams(tp.Params, opts)
		if err != nil {
			return nil, err
		}
		targets = append(targets, tp.Target)
		if _, seen := perTarget[tp.Target.Name()]; !seen {
			perTarget[tp.Target.Name()] = prepared
		}
	}

	return e.run(ctx, targets, transport.Request{
		Action:       transport.ActionTask,
		Task:         task,
		TargetParams: perTarget,
		Options:      opts,
	})
}

// UploadFile copies the local source to destination on every target.
func (e *Executor) UploadFile(ctx context.Context, targets []*inventory.Target, source, destination string, opts transport.Options) (*result.ResultSet, error) {
	if source == "" || destination == "" {
		return nil, result.Validationf("upload source and destination must not be empty")
	}
	if err := requireFile(source, "source"); err != nil {
		return nil, err
	}
	return e.run(ctx, targets, transport.Request{
		Action:      transport.ActionUpload,
		Source:      source,
		Destination: destination,
		Options:     opts,
	})
}

// DownloadFile copies source from every target into destination/<target>/.
func (e *Executor) DownloadFile(ctx context.Context, targets []*inventory.Target, source, destination string, opts transport.Options) (*result.ResultSet, error) {
	if source == "" || destination == "" {
		return nil, result.Validationf("download source and destination must not be empty")
	}
	return e.run(ctx, targets, transport.Request{
		Action:      transport.ActionDownload,
		Source:      source,
		Destination: destination,
		Options:     opts,
	})
}

func requireFile(path, what string) error {
	if _, err := os.Stat(path); err != nil {
		return result.FileError(fmt.Sprintf("Could not read %s %s: %v", what, path, err), path, err)
	}
	return nil
}

// action is the per-call state shared by the workers of one action.
type action struct {
	runID  string
	req    transport.Request
	object string

	mu      sync.Mutex
	results map[string]*result.Result
}

// record stores r unless a result for its target already exists and reports
// whether it was stored.
func (a *action) record(r *result.Result) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	name := r.Target().Name()
	if _, ok := a.results[name]; ok {
		return false
	}
	a.results[name] = r
	return true
}

func (a *action) has(target *inventory.Target) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.results[target.Name()]
	return ok
}

// run validates, authorizes and dispatches req to targets.
func (e *Executor) run(ctx context.Context, targets []*inventory.Target, req transport.Request) (*result.ResultSet, error) {
	targets = dedupe(targets)
	if len(targets) == 0 {
		return result.NewResultSet(), nil
	}
	if err := e.authorize(ctx, targets, req); err != nil {
		return nil, err
	}

	a := &action{
		runID:   uuid.New().String(),
		req:     req,
		object:  req.Object(),
		results: make(map[string]*result.Result, len(targets)),
	}
	return e.dispatch(ctx, targets, a, e.executeBatch)
}

// batchFunc acts on one batch of targets of a single transport.
type batchFunc func(ctx context.Context, tr transport.Transport, batch []*inventory.Target, a *action)

// dispatch runs fn for every batch on the worker pool, assembles one Result
// per target in input order and applies catch_errors.
func (e *Executor) dispatch(ctx context.Context, targets []*inventory.Target, a *action, fn batchFunc) (*result.ResultSet, error) {
	actionName := string(a.req.Action)
	logger := e.logger.With().Str("run_id", a.runID).Str("action", actionName).Logger()
	timer := telemetry.NewTimer()

	ctx, span := e.tracer.StartActionSpan(ctx, a.runID, actionName, a.object, len(targets))
	defer span.End()

	e.metrics.RecordActionStarted(actionName)
	planID := fiber.CurrentPlan(ctx)
	e.notify(notifier.Event{
		Type:   notifier.EventActionStart,
		RunID:  a.runID,
		Action: actionName,
		Object: a.object,
		PlanID: planID,
		Count:  len(targets),
	})
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger = logger.With().Str("trace_id", traceID).Logger()
	}
	logger.Info().Str("object", a.object).Int("targets", len(targets)).Msg("starting action")

	e.reportTransports(targets)
	e.warnRlimit()

	jobs := e.batches(targets, a)
	e.runPool(ctx, jobs, a, fn)

	results := make([]*result.Result, len(targets))
	for i, t := range targets {
		a.mu.Lock()
		r := a.results[t.Name()]
		a.mu.Unlock()
		if r == nil {
			r = e.missing(t, a)
		}
		results[i] = r
	}
	rs := result.NewResultSet(results...)

	status := telemetry.StatusSuccess
	if !rs.OK() {
		status = telemetry.StatusFailure
		telemetry.RecordError(span, fmt.Errorf("%s failed on %d targets", actionName, rs.ErrorSet().Count()))
	} else {
		telemetry.RecordSuccess(span)
	}
	e.metrics.RecordActionCompleted(actionName, status, timer.Duration())
	e.notify(notifier.Event{
		Type:    notifier.EventActionFinish,
		RunID:   a.runID,
		Action:  actionName,
		Object:  a.object,
		PlanID:  planID,
		Count:   len(targets),
		Results: rs,
	})
	logger.Info().
		Int("succeeded", rs.OKSet().Count()).
		Int("failed", rs.ErrorSet().Count()).
		Dur("duration", timer.Duration()).
		Msg("finished action")

	if !rs.OK() && !a.req.Options.CatchErrors {
		return rs, result.NewRunFailure(rs, actionName, a.object)
	}
	return rs, nil
}

// job is one batch of targets bound to its transport. A job whose transport
// could not be resolved carries the resolution error instead.
type job struct {
	transport transport.Transport
	batch     []*inventory.Target
	err       error
}

// batches groups targets by transport in order of first appearance and
// splits every group into batches.
func (e *Executor) batches(targets []*inventory.Target, a *action) []job {
	var order []string
	groups := make(map[string][]*inventory.Target)
	for _, t := range targets {
		scheme := t.Transport()
		if _, ok := groups[scheme]; !ok {
			order = append(order, scheme)
		}
		groups[scheme] = append(groups[scheme], t)
	}

	var jobs []job
	for _, scheme := range order {
		group := groups[scheme]
		tr, err := e.registry.For(group[0])
		if err != nil {
			for _, t := range group {
				jobs = append(jobs, job{batch: []*inventory.Target{t}, err: err})
			}
			continue
		}

		if b, ok := tr.(transport.Batcher); ok {
			for _, batch := range b.Batches(group) {
				if len(batch) > 0 {
					jobs = append(jobs, job{transport: tr, batch: batch})
				}
			}
			continue
		}
		for _, t := range group {
			jobs = append(jobs, job{transport: tr, batch: []*inventory.Target{t}})
		}
	}
	return jobs
}

// runPool runs every job on min(concurrency, len(jobs)) workers and waits
// for them. Inside a fiber the wait yields so other fibers keep running.
func (e *Executor) runPool(ctx context.Context, jobs []job, a *action, fn batchFunc) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerCount := min(e.concurrency, len(jobs))

	queue := make(chan job, len(jobs))
	for _, j := range jobs {
		queue <- j
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				e.runJob(ctx, j, a, fn)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	if err := fiber.Await(ctx, done); err != nil {
		e.logger.Debug().Err(err).Str("run_id", a.runID).Msg("action interrupted, cancelling workers")
		cancel()
		<-done
	}
}

// runJob runs one job under the shared semaphore. Panics and unresolved
// transports become per-target errors.
func (e *Executor) runJob(ctx context.Context, j job, a *action, fn batchFunc) {
	scheme := ""
	if j.transport != nil {
		scheme = j.transport.Name()
	}

	defer func() {
		if r := recover(); r != nil {
			err := result.FromPanic(r)
			e.logger.Error().Str("transport", scheme).Interface("panic", r).Msg("transport panicked")
			for _, t := range j.batch {
				e.finish(t, scheme, a, result.New(t, nil, string(a.req.Action), a.object, err))
			}
		}
	}()

	if j.err != nil {
		for _, t := range j.batch {
			e.start(t, a)
			e.finish(t, scheme, a, result.FromError(t, j.err, string(a.req.Action), a.object))
		}
		return
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		for _, t := range j.batch {
			e.finish(t, scheme, a, result.FromError(t, err, string(a.req.Action), a.object))
		}
		return
	}
	defer e.sem.Release(1)

	names := make([]string, len(j.batch))
	for i, t := range j.batch {
		names[i] = t.Name()
	}
	ctx, span := e.tracer.StartBatchSpan(ctx, scheme, names)
	defer span.End()
	timer := telemetry.NewTimer()

	fn(ctx, j.transport, j.batch, a)

	e.metrics.RecordBatchDuration(string(a.req.Action), scheme, timer.Duration())
}

// executeBatch performs the action's request on one batch.
func (e *Executor) executeBatch(ctx context.Context, tr transport.Transport, batch []*inventory.Target, a *action) {
	scheme := tr.Name()

	if b, ok := tr.(transport.Batcher); ok {
		cb := func(kind transport.EventKind, t *inventory.Target, r *result.Result) {
			switch kind {
			case transport.EventNodeStart:
				e.start(t, a)
			case transport.EventNodeResult:
				if r != nil {
					e.finish(t, scheme, a, r)
				}
			}
		}

		results, err := b.BatchExecute(ctx, batch, a.req, cb)
		for _, r := range results {
			if r != nil {
				e.finish(r.Target(), scheme, a, r)
			}
		}
		if err != nil {
			for _, t := range batch {
				if !a.has(t) {
					e.finish(t, scheme, a, e.errorResult(t, scheme, err, a))
				}
			}
		}
		return
	}

	for _, t := range batch {
		e.start(t, a)
		r, err := e.executeTarget(ctx, tr, t, a)
		if err != nil {
			r = e.errorResult(t, scheme, err, a)
		}
		if r != nil {
			e.finish(t, scheme, a, r)
		}
	}
}

// executeTarget connects to t and performs the request over the new session.
func (e *Executor) executeTarget(ctx context.Context, tr transport.Transport, t *inventory.Target, a *action) (*result.Result, error) {
	conn, err := tr.Connect(ctx, t)
	if err != nil {
		return nil, connectError(t, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			e.logger.Debug().Err(err).Str("target", t.Name()).Msg("failed to close connection")
		}
	}()

	return transport.Execute(ctx, conn, t, a.req)
}

func connectError(t *inventory.Target, err error) error {
	var structured *result.Error
	if errors.As(err, &structured) {
		return structured
	}
	return result.NewError(result.KindConnect,
		fmt.Sprintf("Failed to connect to %s: %v", t.Host(), err), err).
		WithIssueCode(result.IssueConnect)
}

// errorResult converts a transport error into a failed Result.
func (e *Executor) errorResult(t *inventory.Target, scheme string, err error, a *action) *result.Result {
	if errors.Is(err, transport.ErrNotImplemented) {
		e.logger.Warn().Str("target", t.Name()).Str("transport", scheme).Str("action", string(a.req.Action)).
			Msg("action not supported by transport")
		unsupported := result.NewError(result.KindUnsupported,
			fmt.Sprintf("The %s transport does not support %s actions", scheme, a.req.Action), err).
			WithIssueCode(result.IssueUnsupported).
			WithDetail("transport", scheme)
		return result.New(t, nil, string(a.req.Action), a.object, unsupported)
	}
	return result.FromError(t, err, string(a.req.Action), a.object)
}

func (e *Executor) missing(t *inventory.Target, a *action) *result.Result {
	err := result.NewError(result.KindException,
		fmt.Sprintf("No result was returned for %s", t.URI()), nil).
		WithIssueCode(result.IssueMissingResult)
	return result.New(t, nil, string(a.req.Action), a.object, err)
}

func (e *Executor) start(t *inventory.Target, a *action) {
	e.notify(notifier.Event{
		Type:   notifier.EventNodeStart,
		RunID:  a.runID,
		Action: string(a.req.Action),
		Object: a.object,
		Target: t,
	})
}

// finish records r for t and publishes it unless t already has a result.
func (e *Executor) finish(t *inventory.Target, scheme string, a *action, r *result.Result) {
	if !a.record(r) {
		return
	}

	kind := ""
	if !r.OK() {
		kind = string(r.Err().Kind)
		e.logger.Debug().Str("target", t.Name()).Str("kind", kind).Str("message", r.Err().Message).
			Msg("target failed")
	}
	e.metrics.RecordTargetResult(string(a.req.Action), scheme, kind)
	e.notify(notifier.Event{
		Type:   notifier.EventNodeResult,
		RunID:  a.runID,
		Action: string(a.req.Action),
		Object: a.object,
		Target: t,
		Result: r,
	})
}

func (e *Executor) notify(event notifier.Event) {
	if e.notifier != nil {
		e.notifier.Notify(event)
	}
}

// authorize consults the guard.
func (e *Executor) authorize(ctx context.Context, targets []*inventory.Target, req transport.Request) error {
	if e.guard == nil {
		return nil
	}
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Name()
	}

	err := e.guard.Check(ctx, GuardRequest{
		Action:      req.Action,
		Object:      req.Object(),
		Destination: req.Destination,
		Targets:     names,
		Options:     req.Options,
	})
	if err == nil {
		return nil
	}

	var structured *result.Error
	if errors.As(err, &structured) {
		return structured
	}
	return result.NewError(result.KindPolicyDenied, err.Error(), err).
		WithIssueCode(result.IssuePolicy).
		WithDetail("action", string(req.Action))
}

// dedupe removes repeated targets by name, keeping the first occurrence.
func dedupe(targets []*inventory.Target) []*inventory.Target {
	seen := make(map[string]bool, len(targets))
	out := make([]*inventory.Target, 0, len(targets))
	for _, t := range targets {
		if t == nil || seen[t.Name()] {
			continue
		}
		seen[t.Name()] = true
		out = append(out, t)
	}
	return out
}
