package plan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/openfroyo/skein/pkg/engine"
	"github.com/openfroyo/skein/pkg/fiber"
	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/notifier"
	"github.com/openfroyo/skein/pkg/result"
	"github.com/openfroyo/skein/pkg/telemetry"
)

// Extension is the file extension of plan files.
const Extension = ".star"

// entryPoint is the function every plan file defines.
const entryPoint = "plan"

// ctxKey is the thread-local key holding the fiber context of a thread.
const ctxKey = "skein.ctx"

// Host runs Starlark plans against an engine Executor, a fiber Executor and
// an Inventory.
type Host struct {
	executor  *engine.Executor
	fibers    *fiber.Executor
	inventory *inventory.Inventory
	notifier  *notifier.Notifier
	tracer    *telemetry.Tracer
	logger    zerolog.Logger
	tasksDir  string
	plansDir  string
	out       io.Writer

	mu       sync.Mutex
	modules  map[string]*moduleEntry
	captures map[funcKey][]string
}

type moduleEntry struct {
	globals starlark.StringDict
	err     error
	loading bool
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithNotifier publishes plan_start and plan_finish events.
func WithNotifier(n *notifier.Notifier) Option {
	return func(h *Host) {
		h.notifier = n
	}
}

// WithTracer records a span per plan run.
func WithTracer(t *telemetry.Tracer) Option {
	return func(h *Host) {
		h.tracer = t
	}
}

// WithTasksDir sets the directory run_task looks tasks up in.
func WithTasksDir(dir string) Option {
	return func(h *Host) {
		h.tasksDir = dir
	}
}

// WithPlansDir sets the directory plans and load() modules are read from.
func WithPlansDir(dir string) Option {
	return func(h *Host) {
		h.plansDir = dir
	}
}

// WithOutput sends print() output to w in addition to the log.
func WithOutput(w io.Writer) Option {
	return func(h *Host) {
		h.out = w
	}
}

// New creates a plan host.
func New(executor *engine.Executor, fibers *fiber.Executor, inv *inventory.Inventory, opts ...Option) *Host {
	h := &Host{
		executor:  executor,
		fibers:    fibers,
		inventory: inv,
		tracer:    telemetry.NoopTracer(),
		logger:    zerolog.Nop(),
		tasksDir:  "tasks",
		plansDir:  "plans",
		modules:   make(map[string]*moduleEntry),
		captures:  make(map[funcKey][]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With().Str("component", "plan").Logger()
	return h
}

// Find returns the file for plan name. "mod::deploy" maps to
// <plans>/mod/deploy.star; a path ending in .star is used as is.
func (h *Host) Find(name string) (string, error) {
	if strings.HasSuffix(name, Extension) {
		if _, err := os.Stat(name); err != nil {
			return "", result.FileError(fmt.Sprintf("Could not read plan file %s", name), name, err)
		}
		return name, nil
	}

	rel := strings.ReplaceAll(name, "::", string(filepath.Separator)) + Extension
	path := filepath.Join(h.plansDir, rel)
	if _, err := os.Stat(path); err != nil {
		return "", result.Validationf("Could not find plan '%s' in %s", name, h.plansDir)
	}
	return path, nil
}

// Run finds plan name and runs it with params.
func (h *Host) Run(ctx context.Context, name string, params map[string]any) (any, error) {
	path, err := h.Find(name)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, result.FileError(fmt.Sprintf("Could not read plan file %s", path), path, err)
	}
	return h.RunSource(ctx, name, path, src, params)
}

// RunSource runs plan source as the main plan body and returns the plan's
// return value converted to Go. Background blocks still running when the
// main body returns are run to completion first.
func (h *Host) RunSource(ctx context.Context, name, filename string, src []byte, params map[string]any) (any, error) {
	planID := uuid.New().String()
	h.planStart(planID, name)

	ctx, span := h.tracer.StartPlanSpan(ctx, planID, name)
	defer span.End()

	value, err := h.fibers.RunMain(ctx, planID, name, fiber.Scope(params), func(ctx context.Context, scope fiber.Scope) (any, error) {
		thread := h.newThread(ctx, name)
		v, err := h.callPlan(thread, filename, src, scope)
		if err != nil {
			return nil, err
		}
		return fromStarlarkValue(v)
	})
	err = planError(err)

	h.planFinish(planID, name, err)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return value, nil
}

// runNested runs another plan inside the calling fiber under its own plan id.
func (h *Host) runNested(thread *starlark.Thread, name string, params map[string]any) (starlark.Value, error) {
	path, err := h.Find(name)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, result.FileError(fmt.Sprintf("Could not read plan file %s", path), path, err)
	}

	ctx := threadContext(thread)
	planID := uuid.New().String()
	h.planStart(planID, name)
	fiber.PushPlan(ctx, planID)

	v, err := h.callPlan(h.newThread(ctx, name), path, src, params)

	fiber.PopPlan(ctx)
	h.planFinish(planID, name, planError(err))
	return v, err
}

func (h *Host) callPlan(thread *starlark.Thread, filename string, src []byte, params map[string]any) (starlark.Value, error) {
	h.scanCaptures(filename, src)
	globals, err := starlark.ExecFile(thread, filename, src, h.predeclared())
	if err != nil {
		return nil, err
	}

	fn, ok := globals[entryPoint].(starlark.Callable)
	if !ok {
		return nil, result.Validationf("Plan file %s does not define a %s() function", filename, entryPoint)
	}

	kwargs := make([]starlark.Tuple, 0, len(params))
	for _, key := range sortedKeys(params) {
		v, err := toStarlarkValue(params[key])
		if err != nil {
			return nil, result.Validationf("Invalid plan parameter %s: %v", key, err)
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(key), v})
	}

	return starlark.Call(thread, fn, nil, kwargs)
}

// newThread creates the Starlark thread for one fiber. Threads are never
// shared between fibers.
func (h *Host) newThread(ctx context.Context, name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			h.logger.Info().Str("plan", name).Msg(msg)
			if h.out != nil {
				fmt.Fprintln(h.out, msg)
			}
		},
		Load: h.load,
	}
	thread.SetLocal(ctxKey, ctx)
	return thread
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// load implements load() for modules under the plans directory. Each module
// runs once per Host.
func (h *Host) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	path := filepath.Join(h.plansDir, filepath.Clean(module))
	if filepath.IsAbs(module) || strings.HasPrefix(filepath.Clean(module), "..") {
		return nil, fmt.Errorf("load: module %s must be relative to the plans directory", module)
	}

	h.mu.Lock()
	entry, ok := h.modules[path]
	if ok {
		h.mu.Unlock()
		if entry.loading {
			return nil, fmt.Errorf("load: cycle in load graph at %s", module)
		}
		return entry.globals, entry.err
	}
	entry = &moduleEntry{loading: true}
	h.modules[path] = entry
	h.mu.Unlock()

	src, err := os.ReadFile(path)
	if err == nil {
		h.scanCaptures(path, src)
		child := h.newThread(threadContext(thread), "load "+module)
		entry.globals, err = starlark.ExecFile(child, path, src, h.predeclared())
	}

	h.mu.Lock()
	entry.err = err
	entry.loading = false
	h.mu.Unlock()

	return entry.globals, err
}

func (h *Host) planStart(planID, name string) {
	h.logger.Info().Str("plan", name).Str("run_id", planID).Msg("Starting plan")
	if h.notifier != nil {
		h.notifier.Notify(notifier.Event{
			Type:  notifier.EventPlanStart,
			RunID: planID,
			Plan:  name,
		})
	}
}

func (h *Host) planFinish(planID, name string, err error) {
	data := map[string]any{"status": string(result.StatusSuccess)}
	if err != nil {
		data["status"] = string(result.StatusFailure)
		data["error"] = err.Error()
		h.logger.Error().Err(err).Str("plan", name).Str("run_id", planID).Msg("Plan failed")
	} else {
		h.logger.Info().Str("plan", name).Str("run_id", planID).Msg("Plan finished")
	}

	if h.notifier != nil {
		h.notifier.Notify(notifier.Event{
			Type:  notifier.EventPlanFinish,
			RunID: planID,
			Plan:  name,
			Data:  data,
		})
	}
}

// planError unwraps Starlark evaluation errors to the structured error a
// builtin raised, so callers can match failures with errors.Is.
func planError(err error) error {
	if err == nil {
		return nil
	}

	var rf *result.RunFailure
	if errors.As(err, &rf) {
		return rf
	}
	var pf *fiber.ParallelFailure
	if errors.As(err, &pf) {
		return pf
	}
	var structured *result.Error
	if errors.As(err, &structured) {
		return structured
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return result.NewError(result.KindException, evalErr.Msg, err).
			WithIssueCode(result.IssueException).
			WithDetail("backtrace", evalErr.Backtrace())
	}
	return result.FromException(err)
}
