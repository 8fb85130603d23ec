package fiber

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/skein/pkg/result"
)

// Idle intervals for RoundRobin.
const (
	DefaultIdleInterval = 100 * time.Millisecond
	MaxIdleInterval     = 500 * time.Millisecond
)

// Gauge receives the number of unfinished futures after every tick.
type Gauge interface {
	SetActiveFutures(count int)
}

// Executor schedules plan futures cooperatively. Futures run one at a time
// and switch only when the running one yields or returns.
type Executor struct {
	logger zerolog.Logger
	idle   time.Duration
	gauge  Gauge

	mu           sync.Mutex
	nextID       int
	active       []*PlanFuture
	finished     []*PlanFuture
	main         *PlanFuture
	mainFinished bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithIdleInterval sets how long RoundRobin sleeps after a tick in which no
// future made progress. Values above MaxIdleInterval are capped.
func WithIdleInterval(d time.Duration) Option {
	return func(e *Executor) {
		e.idle = min(d, MaxIdleInterval)
	}
}

// WithGauge reports the number of active futures after every tick.
func WithGauge(g Gauge) Option {
	return func(e *Executor) {
		e.gauge = g
	}
}

// New creates a fiber executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		logger: zerolog.Nop(),
		idle:   DefaultIdleInterval,
		nextID: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "fiber").Logger()
	return e
}

// Func is the body of a future. scope is the future's private scope.
type Func func(ctx context.Context, scope Scope) (any, error)

// RunMain runs fn as the main plan body (future 0) and keeps scheduling until
// every future is terminal. It returns the main body's outcome.
func (e *Executor) RunMain(ctx context.Context, planID, name string, scope Scope, fn Func) (any, error) {
	e.mu.Lock()
	if e.main != nil && e.main.Alive() {
		e.mu.Unlock()
		return nil, fmt.Errorf("plan %s: a main plan body is already running", name)
	}
	main := e.newFuture(ctx, 0, planID, name, scope, fn)
	e.main = main
	e.mainFinished = false
	e.active = append([]*PlanFuture{main}, e.active...)
	e.mu.Unlock()

	for e.hasActive() {
		if err := ctx.Err(); err != nil {
			e.cancelAll(err)
		}
		e.RoundRobin()
	}

	return main.Value()
}

// CreateFuture starts a background future running fn with a deep copy of
// scope. The future first runs on the next scheduler tick.
func (e *Executor) CreateFuture(ctx context.Context, planID string, scope Scope, name string, fn Func) *PlanFuture {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	f := e.newFuture(ctx, id, planID, name, scope.Copy(), fn)
	e.active = append(e.active, f)

	e.logger.Debug().Int("future", id).Str("name", name).Str("plan", planID).Msg("created future")
	return f
}

func (e *Executor) newFuture(ctx context.Context, id int, planID, name string, scope Scope, fn Func) *PlanFuture {
	f := &PlanFuture{
		id:        id,
		name:      name,
		planID:    planID,
		scope:     scope,
		planStack: []string{planID},
	}
	h := &handle{future: f}
	f.fiber = newFiber(withHandle(ctx, h), func(ctx context.Context) (any, error) {
		return fn(ctx, f.scope)
	})
	h.fiber = f.fiber
	return f
}

// RoundRobin resumes every active future once in creation order, retires
// the terminal ones and sleeps the idle interval if none made progress.
func (e *Executor) RoundRobin() {
	progress := false
	for _, f := range e.snapshot() {
		if f.Alive() && f.fiber.resume(nil) {
			progress = true
		}
	}

	e.retire()

	if !progress && e.hasActive() {
		time.Sleep(e.idle)
	}
}

func (e *Executor) snapshot() []*PlanFuture {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*PlanFuture(nil), e.active...)
}

func (e *Executor) hasActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active) > 0
}

// retire moves terminal futures from active to finished.
func (e *Executor) retire() {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.active[:0]
	for _, f := range e.active {
		if f.Alive() {
			kept = append(kept, f)
			continue
		}
		e.finished = append(e.finished, f)

		if f == e.main {
			e.mainFinished = true
			continue
		}
		if _, err := f.Value(); err != nil && e.mainFinished {
			e.logger.Warn().Err(err).Int("future", f.id).Str("name", f.name).
				Msg("background block failed after the plan finished")
		}
	}
	for i := len(kept); i < len(e.active); i++ {
		e.active[i] = nil
	}
	e.active = kept

	if e.gauge != nil {
		e.gauge.SetActiveFutures(len(e.active))
	}
}

// cancelAll injects err into every active future.
func (e *Executor) cancelAll(err error) {
	for _, f := range e.snapshot() {
		f.fiber.resume(err)
	}
	e.retire()
}

// Active returns the futures that have not finished yet.
func (e *Executor) Active() []*PlanFuture {
	return e.snapshot()
}

// CurrentFuture returns the future whose code is running with ctx, or nil.
func CurrentFuture(ctx context.Context) *PlanFuture {
	if h := handleFrom(ctx); h != nil {
		return h.future
	}
	return nil
}

// FuturesForPlan returns every known future created by planID, excluding the
// main body, in creation order.
func (e *Executor) FuturesForPlan(planID string) []*PlanFuture {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*PlanFuture
	for _, list := range [][]*PlanFuture{e.finished, e.active} {
		for _, f := range list {
			if f.id != 0 && f.planID == planID {
				out = append(out, f)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// PushPlan records that the future running with ctx entered planID.
func PushPlan(ctx context.Context, planID string) {
	if f := CurrentFuture(ctx); f != nil {
		f.pushPlan(planID)
	}
}

// PopPlan records that the future running with ctx left its current plan.
func PopPlan(ctx context.Context) (string, bool) {
	if f := CurrentFuture(ctx); f != nil {
		return f.popPlan()
	}
	return "", false
}

// CurrentPlan returns the plan of the future running with ctx, or "".
func CurrentPlan(ctx context.Context) string {
	if f := CurrentFuture(ctx); f != nil {
		return f.CurrentPlan()
	}
	return ""
}

// WaitOptions control Wait.
type WaitOptions struct {
	// Timeout bounds the wait when set. Futures still running at the deadline
	// fail with a future-timeout error.
	Timeout *time.Duration

	// CatchErrors returns failed futures' errors as values instead of failing
	// with a ParallelFailure.
	CatchErrors bool
}

// After returns a timeout for WaitOptions.
func After(d time.Duration) *time.Duration {
	return &d
}

// Wait blocks until every future is terminal or the timeout elapses and
// returns their values in input order. Inside a fiber the caller yields while
// waiting; outside one Wait drives the scheduler itself.
func (e *Executor) Wait(ctx context.Context, futures []*PlanFuture, opts WaitOptions) ([]any, error) {
	var deadline time.Time
	var timeout time.Duration
	if opts.Timeout != nil {
		timeout = *opts.Timeout
		deadline = time.Now().Add(timeout)
	}

	timedOut := make(map[int]bool)
	for {
		pending := pendingFutures(futures)
		if len(pending) == 0 {
			break
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			for _, f := range pending {
				timedOut[f.id] = true
				f.fiber.resume(futureTimeout(f, timeout))
			}
			e.retire()
			break
		}

		if InFiber(ctx) {
			if err := Yield(ctx, false); err != nil {
				return nil, err
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.RoundRobin()
	}

	return collect(futures, timedOut, timeout, opts.CatchErrors)
}

// WaitAll waits for every future created by the caller's current plan.
// Called from a background block of that same plan it would wait for itself
// and fails with infinite-wait.
func (e *Executor) WaitAll(ctx context.Context, opts WaitOptions) ([]any, error) {
	current := CurrentFuture(ctx)
	planID := ""
	if current != nil {
		planID = current.CurrentPlan()
		if current.id != 0 && current.planID == planID {
			return nil, result.NewError(result.KindInfiniteWait,
				"The wait() function cannot be called with no arguments inside a background block in the same plan.", nil).
				WithDetail("future", current.id).
				WithDetail("plan", planID)
		}
	} else {
		e.mu.Lock()
		if e.main != nil {
			planID = e.main.planID
		}
		e.mu.Unlock()
	}

	var futures []*PlanFuture
	for _, f := range e.FuturesForPlan(planID) {
		if f != current {
			futures = append(futures, f)
		}
	}
	return e.Wait(ctx, futures, opts)
}

func pendingFutures(futures []*PlanFuture) []*PlanFuture {
	var out []*PlanFuture
	for _, f := range futures {
		if f.Alive() {
			out = append(out, f)
		}
	}
	return out
}

func futureTimeout(f *PlanFuture, timeout time.Duration) *result.Error {
	return result.NewError(result.KindFutureTimeout,
		fmt.Sprintf("%s timed out after %s", f, timeout), nil).
		WithIssueCode(result.IssueTimeout).
		WithDetail("future", f.id)
}

func collect(futures []*PlanFuture, timedOut map[int]bool, timeout time.Duration, catch bool) ([]any, error) {
	values := make([]any, len(futures))
	var failures []Failure

	for i, f := range futures {
		value, err := f.Value()
		if timedOut[f.id] {
			err = futureTimeout(f, timeout)
		}
		if err == nil {
			values[i] = value
			continue
		}

		var structured *result.Error
		if !errors.As(err, &structured) {
			structured = result.FromException(err)
		}
		values[i] = structured
		failures = append(failures, Failure{Index: i, Err: structured})
	}

	if len(failures) > 0 && !catch {
		return values, &ParallelFailure{Values: values, Failures: failures}
	}
	return values, nil
}
