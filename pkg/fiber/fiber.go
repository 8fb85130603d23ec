package fiber

import (
	"context"
	"sync"

	"github.com/openfroyo/skein/pkg/result"
)

// body is the code a fiber runs.
type body func(ctx context.Context) (any, error)

// fiber is a goroutine that only runs while its resumer waits for it. The
// resumer hands control over with resume and gets it back when the fiber
// yields or returns, so at most one of them executes at any time.
type fiber struct {
	fn  body
	ctx context.Context

	run  chan error
	back chan bool

	mu        sync.Mutex
	started   bool
	running   bool
	done      bool
	value     any
	err       error
	cancelErr error
}

func newFiber(ctx context.Context, fn body) *fiber {
	return &fiber{
		fn:   fn,
		ctx:  ctx,
		run:  make(chan error),
		back: make(chan bool),
	}
}

// alive reports whether the fiber has not returned yet.
func (f *fiber) alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.done
}

// isStarted reports whether the body has begun executing.
func (f *fiber) isStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// outcome returns the body's return values once it finished.
func (f *fiber) outcome() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// resume runs the fiber until it next yields or returns and reports whether
// it made progress. A non-nil inject is returned from the fiber's pending
// Yield and from every later one. Injecting into a fiber that never started
// finishes it with inject as its error without running the body. Resuming a
// fiber that is finished or currently running is a no-op.
func (f *fiber) resume(inject error) bool {
	f.mu.Lock()
	if f.done || f.running {
		f.mu.Unlock()
		return false
	}

	if !f.started {
		if inject != nil {
			f.done = true
			f.err = inject
			f.mu.Unlock()
			return true
		}
		f.started = true
		f.running = true
		f.mu.Unlock()

		go f.main()
		<-f.back
		f.setRunning(false)
		return true
	}

	if inject != nil {
		f.cancelErr = inject
	}
	f.running = true
	f.mu.Unlock()

	f.run <- inject
	progress := <-f.back
	f.setRunning(false)
	return progress
}

func (f *fiber) setRunning(running bool) {
	f.mu.Lock()
	f.running = running
	f.mu.Unlock()
}

func (f *fiber) main() {
	var value any
	var err error

	defer func() {
		if r := recover(); r != nil {
			value, err = nil, result.FromPanic(r)
		}
		f.mu.Lock()
		f.done = true
		f.value = value
		f.err = err
		f.mu.Unlock()
		f.back <- true
	}()

	value, err = f.fn(f.ctx)
}

// yield hands control back to the resumer and blocks until resumed again.
func (f *fiber) yield(progress bool) error {
	f.back <- progress
	inject := <-f.run
	if inject != nil {
		return inject
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelErr
}

// handle is what code running inside a fiber finds in its context.
type handle struct {
	fiber  *fiber
	future *PlanFuture
}

type handleKey struct{}

func withHandle(ctx context.Context, h *handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

func handleFrom(ctx context.Context) *handle {
	h, _ := ctx.Value(handleKey{}).(*handle)
	return h
}

// InFiber reports whether ctx belongs to code running inside a future or
// yarn.
func InFiber(ctx context.Context) bool {
	return handleFrom(ctx) != nil
}

// Yield suspends the calling fiber so others can run. progress tells the
// scheduler whether the caller got anything done since it last yielded. It
// returns the error injected into the fiber, such as a future timeout, which
// the caller should return promptly. Outside a fiber Yield is a no-op.
func Yield(ctx context.Context, progress bool) error {
	h := handleFrom(ctx)
	if h == nil {
		return nil
	}
	return h.fiber.yield(progress)
}

// Await blocks until done is closed. Inside a fiber it yields while waiting
// so sibling fibers keep running; outside it blocks the goroutine. The
// returned error is an injected fiber error or ctx's error.
func Await(ctx context.Context, done <-chan struct{}) error {
	if !InFiber(ctx) {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case <-done:
			return nil
		default:
		}
		if err := Yield(ctx, false); err != nil {
			return err
		}
	}
}
