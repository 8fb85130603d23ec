package fiber

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of a future.
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateError   State = "error"
)

// PlanFuture is a background block of plan code. It is terminal once its
// fiber returned; the terminal outcome is either a value or an error.
type PlanFuture struct {
	id     int
	name   string
	planID string
	scope  Scope
	fiber  *fiber

	mu        sync.Mutex
	planStack []string
}

// ID returns the future's id. The main plan body is future 0.
func (f *PlanFuture) ID() int { return f.id }

// Name returns the optional name given at creation.
func (f *PlanFuture) Name() string { return f.name }

// PlanID returns the id of the plan that created the future.
func (f *PlanFuture) PlanID() string { return f.planID }

// Scope returns the future's private copy of its creator's scope.
func (f *PlanFuture) Scope() Scope { return f.scope }

// Alive reports whether the future's block is still running or has not
// started.
func (f *PlanFuture) Alive() bool { return f.fiber.alive() }

// Started reports whether the future's block began executing.
func (f *PlanFuture) Started() bool { return f.fiber.isStarted() }

// State returns the lifecycle state.
func (f *PlanFuture) State() State {
	if f.fiber.alive() {
		return StateRunning
	}
	if _, err := f.fiber.outcome(); err != nil {
		return StateError
	}
	return StateDone
}

// Value returns the block's return value or its error. Both are zero while
// the future is running.
func (f *PlanFuture) Value() (any, error) {
	if f.fiber.alive() {
		return nil, nil
	}
	return f.fiber.outcome()
}

// CurrentPlan returns the plan at the top of the future's plan stack.
func (f *PlanFuture) CurrentPlan() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.planStack) == 0 {
		return f.planID
	}
	return f.planStack[len(f.planStack)-1]
}

func (f *PlanFuture) pushPlan(planID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planStack = append(f.planStack, planID)
}

func (f *PlanFuture) popPlan() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// The creating plan stays at the bottom of the stack.
	if len(f.planStack) <= 1 {
		return "", false
	}
	top := f.planStack[len(f.planStack)-1]
	f.planStack = f.planStack[:len(f.planStack)-1]
	return top, true
}

func (f *PlanFuture) String() string {
	if f.name != "" {
		return fmt.Sprintf("future %d (%s)", f.id, f.name)
	}
	return fmt.Sprintf("future %d", f.id)
}

// Yarn is one element of a Parallelize call: a fiber plus the index of the
// item it processes.
type Yarn struct {
	Index int
	fiber *fiber
}

// Alive reports whether the yarn's block is still running.
func (y *Yarn) Alive() bool { return y.fiber.alive() }

// Value returns the yarn's outcome once it finished.
func (y *Yarn) Value() (any, error) { return y.fiber.outcome() }
