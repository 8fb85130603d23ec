package fiber

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/skein/pkg/result"
)

// Failure is one failed element of a parallel block.
type Failure struct {
	Index int
	Err   *result.Error
}

// ParallelFailure is returned when one or more futures or yarns failed and
// the caller did not ask to catch errors. Values holds every outcome in input
// order, with errors in the failed slots.
type ParallelFailure struct {
	Values   []any
	Failures []Failure
}

// Error implements the error interface. The message names every failed
// index.
func (p *ParallelFailure) Error() string {
	indices := make([]string, len(p.Failures))
	for i, f := range p.Failures {
		indices[i] = strconv.Itoa(f.Index)
	}
	noun := "blocks"
	if len(p.Failures) == 1 {
		noun = "block"
	}
	return fmt.Sprintf("Plan aborted: parallel block failed on %d %s: %s",
		len(p.Failures), noun, strings.Join(indices, ", "))
}

// Is reports whether target is the parallel-failure sentinel kind.
func (p *ParallelFailure) Is(target error) bool {
	t, ok := target.(*result.Error)
	return ok && t.Kind == result.KindParallelFailure
}

// ToError converts the failure to a structured error.
func (p *ParallelFailure) ToError() *result.Error {
	failed := make([]map[string]any, len(p.Failures))
	for i, f := range p.Failures {
		failed[i] = map[string]any{"index": f.Index, "error": f.Err.ToData()}
	}
	return result.NewError(result.KindParallelFailure, p.Error(), nil).
		WithDetail("failures", failed)
}

// ItemFunc processes one element of a Parallelize call.
type ItemFunc func(ctx context.Context, item any, index int) (any, error)

// Parallelize runs fn for every item, each in its own yarn, and returns the
// values in input order. Yarns take turns the same way futures do: one runs
// until it yields or returns. Failed items are reported together as a
// ParallelFailure.
func (e *Executor) Parallelize(ctx context.Context, items []any, fn ItemFunc) ([]any, error) {
	parent := CurrentFuture(ctx)

	yarns := make([]*Yarn, len(items))
	for i, item := range items {
		h := &handle{future: parent}
		yarn := &Yarn{Index: i}
		yarn.fiber = newFiber(withHandle(ctx, h), func(ctx context.Context) (any, error) {
			return fn(ctx, item, yarn.Index)
		})
		h.fiber = yarn.fiber
		yarns[i] = yarn
	}

	for {
		progress := false
		alive := 0
		for _, y := range yarns {
			if !y.Alive() {
				continue
			}
			if y.fiber.resume(nil) {
				progress = true
			}
			if y.Alive() {
				alive++
			}
		}
		if alive == 0 {
			break
		}
		if progress {
			continue
		}

		if InFiber(ctx) {
			if err := Yield(ctx, false); err != nil {
				for _, y := range yarns {
					y.fiber.resume(err)
				}
				return nil, err
			}
			continue
		}
		// Outside a fiber there is no scheduler to yield to, so drive the
		// futures here.
		if e.hasActive() {
			e.RoundRobin()
		} else {
			time.Sleep(e.idle)
		}
	}

	values := make([]any, len(yarns))
	var failures []Failure
	for i, y := range yarns {
		value, err := y.Value()
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
	if len(failures) > 0 {
		return values, &ParallelFailure{Values: values, Failures: failures}
	}
	return values, nil
}
