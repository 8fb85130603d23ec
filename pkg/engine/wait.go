package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/result"
	"github.com/openfroyo/skein/pkg/transport"
)

// WaitUntilAvailable blocks until every target is reachable or
// opts.WaitTime elapses, probing every opts.RetryInterval. Targets that never
// answered get a wait-timeout Result.
func (e *Executor) WaitUntilAvailable(ctx context.Context, targets []*inventory.Target, opts transport.Options) (*result.ResultSet, error) {
	opts = opts.WithWaitDefaults()
	req := transport.Request{Action: transport.ActionWait, Options: opts}

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
		results: make(map[string]*result.Result, len(targets)),
	}
	deadline := time.Now().Add(opts.WaitTime)

	return e.dispatch(ctx, targets, a, func(ctx context.Context, tr transport.Transport, batch []*inventory.Target, a *action) {
		e.waitBatch(ctx, tr, batch, a, deadline)
	})
}

// waitBatch checks batch until every target is live or deadline passes. The
// live set is recomputed every round so ready targets finish right away.
func (e *Executor) waitBatch(ctx context.Context, tr transport.Transport, batch []*inventory.Target, a *action, deadline time.Time) {
	scheme := tr.Name()
	for _, t := range batch {
		e.start(t, a)
	}

	pending := batch
	for {
		live := e.checkUntil(ctx, deadline, tr, pending)

		var still []*inventory.Target
		for i, t := range pending {
			if live[i] {
				e.finish(t, scheme, a, result.New(t, nil, string(transport.ActionWait), "", nil))
			} else {
				still = append(still, t)
			}
		}
		pending = still
		if len(pending) == 0 {
			return
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			for _, t := range pending {
				e.finish(t, scheme, a, waitTimeout(t, a.req.Options.WaitTime))
			}
			return
		}

		timer := time.NewTimer(min(a.req.Options.RetryInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			for _, t := range pending {
				e.finish(t, scheme, a, result.FromError(t, ctx.Err(), string(transport.ActionWait), ""))
			}
			return
		case <-timer.C:
		}
	}
}

// checkUntil runs one liveness round that ends by deadline. Targets whose
// check has not answered by then count as unreachable.
func (e *Executor) checkUntil(ctx context.Context, deadline time.Time, tr transport.Transport, targets []*inventory.Target) []bool {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	answer := make(chan []bool, 1)
	go func() {
		answer <- e.check(ctx, tr, targets)
	}()

	select {
	case live := <-answer:
		return live
	case <-ctx.Done():
		e.logger.Warn().Str("transport", tr.Name()).Int("targets", len(targets)).
			Msg("liveness check did not return before the wait deadline")
		return make([]bool, len(targets))
	}
}

func (e *Executor) check(ctx context.Context, tr transport.Transport, targets []*inventory.Target) []bool {
	if b, ok := tr.(transport.Batcher); ok {
		live := b.BatchConnected(ctx, targets)
		if len(live) == len(targets) {
			return live
		}
		e.logger.Warn().Str("transport", tr.Name()).Int("targets", len(targets)).Int("answers", len(live)).
			Msg("batch liveness check returned the wrong number of answers")
		padded := make([]bool, len(targets))
		copy(padded, live)
		return padded
	}

	live := make([]bool, len(targets))
	for i, t := range targets {
		live[i] = tr.Connected(ctx, t)
	}
	return live
}

func waitTimeout(t *inventory.Target, waited time.Duration) *result.Result {
	err := result.NewError(result.KindWaitTimeout, "Timed out waiting for target", nil).
		WithIssueCode(result.IssueTimeout).
		WithDetail("wait_time", waited.Seconds()).
		WithDetail("target", t.Name())
	return result.New(t, nil, string(transport.ActionWait), "", err)
}

