package engine

import (
	"github.com/openfroyo/skein/pkg/inventory"
)

// reportTransports reports every transport the first time this Executor
// addresses it, along with the number of targets using it.
func (e *Executor) reportTransports(targets []*inventory.Target) {
	counts := make(map[string]int)
	var order []string
	for _, t := range targets {
		scheme := t.Transport()
		if counts[scheme] == 0 {
			order = append(order, scheme)
		}
		counts[scheme]++
	}

	e.reportedMu.Lock()
	var fresh []string
	for _, scheme := range order {
		if !e.reported[scheme] {
			e.reported[scheme] = true
			fresh = append(fresh, scheme)
		}
	}
	e.reportedMu.Unlock()

	for _, scheme := range fresh {
		e.metrics.TransportUsed(scheme, counts[scheme])
		n := counts[scheme]
		e.report(func(a Analytics) { a.TransportUsed(scheme, n) })
	}
}

// ReportFunctionCall reports a call to the named plan function.
func (e *Executor) ReportFunctionCall(name string) {
	e.metrics.FunctionCalled(name)
	e.report(func(a Analytics) { a.FunctionCalled(name) })
}

// report hands fn to the analytics sink without waiting for it.
func (e *Executor) report(fn func(Analytics)) {
	a := e.analytics
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Debug().Interface("panic", r).Msg("analytics sink panicked")
			}
		}()
		fn(a)
	}()
}
