package engine

import (
	"context"

	"github.com/openfroyo/skein/pkg/transport"
)

// Analytics receives usage reports. Implementations must be safe for
// concurrent use; the Executor never waits for them.
type Analytics interface {
	// TransportUsed reports that a run addressed targets over transport.
	TransportUsed(transport string, targets int)

	// FunctionCalled reports a call to a plan function.
	FunctionCalled(name string)
}

// Guard decides whether an action may run. It is consulted after options
// are validated and before any target is touched.
type Guard interface {
	Check(ctx context.Context, req GuardRequest) error
}

// GuardRequest describes an action awaiting authorization.
type GuardRequest struct {
	Action      transport.Action
	Object      string
	Destination string
	Targets     []string
	Options     transport.Options
}

type nopAnalytics struct{}

func (nopAnalytics) TransportUsed(string, int) {}
func (nopAnalytics) FunctionCalled(string)     {}
