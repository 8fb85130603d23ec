package notifier

import (
	"time"

	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/result"
)

// EventType names a progress event.
type EventType string

// Event types published while actions and plans run.
const (
	EventActionStart  EventType = "action_start"
	EventNodeStart    EventType = "node_start"
	EventNodeResult   EventType = "node_result"
	EventActionFinish EventType = "action_finish"
	EventPlanStart    EventType = "plan_start"
	EventPlanFinish   EventType = "plan_finish"
)

// Event is one progress notification.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type EventType `json:"type"`

	// RunID groups every event of one action or plan run.
	RunID string `json:"run_id,omitempty"`

	// Action is the action kind (command, script, task, upload, download, wait).
	Action string `json:"action,omitempty"`

	// Object is the command line, script path, task name or source file.
	Object string `json:"object,omitempty"`

	// Plan is the plan name for plan_start and plan_finish.
	Plan string `json:"plan,omitempty"`

	// PlanID is the id of the plan run an action belongs to, empty for
	// actions started outside a plan.
	PlanID string `json:"plan_id,omitempty"`

	// Target is set on node_start and node_result.
	Target *inventory.Target `json:"-"`

	// Result is set on node_result.
	Result *result.Result `json:"-"`

	// Results is set on action_finish.
	Results *result.ResultSet `json:"-"`

	// Count is the number of targets the action addresses.
	Count int `json:"count,omitempty"`

	// Data carries any additional payload.
	Data map[string]any `json:"data,omitempty"`
}

// TargetName returns the name of the event's target, or "".
func (e Event) TargetName() string {
	if e.Target == nil {
		return ""
	}
	return e.Target.Name()
}

// Subscriber receives events in publication order.
type Subscriber func(event Event)

// Filter decides whether a subscriber sees an event.
type Filter func(event Event) bool

// FilterByType allows only events of the given types.
func FilterByType(types ...EventType) Filter {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// FilterByRunID allows only events of one run.
func FilterByRunID(runID string) Filter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByTarget allows only node events for the named target.
func FilterByTarget(name string) Filter {
	return func(event Event) bool {
		return event.TargetName() == name
	}
}
