package result

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/skein/pkg/inventory"
)

// ResultSet is the ordered collection of Results for one action across a batch
// of targets. Order follows the input target order.
type ResultSet struct {
	results []*Result
}

// NewResultSet creates a ResultSet from results in order.
func NewResultSet(results ...*Result) *ResultSet {
	rs := &ResultSet{results: make([]*Result, 0, len(results))}
	for _, r := range results {
		if r != nil {
			rs.results = append(rs.results, r)
		}
	}
	return rs
}

// Results returns the Results in order.
func (rs *ResultSet) Results() []*Result {
	out := make([]*Result, len(rs.results))
	copy(out, rs.results)
	return out
}

// Count returns the number of Results.
func (rs *ResultSet) Count() int { return len(rs.results) }

// Empty reports whether the set has no Results.
func (rs *ResultSet) Empty() bool { return len(rs.results) == 0 }

// OK reports whether every Result succeeded. An empty set is OK.
func (rs *ResultSet) OK() bool {
	for _, r := range rs.results {
		if !r.OK() {
			return false
		}
	}
	return true
}

// OKSet returns the successful Results.
func (rs *ResultSet) OKSet() *ResultSet {
	return rs.filter(func(r *Result) bool { return r.OK() })
}

// ErrorSet returns the failed Results.
func (rs *ResultSet) ErrorSet() *ResultSet {
	return rs.filter(func(r *Result) bool { return !r.OK() })
}

// Names returns the target names in order.
func (rs *ResultSet) Names() []string {
	names := make([]string, len(rs.results))
	for i, r := range rs.results {
		names[i] = r.Target().Name()
	}
	return names
}

// Targets returns the targets in order.
func (rs *ResultSet) Targets() []*inventory.Target {
	targets := make([]*inventory.Target, len(rs.results))
	for i, r := range rs.results {
		targets[i] = r.Target()
	}
	return targets
}

// Find returns the Result for the named target, or nil.
func (rs *ResultSet) Find(name string) *Result {
	for _, r := range rs.results {
		if r.Target().Name() == name {
			return r
		}
	}
	return nil
}

// First returns the first Result, or nil for an empty set.
func (rs *ResultSet) First() *Result {
	if len(rs.results) == 0 {
		return nil
	}
	return rs.results[0]
}

// ToData returns the serialized form of every Result.
func (rs *ResultSet) ToData() []map[string]any {
	data := make([]map[string]any, len(rs.results))
	for i, r := range rs.results {
		data[i] = r.ToData()
	}
	return data
}

// MarshalJSON implements json.Marshaler.
func (rs *ResultSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(rs.ToData())
}

func (rs *ResultSet) filter(keep func(*Result) bool) *ResultSet {
	out := &ResultSet{}
	for _, r := range rs.results {
		if keep(r) {
			out.results = append(out.results, r)
		}
	}
	return out
}

// RunFailure is returned alongside a ResultSet when an action failed on one
// or more targets and the caller did not ask to catch errors.
type RunFailure struct {
	Action    string
	Object    string
	ResultSet *ResultSet
}

// NewRunFailure creates a RunFailure for the failed subset of rs.
func NewRunFailure(rs *ResultSet, action, object string) *RunFailure {
	return &RunFailure{
		Action:    action,
		Object:    object,
		ResultSet: rs,
	}
}

// Error implements the error interface. The message names every failing target.
func (f *RunFailure) Error() string {
	failed := f.ResultSet.ErrorSet().Names()
	sort.Strings(failed)
	noun := "targets"
	if len(failed) == 1 {
		noun = "target"
	}
	object := ""
	if f.Object != "" {
		object = fmt.Sprintf(" '%s'", f.Object)
	}
	return fmt.Sprintf("Plan aborted: %s%s failed on %d %s: %s",
		f.Action, object, len(failed), noun, strings.Join(failed, ", "))
}

// Is reports whether target is the run-failure sentinel kind.
func (f *RunFailure) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindRunFailure
}

// ToError converts the failure to a structured error carrying the failed
// Results in its details.
func (f *RunFailure) ToError() *Error {
	return NewError(KindRunFailure, f.Error(), nil).
		WithDetail("action", f.Action).
		WithDetail("object", f.Object).
		WithDetail("result_set", f.ResultSet.ErrorSet().ToData())
}
