package inventory

import (
	"fmt"
	"sort"
)

// Resource is a piece of target state reported by an action, keyed by type
// and title.
type Resource struct {
	Type  string         `json:"type"`
	Title string         `json:"title"`
	State map[string]any `json:"state,omitempty"`
}

// Reference returns the canonical Type[title] reference.
func (r Resource) Reference() string {
	return fmt.Sprintf("%s[%s]", r.Type, r.Title)
}

// targetState is the per-run state layered over the group-derived data.
type targetState struct {
	facts     map[string]any
	vars      map[string]any
	features  map[string]bool
	resources map[string]*Resource
	order     []string
}

func (inv *Inventory) stateFor(name string) *targetState {
	s, ok := inv.state[name]
	if !ok {
		s = &targetState{
			facts:     map[string]any{},
			vars:      map[string]any{},
			features:  map[string]bool{},
			resources: map[string]*Resource{},
		}
		inv.state[name] = s
	}
	return s
}

// Facts returns the target's facts: group and entry facts deep-merged with
// facts added during the run.
func (inv *Inventory) Facts(t *Target) map[string]any {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return DeepMerge(inv.dataFor(t.name).Facts, inv.stateFor(t.name).facts)
}

// AddFacts deep-merges facts into the target's run state and returns the
// resulting facts.
func (inv *Inventory) AddFacts(t *Target, facts map[string]any) map[string]any {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	s := inv.stateFor(t.name)
	s.facts = DeepMerge(s.facts, facts)
	return DeepMerge(inv.dataFor(t.name).Facts, s.facts)
}

// Vars returns the target's vars: group and entry vars with run-time vars on top.
func (inv *Inventory) Vars(t *Target) map[string]any {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return shallowMerge(inv.dataFor(t.name).Vars, inv.stateFor(t.name).vars)
}

// SetVar sets a run-time var on the target.
func (inv *Inventory) SetVar(t *Target, key string, value any) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.stateFor(t.name).vars[key] = value
}

// Features returns the target's features, sorted.
func (inv *Inventory) Features(t *Target) []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	set := make(map[string]bool)
	for _, f := range inv.dataFor(t.name).Features {
		set[f] = true
	}
	for f, on := range inv.stateFor(t.name).features {
		set[f] = on
	}

	out := make([]string, 0, len(set))
	for f, on := range set {
		if on {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// SetFeature turns a feature on or off for the target.
func (inv *Inventory) SetFeature(t *Target, feature string, on bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.stateFor(t.name).features[feature] = on
}

// Resources returns the target's resources in the order they were first added.
func (inv *Inventory) Resources(t *Target) []Resource {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	s := inv.stateFor(t.name)
	out := make([]Resource, 0, len(s.order))
	for _, ref := range s.order {
		r := s.resources[ref]
		out = append(out, Resource{Type: r.Type, Title: r.Title, State: DeepMerge(nil, r.State)})
	}
	return out
}

// AddResource records a resource on the target. Adding a resource that
// already exists deep-merges its state.
func (inv *Inventory) AddResource(t *Target, r Resource) (Resource, error) {
	if r.Type == "" || r.Title == "" {
		return Resource{}, fmt.Errorf("resource must have a type and a title")
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	s := inv.stateFor(t.name)
	ref := r.Reference()
	existing, ok := s.resources[ref]
	if !ok {
		existing = &Resource{Type: r.Type, Title: r.Title}
		s.resources[ref] = existing
		s.order = append(s.order, ref)
	}
	existing.State = DeepMerge(existing.State, r.State)
	return Resource{Type: existing.Type, Title: existing.Title, State: DeepMerge(nil, existing.State)}, nil
}
