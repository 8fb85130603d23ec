package inventory

import (
	"encoding/json"
	"fmt"
)

// RootGroup is the implicit group that contains every target.
const RootGroup = "all"

// Group is a named set of targets and subgroups sharing config, vars, facts
// and features.
type Group struct {
	Name     string         `json:"name,omitempty"`
	Targets  []TargetEntry  `json:"targets,omitempty" validate:"dive"`
	Groups   []*Group       `json:"groups,omitempty" validate:"dive"`
	Config   Config         `json:"config"`
	Vars     map[string]any `json:"vars,omitempty"`
	Facts    map[string]any `json:"facts,omitempty"`
	Features []string       `json:"features,omitempty"`
}

// TargetEntry declares a target inside a group. In files it is either a bare
// URI string or an object.
type TargetEntry struct {
	Name     string         `json:"name,omitempty"`
	URI      string         `json:"uri,omitempty"`
	Alias    StringList     `json:"alias,omitempty"`
	Config   Config         `json:"config"`
	Vars     map[string]any `json:"vars,omitempty"`
	Facts    map[string]any `json:"facts,omitempty"`
	Features []string       `json:"features,omitempty"`
}

// ID is the name the entry is known by: its name, or its URI when unnamed.
func (e TargetEntry) ID() string {
	if e.Name != "" {
		return e.Name
	}
	return e.URI
}

// UnmarshalJSON accepts either a URI string or an entry object.
func (e *TargetEntry) UnmarshalJSON(data []byte) error {
	var uri string
	if err := json.Unmarshal(data, &uri); err == nil {
		*e = TargetEntry{URI: uri}
		return nil
	}

	type plain TargetEntry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("target entry must be a string or an object: %w", err)
	}
	*e = TargetEntry(p)
	return nil
}

// StringList is a list that may be written as a single string.
type StringList []string

// UnmarshalJSON accepts a string or a list of strings.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected a string or a list of strings: %w", err)
	}
	*l = list
	return nil
}

// TargetData is the effective data of a target after merging every enclosing
// group and target entry.
type TargetData struct {
	Config   Config         `json:"config"`
	Vars     map[string]any `json:"vars"`
	Facts    map[string]any `json:"facts"`
	Features []string       `json:"features"`
	Groups   []string       `json:"groups"`
}

// merge returns d overlaid with o: config merged field by field, vars
// shallow-merged, facts deep-merged, features and groups unioned.
func (d TargetData) merge(o TargetData) TargetData {
	return TargetData{
		Config:   d.Config.Merge(o.Config),
		Vars:     shallowMerge(d.Vars, o.Vars),
		Facts:    DeepMerge(d.Facts, o.Facts),
		Features: union(d.Features, o.Features),
		Groups:   union(d.Groups, o.Groups),
	}
}

func (g *Group) own() TargetData {
	return TargetData{
		Config:   g.Config,
		Vars:     g.Vars,
		Facts:    g.Facts,
		Features: g.Features,
		Groups:   []string{g.Name},
	}
}

func (e TargetEntry) own() TargetData {
	return TargetData{
		Config:   e.Config,
		Vars:     e.Vars,
		Facts:    e.Facts,
		Features: e.Features,
	}
}

func (g *Group) entry(id string) (TargetEntry, bool) {
	for _, e := range g.Targets {
		if e.ID() == id {
			return e, true
		}
	}
	return TargetEntry{}, false
}

// collect returns the merged group data for target id if g or any descendant
// declares it. g's own data is applied first so closer groups win; sibling
// subgroups are merged in declaration order.
func (g *Group) collect(id string) (TargetData, bool) {
	var children *TargetData
	for _, child := range g.Groups {
		d, ok := child.collect(id)
		if !ok {
			continue
		}
		if children == nil {
			children = &d
		} else {
			merged := children.merge(d)
			children = &merged
		}
	}

	own := g.own()
	if children != nil {
		return own.merge(*children), true
	}
	if _, ok := g.entry(id); ok {
		return own, true
	}
	return TargetData{}, false
}

// collectEntries merges the entry-level data of every declaration of id in
// the tree, outer declarations first.
func (g *Group) collectEntries(id string) (TargetData, bool) {
	var acc *TargetData
	if e, ok := g.entry(id); ok {
		d := e.own()
		acc = &d
	}
	for _, child := range g.Groups {
		d, ok := child.collectEntries(id)
		if !ok {
			continue
		}
		if acc == nil {
			acc = &d
		} else {
			merged := acc.merge(d)
			acc = &merged
		}
	}
	if acc == nil {
		return TargetData{}, false
	}
	return *acc, true
}

// targetIDs lists every target declared in g and its descendants, in
// declaration order without duplicates.
func (g *Group) targetIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	var walk func(*Group)
	walk = func(grp *Group) {
		for _, e := range grp.Targets {
			if id := e.ID(); !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		for _, child := range grp.Groups {
			walk(child)
		}
	}
	walk(g)
	return ids
}

// walk visits g and every descendant depth-first.
func (g *Group) walk(fn func(*Group)) {
	fn(g)
	for _, child := range g.Groups {
		child.walk(fn)
	}
}

func shallowMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// DeepMerge merges overlay into a copy of base. Nested maps merge
// recursively; any other overlay value replaces the base value.
func DeepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = DeepMerge(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func union(base, overlay []string) []string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(base)+len(overlay))
	out := make([]string, 0, len(base)+len(overlay))
	for _, list := range [][]string{base, overlay} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
