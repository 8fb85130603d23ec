// Package inventory resolves target specifications into Targets and computes
// each target's effective configuration from the group tree it is declared in.
//
// A target's data is the merge of every enclosing group's overlay, outermost
// first, so the closest group wins. Sibling groups merge in declaration order.
// Target entry data overrides group data, and URI-embedded user, password and
// port override only those fields. The root group "all" matches every target,
// including ad-hoc targets that appear in no group.
package inventory

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
)

var groupNamePattern = regexp.MustCompile(`^[a-z0-9_][a-z0-9_-]*$`)

// Inventory owns the group tree, the resolved Target objects and the per-run
// target state. It is safe for concurrent use.
type Inventory struct {
	mu sync.RWMutex

	root    *Group
	groups  map[string]*Group
	aliases map[string]string
	uris    map[string]string
	order   []string

	targets    map[string]*Target
	data       map[string]TargetData
	generation uint64

	state map[string]*targetState

	logger zerolog.Logger
}

// Option configures an Inventory.
type Option func(*Inventory)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(inv *Inventory) {
		inv.logger = logger.With().Str("component", "inventory").Logger()
	}
}

// New builds an Inventory from a group tree. root becomes the "all" group.
func New(root *Group, opts ...Option) (*Inventory, error) {
	if root == nil {
		root = &Group{}
	}
	if root.Name == "" {
		root.Name = RootGroup
	}
	if root.Name != RootGroup {
		return nil, fmt.Errorf("root group must be named %q, got %q", RootGroup, root.Name)
	}

	inv := &Inventory{
		root:    root,
		targets: make(map[string]*Target),
		data:    make(map[string]TargetData),
		state:   make(map[string]*targetState),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(inv)
	}

	if err := inv.index(); err != nil {
		return nil, err
	}
	return inv, nil
}

// Empty returns an inventory with no groups and no declared targets.
func Empty(opts ...Option) *Inventory {
	inv, err := New(&Group{Name: RootGroup}, opts...)
	if err != nil {
		panic(err)
	}
	return inv
}

// index validates the tree and builds the lookup tables. Caller holds mu or
// has exclusive access.
func (inv *Inventory) index() error {
	groups := make(map[string]*Group)
	aliases := make(map[string]string)
	uris := make(map[string]string)
	var order []string

	var errs []string
	inv.root.walk(func(g *Group) {
		if g != inv.root && !groupNamePattern.MatchString(g.Name) {
			errs = append(errs, fmt.Sprintf("invalid group name %q", g.Name))
		}
		if _, dup := groups[g.Name]; dup {
			errs = append(errs, fmt.Sprintf("group %q is defined more than once", g.Name))
		}
		groups[g.Name] = g

		for _, e := range g.Targets {
			id := e.ID()
			if id == "" {
				errs = append(errs, fmt.Sprintf("target entry in group %q must specify a name or uri", g.Name))
				continue
			}
			if _, seen := uris[id]; !seen {
				order = append(order, id)
				uris[id] = e.URI
			} else if uris[id] == "" && e.URI != "" {
				uris[id] = e.URI
			}
			for _, a := range e.Alias {
				if prev, ok := aliases[a]; ok && prev != id {
					errs = append(errs, fmt.Sprintf("alias %q refers to both %q and %q", a, prev, id))
				}
				aliases[a] = id
			}
		}
	})

	for name := range groups {
		if _, ok := uris[name]; ok {
			errs = append(errs, fmt.Sprintf("group %q conflicts with a target of the same name", name))
		}
		if _, ok := aliases[name]; ok {
			errs = append(errs, fmt.Sprintf("group %q conflicts with an alias of the same name", name))
		}
	}
	for a := range aliases {
		if _, ok := uris[a]; ok {
			errs = append(errs, fmt.Sprintf("alias %q conflicts with a target of the same name", a))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid inventory: %s", strings.Join(errs, "; "))
	}

	inv.groups = groups
	inv.aliases = aliases
	inv.uris = uris
	inv.order = order
	inv.data = make(map[string]TargetData)
	inv.generation++
	return nil
}

// Generation increases every time group membership changes.
func (inv *Inventory) Generation() uint64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.generation
}

// GroupNames returns every group name in declaration order.
func (inv *Inventory) GroupNames() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var names []string
	inv.root.walk(func(g *Group) { names = append(names, g.Name) })
	return names
}

// HasGroup reports whether the named group exists.
func (inv *Inventory) HasGroup(name string) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	_, ok := inv.groups[name]
	return ok
}

// Targets returns every declared target in declaration order.
func (inv *Inventory) Targets() ([]*Target, error) {
	return inv.GetTargets(RootGroup)
}

// GetTargets resolves target specifications into Targets. Each spec may be a
// string (comma or whitespace separated names, group names, aliases or glob
// patterns), a *Target, or a slice of any of these nested arbitrarily. The
// result keeps the first occurrence of each target name.
func (inv *Inventory) GetTargets(specs ...any) ([]*Target, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	var out []*Target
	seen := make(map[string]bool)
	add := func(t *Target) {
		if !seen[t.name] {
			seen[t.name] = true
			out = append(out, t)
		}
	}

	var resolve func(spec any) error
	resolve = func(spec any) error {
		switch v := spec.(type) {
		case nil:
			return nil
		case *Target:
			t, err := inv.adopt(v)
			if err != nil {
				return err
			}
			add(t)
		case string:
			for _, word := range splitTargets(v) {
				names, err := inv.resolveName(word)
				if err != nil {
					return err
				}
				for _, name := range names {
					t, err := inv.target(name)
					if err != nil {
						return err
					}
					add(t)
				}
			}
		case []string:
			for _, s := range v {
				if err := resolve(s); err != nil {
					return err
				}
			}
		case []*Target:
			for _, t := range v {
				if err := resolve(t); err != nil {
					return err
				}
			}
		case []any:
			for _, item := range v {
				if err := resolve(item); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unsupported target specification of type %T", spec)
		}
		return nil
	}

	for _, spec := range specs {
		if err := resolve(spec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetTarget resolves a specification that must name exactly one target.
func (inv *Inventory) GetTarget(spec any) (*Target, error) {
	targets, err := inv.GetTargets(spec)
	if err != nil {
		return nil, err
	}
	if len(targets) != 1 {
		return nil, fmt.Errorf("%v must refer to a single target, found %d", spec, len(targets))
	}
	return targets[0], nil
}

// resolveName expands one word: a group name, an alias, a glob pattern or a
// literal target name.
func (inv *Inventory) resolveName(word string) ([]string, error) {
	if g, ok := inv.groups[word]; ok {
		if g == inv.root {
			return append([]string(nil), inv.order...), nil
		}
		return g.targetIDs(), nil
	}
	if id, ok := inv.aliases[word]; ok {
		return []string{id}, nil
	}
	if strings.ContainsAny(word, "*?[{") {
		pattern, err := glob.Compile(word)
		if err != nil {
			return nil, fmt.Errorf("invalid target pattern %q: %w", word, err)
		}
		var names []string
		for _, id := range inv.order {
			if pattern.Match(id) {
				names = append(names, id)
			}
		}
		if len(names) == 0 {
			inv.logger.Debug().Str("pattern", word).Msg("Target pattern matched no targets")
		}
		return names, nil
	}
	return []string{word}, nil
}

// target returns the canonical Target for name, creating it on first use.
func (inv *Inventory) target(name string) (*Target, error) {
	if t, ok := inv.targets[name]; ok {
		return t, nil
	}

	uri, declared := inv.uris[name]
	t, err := parseTarget(name, uri)
	if err != nil {
		return nil, err
	}
	t.inv = inv
	inv.targets[name] = t

	if !declared {
		inv.logger.Debug().Str("target", name).Msg("Created ad-hoc target")
	}
	return t, nil
}

// adopt maps a Target created elsewhere onto this inventory's canonical Target.
func (inv *Inventory) adopt(t *Target) (*Target, error) {
	if t.inv == inv {
		return t, nil
	}
	if existing, ok := inv.targets[t.name]; ok {
		return existing, nil
	}
	if _, declared := inv.uris[t.name]; declared {
		return inv.target(t.name)
	}

	adopted := *t
	adopted.inv = inv
	inv.targets[t.name] = &adopted
	return &adopted, nil
}

// DataFor returns the merged data for a target name. The result is cached
// until group membership changes.
func (inv *Inventory) DataFor(name string) TargetData {
	inv.mu.RLock()
	d, ok := inv.data[name]
	inv.mu.RUnlock()
	if ok {
		return d
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.dataFor(name)
}

func (inv *Inventory) dataFor(name string) TargetData {
	if d, ok := inv.data[name]; ok {
		return d
	}

	groupData, ok := inv.root.collect(name)
	if !ok {
		groupData = inv.root.own()
	}

	d := groupData
	if entryData, ok := inv.root.collectEntries(name); ok {
		entryData.Groups = nil
		d = groupData.merge(entryData)
	}

	inv.data[name] = d
	return d
}

// ConfigFor returns the merged config for a target name.
func (inv *Inventory) ConfigFor(name string) Config {
	return inv.DataFor(name).Config
}

// AddToGroup adds targets to an existing group. Later lookups see the new
// group's data.
func (inv *Inventory) AddToGroup(targets []*Target, group string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	g, ok := inv.groups[group]
	if !ok {
		return fmt.Errorf("group %q does not exist in inventory", group)
	}

	for _, t := range targets {
		if _, isGroup := inv.groups[t.name]; isGroup {
			return fmt.Errorf("target %q conflicts with a group of the same name", t.name)
		}
		if _, exists := g.entry(t.name); exists {
			continue
		}
		uri := t.uri
		if uri == t.name {
			uri = ""
		}
		g.Targets = append(g.Targets, TargetEntry{Name: t.name, URI: uri})
	}

	for _, t := range targets {
		if _, err := inv.adopt(t); err != nil {
			return err
		}
	}

	if err := inv.index(); err != nil {
		return err
	}

	inv.logger.Debug().
		Str("group", group).
		Int("targets", len(targets)).
		Msg("Added targets to group")
	return nil
}

func splitTargets(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}
