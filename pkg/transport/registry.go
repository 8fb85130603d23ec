package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/skein/pkg/inventory"
	"github.com/openfroyo/skein/pkg/result"
)

// Registry maps transport schemes to Transports.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewRegistry creates a registry holding ts.
func NewRegistry(ts ...Transport) *Registry {
	r := &Registry{transports: make(map[string]Transport)}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds or replaces the transport for t.Name().
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
}

// Get returns the transport registered for scheme.
func (r *Registry) Get(scheme string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[scheme]
	return t, ok
}

// Names returns the registered schemes, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// For returns the transport that serves target.
func (r *Registry) For(target *inventory.Target) (Transport, error) {
	scheme := target.Transport()
	t, ok := r.Get(scheme)
	if !ok {
		return nil, result.NewError(result.KindValidation,
			fmt.Sprintf("Unknown transport %q for target %s; available transports: %v", scheme, target.Name(), r.Names()), nil).
			WithIssueCode(result.IssueValidation).
			WithDetail("transport", scheme)
	}
	return t, nil
}
