package gateway

import (
	"sort"
	"sync"

	"github.com/warp/payment-reconciler/generic"
)

// Registry hands out adapters by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for name or a NotFoundError.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, generic.NewNotFound("gateway", name)
	}
	return a, nil
}

func (r *Registry) Verifier(name string) (Verifier, bool) {
	a, err := r.Get(name)
	if err != nil {
		return nil, false
	}
	v, ok := a.(Verifier)
	return v, ok
}

func (r *Registry) Initiator(name string) (Initiator, bool) {
	a, err := r.Get(name)
	if err != nil {
		return nil, false
	}
	i, ok := a.(Initiator)
	return i, ok
}

func (r *Registry) Issuer(name string) (VirtualAccountIssuer, bool) {
	a, err := r.Get(name)
	if err != nil {
		return nil, false
	}
	i, ok := a.(VirtualAccountIssuer)
	return i, ok
}

// Names returns the registered gateway names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
