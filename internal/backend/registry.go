package backend

import (
	"fmt"
	"sort"
	"sync"

	"taskwarden/internal/task"
)

// Registry maps backend kinds to adapters. Adding a backend is one Register
// call; callers never switch on the kind.
type Registry struct {
	mu       sync.RWMutex
	adapters map[task.Backend]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[task.Backend]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Kind().
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[a.Kind()] = a
	r.mu.Unlock()
}

func (r *Registry) Get(kind task.Backend) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no adapter registered for %q", ErrBackendUnavailable, kind)
	}
	return a, nil
}

// All returns the registered adapters ordered by kind.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}

func (r *Registry) Kinds() []task.Backend {
	all := r.All()
	out := make([]task.Backend, len(all))
	for i, a := range all {
		out[i] = a.Kind()
	}
	return out
}
