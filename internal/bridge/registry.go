package bridge

import "sync"

// Registry deduplicates service identities: one native id always yields the
// same value for the registry's lifetime
type Registry[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
	order []K
}

// NewRegistry creates an empty registry
func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{items: make(map[K]V)}
}

// Get returns the value registered under id
func (r *Registry[K, V]) Get(id K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[id]
	return v, ok
}

// Register returns the value for id, building it with create on first sight
func (r *Registry[K, V]) Register(id K, create func() V) V {
	r.mu.RLock()
	v, ok := r.items[id]
	r.mu.RUnlock()
	if ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.items[id]; ok {
		return v
	}
	v = create()
	r.items[id] = v
	r.order = append(r.order, id)
	return v
}

// Delete forgets id
func (r *Registry[K, V]) Delete(id K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return
	}
	delete(r.items, id)
	for i, k := range r.order {
		if k == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered identities
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Values returns every value in registration order
func (r *Registry[K, V]) Values() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]V, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.items[k])
	}
	return out
}
