// Package persist keeps values alive across a configuration reload, keyed by
// the persist name of the driver that owned them.
package persist

import (
	"sort"
	"sync"
)

type item[V any] struct {
	value   V
	destroy func(V)
}

// Registry holds values handed back by drivers on Deinit until a driver with
// the same persist name picks them up again.
type Registry[V any] struct {
	mu    sync.Mutex
	items map[string]item[V]
}

func NewRegistry[V any]() *Registry[V] {
	return &Registry[V]{items: make(map[string]item[V])}
}

// Fetch removes and returns the value retained under name.
func (r *Registry[V]) Fetch(name string) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	it, ok := r.items[name]
	if !ok {
		var zero V
		return zero, false
	}
	delete(r.items, name)
	return it.value, true
}

// Add retains v under name. destroy, if set, is called when the value is
// replaced or the registry is closed without anyone fetching it.
func (r *Registry[V]) Add(name string, v V, destroy func(V)) {
	r.mu.Lock()
	old, ok := r.items[name]
	r.items[name] = item[V]{value: v, destroy: destroy}
	r.mu.Unlock()

	if ok && old.destroy != nil {
		old.destroy(old.value)
	}
}

func (r *Registry[V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Names returns the retained names in sorted order.
func (r *Registry[V]) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Close destroys every value still retained.
func (r *Registry[V]) Close() {
	r.mu.Lock()
	items := r.items
	r.items = make(map[string]item[V])
	r.mu.Unlock()

	for _, it := range items {
		if it.destroy != nil {
			it.destroy(it.value)
		}
	}
}
