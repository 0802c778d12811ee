package transport

import (
	"sync"

	"relaygw/pkg/neighbor"
)

// Registry holds the neighbors attached to one backend, in attach order.
type Registry struct {
	mu    sync.RWMutex
	order []neighbor.Neighbor
	index map[string]int
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Add attaches n. It returns false when the address is already present.
func (r *Registry) Add(n neighbor.Neighbor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[n.Address()]; ok {
		return false
	}
	r.index[n.Address()] = len(r.order)
	r.order = append(r.order, n)
	return true
}

// Remove detaches the neighbor with n's address.
func (r *Registry) Remove(n neighbor.Neighbor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[n.Address()]
	if !ok {
		return false
	}
	r.order = append(r.order[:i:i], r.order[i+1:]...)
	delete(r.index, n.Address())
	for j := i; j < len(r.order); j++ {
		r.index[r.order[j].Address()] = j
	}
	return true
}

// Lookup returns the first attached neighbor matching address.
func (r *Registry) Lookup(address string) (neighbor.Neighbor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.index[address]; ok {
		return r.order[i], true
	}
	for _, n := range r.order {
		if n.Match(address) {
			return n, true
		}
	}
	return nil, false
}

// Resolve returns the neighbor for address, attaching one built by create
// when nothing matches. discovered is true when create was used.
func (r *Registry) Resolve(address string, create func() neighbor.Neighbor) (n neighbor.Neighbor, discovered bool) {
	if n, ok := r.Lookup(address); ok {
		return n, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.order {
		if n.Match(address) {
			return n, false
		}
	}
	return r.attach(create())
}

// attach expects r.mu held for writing.
func (r *Registry) attach(n neighbor.Neighbor) (neighbor.Neighbor, bool) {
	if i, ok := r.index[n.Address()]; ok {
		return r.order[i], false
	}
	r.index[n.Address()] = len(r.order)
	r.order = append(r.order, n)
	return n, true
}

// ResolveHost is Resolve for a bare host. Any attached neighbor whose address
// names that host also counts as a match.
func (r *Registry) ResolveHost(host string, create func() neighbor.Neighbor) (n neighbor.Neighbor, discovered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.order {
		if n.Match(host) || neighbor.HostOf(n.Address()) == host {
			return n, false
		}
	}
	return r.attach(create())
}

// List returns a snapshot in attach order.
func (r *Registry) List() []neighbor.Neighbor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]neighbor.Neighbor(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Clear detaches everything.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.index = make(map[string]int)
}
