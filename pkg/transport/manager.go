package transport

import (
	"io"
	"sort"
	"sync"
)

// Conn is what a Manager tracks.
type Conn interface {
	comparable
	io.Closer
}

// Manager keeps at most one live connection per peer address. A newer
// connection for the same address replaces the older one, which is closed.
type Manager[C Conn] struct {
	mu    sync.RWMutex
	conns map[string]C
}

func NewManager[C Conn]() *Manager[C] {
	return &Manager[C]{conns: make(map[string]C)}
}

// Add registers c for addr. It returns true when c replaced an existing
// connection.
func (m *Manager[C]) Add(addr string, c C) (replaced bool) {
	m.mu.Lock()
	old, ok := m.conns[addr]
	m.conns[addr] = c
	m.mu.Unlock()
	if ok {
		_ = old.Close()
	}
	return ok
}

// Get returns the connection for addr.
func (m *Manager[C]) Get(addr string) (C, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[addr]
	return c, ok
}

// Remove forgets addr only while it still maps to c, so a closing connection
// never evicts its replacement.
func (m *Manager[C]) Remove(addr string, c C) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.conns[addr]
	if !ok || cur != c {
		return false
	}
	delete(m.conns, addr)
	return true
}

// Close closes and forgets the connection for addr.
func (m *Manager[C]) Close(addr string) {
	m.mu.Lock()
	c, ok := m.conns[addr]
	delete(m.conns, addr)
	m.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// CloseAll closes every connection and empties the table.
func (m *Manager[C]) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]C)
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Addrs returns the tracked addresses, sorted.
func (m *Manager[C]) Addrs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conns))
	for a := range m.conns {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (m *Manager[C]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
