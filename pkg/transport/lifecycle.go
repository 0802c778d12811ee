package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Lifecycle guards the Stopped/Running transitions of a backend. Start and
// Stop are serialized; Running never blocks, so event handlers may call it
// while a Stop is draining read loops.
type Lifecycle struct {
	mu      sync.Mutex
	running atomic.Bool
}

// Start runs fn and marks the backend running if fn succeeds.
func (l *Lifecycle) Start(k Kind, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running.Load() {
		return fmt.Errorf("%s: %w", k, ErrAlreadyRunning)
	}
	if err := fn(); err != nil {
		return err
	}
	l.running.Store(true)
	return nil
}

// Stop marks the backend stopped and runs fn. The backend stays stopped
// when fn fails.
func (l *Lifecycle) Stop(k Kind, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running.Load() {
		return fmt.Errorf("%s: %w", k, ErrNotRunning)
	}
	l.running.Store(false)
	return fn()
}

func (l *Lifecycle) Running() bool { return l.running.Load() }
