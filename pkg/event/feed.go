// Package event implements typed in-process subscriptions.
package event

import "sync"

// Subscription is a handle for one registered handler.
type Subscription interface {
	// Unsubscribe removes the handler. Calling it more than once is a no-op.
	Unsubscribe()
}

// Feed delivers values of type T to subscribed handlers. Delivery is
// synchronous on the emitting goroutine, in subscription order. The zero value
// is ready to use.
type Feed[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs []*sub[T]
}

type sub[T any] struct {
	id   uint64
	fn   func(T)
	feed *Feed[T]
	once sync.Once
}

func (s *sub[T]) Unsubscribe() {
	s.once.Do(func() { s.feed.remove(s.id) })
}

// Subscribe registers fn and returns its handle.
func (f *Feed[T]) Subscribe(fn func(T)) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	s := &sub[T]{id: f.next, fn: fn, feed: f}
	f.subs = append(f.subs, s)
	return s
}

func (f *Feed[T]) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.subs {
		if s.id == id {
			// copy so that in-flight Emit snapshots stay intact
			subs := make([]*sub[T], 0, len(f.subs)-1)
			subs = append(subs, f.subs[:i]...)
			f.subs = append(subs, f.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every current handler with v and returns how many were called.
func (f *Feed[T]) Emit(v T) int {
	f.mu.RLock()
	subs := f.subs
	f.mu.RUnlock()
	for _, s := range subs {
		s.fn(v)
	}
	return len(subs)
}

// Len returns the number of registered handlers.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Group releases a set of subscriptions together.
type Group []Subscription

func (g Group) Unsubscribe() {
	for _, s := range g {
		s.Unsubscribe()
	}
}
