// Package transporttest records transport events for backend tests.
package transporttest

import (
	"sync"

	"relaygw/pkg/event"
	"relaygw/pkg/neighbor"
	"relaygw/pkg/transport"
)

// Recorder collects every event a transport emits.
type Recorder struct {
	mu        sync.Mutex
	receives  []transport.Receive
	neighbors []neighbor.Neighbor
	errs      []error
	// order logs event kinds as they arrive: "receive", "neighbor", "error".
	order []string

	subs event.Group
}

// Record subscribes a new Recorder to t.
func Record(t transport.Transport) *Recorder {
	r := &Recorder{}
	r.subs = event.Group{
		t.SubscribeReceive(func(ev transport.Receive) {
			r.mu.Lock()
			r.receives = append(r.receives, ev)
			r.order = append(r.order, "receive")
			r.mu.Unlock()
		}),
		t.SubscribeNeighbor(func(n neighbor.Neighbor) {
			r.mu.Lock()
			r.neighbors = append(r.neighbors, n)
			r.order = append(r.order, "neighbor")
			r.mu.Unlock()
		}),
		t.SubscribeError(func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.order = append(r.order, "error")
			r.mu.Unlock()
		}),
	}
	return r
}

func (r *Recorder) Stop() { r.subs.Unsubscribe() }

func (r *Recorder) Receives() []transport.Receive {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Receive(nil), r.receives...)
}

func (r *Recorder) Neighbors() []neighbor.Neighbor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]neighbor.Neighbor(nil), r.neighbors...)
}

func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *Recorder) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Total returns the number of events of any kind.
func (r *Recorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
