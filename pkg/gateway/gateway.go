// Package gateway routes records between the local node and its neighbors
// over a set of transports.
//
// Every neighbor is bound to exactly one transport: the first, in the order
// the transports were given, whose Supports accepts it. Run and Shutdown fan
// out to all transports and wait for every call to settle. A failed Run is
// rolled back so the gateway ends up stopped with nothing attached.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"relaygw/pkg/event"
	"relaygw/pkg/neighbor"
	"relaygw/pkg/packer"
	"relaygw/pkg/transport"
)

// Receive is a record delivered by any transport, with the source address the
// transport reported.
type Receive struct {
	Data    packer.Data
	Address string
}

type Gateway struct {
	transports []transport.Transport

	// opMu serializes Run, Shutdown, AddNeighbor and RemoveNeighbor. It is held
	// across transport calls, so event handlers must never take it.
	opMu sync.Mutex

	mu      sync.RWMutex
	running bool
	cycle   uint64
	order   []neighbor.Neighbor
	routes  map[string]transport.Transport
	subs    []event.Group

	runFeed      event.Feed[struct{}]
	shutdownFeed event.Feed[struct{}]
	receiveFeed  event.Feed[Receive]
	neighborFeed event.Feed[neighbor.Neighbor]
	errorFeed    event.Feed[error]
}

// New builds a stopped gateway. It fails with ErrConfiguration when
// transports is empty, when a neighbor is listed twice or when no transport
// supports one of them.
func New(transports []transport.Transport, neighbors []neighbor.Neighbor) (*Gateway, error) {
	if len(transports) == 0 {
		return nil, fmt.Errorf("%w: no transports", ErrConfiguration)
	}
	g := &Gateway{
		transports: append([]transport.Transport(nil), transports...),
		routes:     make(map[string]transport.Transport, len(neighbors)),
	}
	for _, n := range neighbors {
		if _, dup := g.routes[n.Address()]; dup {
			return nil, fmt.Errorf("%w: neighbor %q listed twice", ErrConfiguration, n.Address())
		}
		t, ok := g.pick(n)
		if !ok {
			return nil, fmt.Errorf("%w: no transport supports neighbor %q", ErrConfiguration, n.Address())
		}
		g.order = append(g.order, n)
		g.routes[n.Address()] = t
	}
	return g, nil
}

func (g *Gateway) pick(n neighbor.Neighbor) (transport.Transport, bool) {
	for _, t := range g.transports {
		if t.Supports(n) {
			return t, true
		}
	}
	return nil, false
}

func (g *Gateway) IsRunning() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}

// Neighbors returns the known neighbors in the order they were added.
func (g *Gateway) Neighbors() []neighbor.Neighbor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]neighbor.Neighbor(nil), g.order...)
}

// Transports returns the transports in routing order.
func (g *Gateway) Transports() []transport.Transport {
	return append([]transport.Transport(nil), g.transports...)
}

// Route returns the neighbor Send would pick for address and the transport it
// is bound to.
func (g *Gateway) Route(address string) (neighbor.Neighbor, transport.Transport, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lookup(address)
}

func (g *Gateway) lookup(address string) (neighbor.Neighbor, transport.Transport, bool) {
	for _, n := range g.order {
		if n.Match(address) {
			return n, g.routes[n.Address()], true
		}
	}
	return nil, nil, false
}

type binding struct {
	n neighbor.Neighbor
	t transport.Transport
}

func (g *Gateway) bindings() []binding {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]binding, len(g.order))
	for i, n := range g.order {
		out[i] = binding{n: n, t: g.routes[n.Address()]}
	}
	return out
}

// Run starts every transport, attaches every neighbor to its transport and
// starts bridging transport events. Either all of that happens or the gateway
// is left stopped and the first error is returned.
func (g *Gateway) Run(ctx context.Context) error {
	g.opMu.Lock()
	defer g.opMu.Unlock()
	if g.IsRunning() {
		return fmt.Errorf("%w: already running", ErrLifecycle)
	}

	if _, err := joinAll(g.transports, func(t transport.Transport) error { return t.Run(ctx) }); err != nil {
		zap.L().Error("gateway start failed", zap.Error(err))
		bestEffort("shutdown", g.transports, func(t transport.Transport) error { return t.Shutdown(ctx) })
		return err
	}

	bs := g.bindings()
	errs, err := joinAll(bs, func(b binding) error { return b.t.AddNeighbor(ctx, b.n) })
	if err != nil {
		zap.L().Error("gateway neighbor registration failed", zap.Error(err))
		var attached []binding
		for i, b := range bs {
			if errs[i] == nil {
				attached = append(attached, b)
			}
		}
		bestEffort("remove neighbor", attached, func(b binding) error { return b.t.RemoveNeighbor(ctx, b.n) })
		bestEffort("shutdown", g.transports, func(t transport.Transport) error { return t.Shutdown(ctx) })
		return err
	}

	g.mu.Lock()
	g.cycle++
	cycle := g.cycle
	g.subs = make([]event.Group, len(g.transports))
	for i, t := range g.transports {
		g.subs[i] = g.subscribe(cycle, t)
	}
	// neighbors a transport admitted before its bridge existed
	var late []neighbor.Neighbor
	for _, t := range g.transports {
		for _, n := range t.Neighbors() {
			if g.insert(n, t) {
				late = append(late, n)
			}
		}
	}
	g.running = true
	g.mu.Unlock()

	zap.L().Info("gateway running", zap.Int("transports", len(g.transports)), zap.Int("neighbors", len(bs)+len(late)))
	g.runFeed.Emit(struct{}{})
	for _, n := range late {
		zap.L().Info("neighbor discovered during start", zap.String("addr", n.Address()))
		g.neighborFeed.Emit(n)
	}
	return nil
}

// Shutdown detaches every neighbor, stops every transport and releases the
// event bridges of the current run. The first failing detach or transport
// shutdown aborts it and is returned as is.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.opMu.Lock()
	defer g.opMu.Unlock()
	if !g.IsRunning() {
		return fmt.Errorf("%w: not running", ErrLifecycle)
	}

	if _, err := joinAll(g.bindings(), func(b binding) error { return b.t.RemoveNeighbor(ctx, b.n) }); err != nil {
		return err
	}
	if _, err := joinAll(g.transports, func(t transport.Transport) error { return t.Shutdown(ctx) }); err != nil {
		return err
	}

	g.mu.Lock()
	for _, s := range g.subs {
		s.Unsubscribe()
	}
	g.subs = nil
	g.cycle++
	g.running = false
	g.mu.Unlock()

	zap.L().Info("gateway stopped")
	g.shutdownFeed.Emit(struct{}{})
	return nil
}

// AddNeighbor binds n to the first transport supporting it. While running, n
// is attached to that transport first and is only recorded if that succeeds.
func (g *Gateway) AddNeighbor(ctx context.Context, n neighbor.Neighbor) error {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	g.mu.RLock()
	_, dup := g.routes[n.Address()]
	running := g.running
	g.mu.RUnlock()
	if dup {
		return fmt.Errorf("%w: neighbor %q already exists", ErrRouting, n.Address())
	}
	t, ok := g.pick(n)
	if !ok {
		return fmt.Errorf("%w: no transport supports neighbor %q", ErrConfiguration, n.Address())
	}
	if running {
		if err := t.AddNeighbor(ctx, n); err != nil {
			return err
		}
	}

	g.mu.Lock()
	g.insert(n, t)
	g.mu.Unlock()
	zap.L().Info("neighbor added", zap.String("addr", n.Address()), zap.Stringer("transport", t.Kind()))
	return nil
}

// RemoveNeighbor forgets the neighbor with n's address. While running it is
// detached from its transport first and stays known if that fails.
func (g *Gateway) RemoveNeighbor(ctx context.Context, n neighbor.Neighbor) error {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	g.mu.RLock()
	t, ok := g.routes[n.Address()]
	running := g.running
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown neighbor %q", ErrRouting, n.Address())
	}
	if running {
		if err := t.RemoveNeighbor(ctx, n); err != nil {
			return err
		}
	}

	g.mu.Lock()
	g.delete(n.Address())
	g.mu.Unlock()
	zap.L().Info("neighbor removed", zap.String("addr", n.Address()))
	return nil
}

// Send delivers d to the first known neighbor matching address, through the
// transport it is bound to.
func (g *Gateway) Send(ctx context.Context, d packer.Data, address string) error {
	g.mu.RLock()
	running := g.running
	n, t, ok := g.lookup(address)
	g.mu.RUnlock()
	if !running {
		return fmt.Errorf("%w: not running", ErrLifecycle)
	}
	if !ok {
		return fmt.Errorf("%w: no neighbor matches %q", ErrRouting, address)
	}
	return t.Send(ctx, d, n)
}

// insert and delete expect g.mu held for writing.
func (g *Gateway) insert(n neighbor.Neighbor, t transport.Transport) bool {
	if _, ok := g.routes[n.Address()]; ok {
		return false
	}
	g.order = append(g.order, n)
	g.routes[n.Address()] = t
	return true
}

func (g *Gateway) delete(address string) {
	delete(g.routes, address)
	for i, n := range g.order {
		if n.Address() == address {
			g.order = append(g.order[:i:i], g.order[i+1:]...)
			return
		}
	}
}

func (g *Gateway) subscribe(cycle uint64, t transport.Transport) event.Group {
	return event.Group{
		t.SubscribeReceive(func(r transport.Receive) {
			if g.current(cycle) {
				g.receiveFeed.Emit(Receive{Data: r.Data, Address: r.Address})
			}
		}),
		t.SubscribeNeighbor(func(n neighbor.Neighbor) { g.discovered(cycle, t, n) }),
		t.SubscribeError(func(err error) {
			if g.current(cycle) {
				zap.L().Debug("transport error", zap.Stringer("transport", t.Kind()), zap.Error(err))
				g.errorFeed.Emit(err)
			}
		}),
	}
}

func (g *Gateway) current(cycle uint64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cycle == cycle
}

// discovered records a neighbor announced by t. The transport has already
// admitted it, so it is bound to t without the AddNeighbor checks.
func (g *Gateway) discovered(cycle uint64, t transport.Transport, n neighbor.Neighbor) {
	g.mu.Lock()
	added := g.cycle == cycle && g.insert(n, t)
	g.mu.Unlock()
	if !added {
		return
	}
	zap.L().Info("neighbor discovered", zap.String("addr", n.Address()), zap.Stringer("transport", t.Kind()))
	g.neighborFeed.Emit(n)
}

func (g *Gateway) SubscribeRun(fn func()) event.Subscription {
	return g.runFeed.Subscribe(func(struct{}) { fn() })
}

func (g *Gateway) SubscribeShutdown(fn func()) event.Subscription {
	return g.shutdownFeed.Subscribe(func(struct{}) { fn() })
}

func (g *Gateway) SubscribeReceive(fn func(Receive)) event.Subscription {
	return g.receiveFeed.Subscribe(fn)
}

func (g *Gateway) SubscribeNeighbor(fn func(neighbor.Neighbor)) event.Subscription {
	return g.neighborFeed.Subscribe(fn)
}

func (g *Gateway) SubscribeError(fn func(error)) event.Subscription {
	return g.errorFeed.Subscribe(fn)
}
