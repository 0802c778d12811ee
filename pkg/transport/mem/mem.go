// Package mem is an in-process backend. Transports attached to the same Hub
// exchange encoded packets through buffered inboxes, which makes it handy for
// tests and for wiring several gateways inside one process. Neighbors are
// mem://name locators.
package mem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"relaygw/pkg/neighbor"
	"relaygw/pkg/packer"
	"relaygw/pkg/transport"
)

const Scheme = "mem"

var ErrNameTaken = errors.New("mem: name already bound")

// Hub is the namespace transports bind their names in.
type Hub struct {
	mu    sync.Mutex
	bound map[string]*Transport
}

func NewHub() *Hub { return &Hub{bound: make(map[string]*Transport)} }

// DefaultHub is used by transports created without an explicit hub.
var DefaultHub = NewHub()

func (h *Hub) bind(name string, t *Transport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.bound[name]; ok {
		return ErrNameTaken
	}
	h.bound[name] = t
	return nil
}

func (h *Hub) unbind(name string, t *Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bound[name] == t {
		delete(h.bound, name)
	}
}

func (h *Hub) lookup(name string) *Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bound[name]
}

// Options configures an in-process transport.
type Options struct {
	Name   string
	Hub    *Hub
	Packer *packer.Packer
	// Inbox is the number of packets buffered before senders block.
	Inbox int
}

type envelope struct {
	from   string
	packet []byte
}

type Transport struct {
	transport.Emitter

	opts      Options
	hub       *Hub
	pk        *packer.Packer
	life      transport.Lifecycle
	neighbors *transport.Registry

	mu    sync.Mutex
	inbox chan envelope
	done  chan struct{}
	wg    sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	if opts.Hub == nil {
		opts.Hub = DefaultHub
	}
	if opts.Packer == nil {
		opts.Packer = packer.New(nil)
	}
	if opts.Inbox <= 0 {
		opts.Inbox = 256
	}
	return &Transport{opts: opts, hub: opts.Hub, pk: opts.Packer, neighbors: transport.NewRegistry()}
}

func (t *Transport) Kind() transport.Kind { return transport.KindMem }
func (t *Transport) IsRunning() bool      { return t.life.Running() }

// Locator is the address other transports reach this one at.
func (t *Transport) Locator() string { return Locator(t.opts.Name) }

func Locator(name string) string { return Scheme + "://" + name }

// NameOf returns the bound name a mem:// locator refers to.
func NameOf(address string) (string, bool) {
	if neighbor.Scheme(address) != Scheme {
		return "", false
	}
	name := address[len(Scheme)+3:]
	if name == "" || strings.ContainsAny(name, "/ ") {
		return "", false
	}
	return name, true
}

func (t *Transport) Supports(n neighbor.Neighbor) bool {
	_, ok := NameOf(n.Address())
	return ok
}

func (t *Transport) Neighbors() []neighbor.Neighbor { return t.neighbors.List() }

func (t *Transport) Run(_ context.Context) error {
	return t.life.Start(t.Kind(), func() error {
		if t.opts.Name == "" {
			return &transport.Error{Kind: t.Kind(), Op: "listen", Err: errors.New("empty name")}
		}
		if err := t.hub.bind(t.opts.Name, t); err != nil {
			return &transport.Error{Kind: t.Kind(), Op: "listen", Addr: t.Locator(), Err: err}
		}
		inbox, done := make(chan envelope, t.opts.Inbox), make(chan struct{})
		t.mu.Lock()
		t.inbox, t.done = inbox, done
		t.mu.Unlock()
		t.wg.Add(1)
		go t.loop(inbox, done)
		zap.L().Info("mem transport bound", zap.String("addr", t.Locator()))
		return nil
	})
}

func (t *Transport) Shutdown(_ context.Context) error {
	return t.life.Stop(t.Kind(), func() error {
		t.hub.unbind(t.opts.Name, t)
		t.mu.Lock()
		done := t.done
		t.inbox, t.done = nil, nil
		t.mu.Unlock()
		if done != nil {
			close(done)
		}
		t.wg.Wait()
		t.neighbors.Clear()
		zap.L().Info("mem transport stopped", zap.String("addr", t.Locator()))
		return nil
	})
}

func (t *Transport) AddNeighbor(_ context.Context, n neighbor.Neighbor) error {
	if !t.Supports(n) {
		return &transport.Error{Kind: t.Kind(), Op: "add neighbor", Addr: n.Address(), Err: transport.ErrUnsupported}
	}
	t.neighbors.Add(n)
	return nil
}

func (t *Transport) RemoveNeighbor(_ context.Context, n neighbor.Neighbor) error {
	t.neighbors.Remove(n)
	return nil
}

// Send queues one packet in the inbox of the transport bound to n's name. It
// blocks while that inbox is full.
func (t *Transport) Send(ctx context.Context, d packer.Data, n neighbor.Neighbor) error {
	if !t.IsRunning() {
		return fmt.Errorf("%s send: %w", t.Kind(), transport.ErrNotRunning)
	}
	name, ok := NameOf(n.Address())
	if !ok {
		return &transport.Error{Kind: t.Kind(), Op: "send", Addr: n.Address(), Err: transport.ErrUnsupported}
	}
	peer := t.hub.lookup(name)
	if peer == nil {
		return &transport.Error{Kind: t.Kind(), Op: "send", Addr: n.Address(), Err: transport.ErrNotConnected}
	}
	peer.mu.Lock()
	inbox, done := peer.inbox, peer.done
	peer.mu.Unlock()
	if inbox == nil {
		return &transport.Error{Kind: t.Kind(), Op: "send", Addr: n.Address(), Err: transport.ErrNotConnected}
	}
	select {
	case inbox <- envelope{from: t.Locator(), packet: t.pk.Pack(d)}:
		return nil
	case <-done:
		return &transport.Error{Kind: t.Kind(), Op: "send", Addr: n.Address(), Err: transport.ErrNotConnected}
	case <-ctx.Done():
		return &transport.Error{Kind: t.Kind(), Op: "send", Addr: n.Address(), Err: ctx.Err()}
	}
}

func (t *Transport) loop(inbox <-chan envelope, done <-chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case <-done:
			return
		case env := <-inbox:
			d, err := t.pk.Unpack(env.packet)
			if err != nil {
				t.EmitError(&transport.Error{Kind: t.Kind(), Op: "decode", Addr: env.from, Err: err})
				continue
			}
			nb, discovered := t.neighbors.Resolve(env.from, func() neighbor.Neighbor { return neighbor.New(env.from) })
			if discovered {
				t.EmitNeighbor(nb)
			}
			t.EmitReceive(transport.Receive{Data: d, Neighbor: nb, Address: env.from})
		}
	}
}
