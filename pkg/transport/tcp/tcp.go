// Package tcp is the stream backend: packets travel back to back over a TCP
// byte stream, framed only by their fixed size.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaygw/pkg/neighbor"
	"relaygw/pkg/packer"
	"relaygw/pkg/transport"
	"relaygw/pkg/transport/sockopt"
)

// Options configures the stream backend.
type Options struct {
	// Host to bind; empty binds all interfaces.
	Host string
	// Port to listen on; 0 picks a free port.
	Port    int
	Packer  *packer.Packer
	Sockets sockopt.Options
}

// Transport accepts inbound connections and keeps one connection per remote
// host. Neighbors are bare hosts ("10.0.0.2", "fe80::1").
type Transport struct {
	transport.Emitter

	opts      Options
	pk        *packer.Packer
	life      transport.Lifecycle
	neighbors *transport.Registry
	conns     *transport.Manager[*conn]

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	pk := opts.Packer
	if pk == nil {
		pk = packer.New(nil)
	}
	return &Transport{
		opts:      opts,
		pk:        pk,
		neighbors: transport.NewRegistry(),
		conns:     transport.NewManager[*conn](),
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }
func (t *Transport) IsRunning() bool      { return t.life.Running() }

// Supports accepts neighbors addressed by a bare host.
func (t *Transport) Supports(n neighbor.Neighbor) bool {
	a := n.Address()
	return neighbor.Scheme(a) == "" && neighbor.HostOf(a) != ""
}

// Addr returns the bound listen address, or nil when stopped.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Neighbors returns the attached neighbors, discovered ones included.
func (t *Transport) Neighbors() []neighbor.Neighbor { return t.neighbors.List() }

// Connected returns the hosts with a live connection.
func (t *Transport) Connected() []string { return t.conns.Addrs() }

func (t *Transport) Run(ctx context.Context) error {
	return t.life.Start(t.Kind(), func() error {
		addr := net.JoinHostPort(t.opts.Host, strconv.Itoa(t.opts.Port))
		ln, err := t.opts.Sockets.ListenConfig().Listen(ctx, "tcp", addr)
		if err != nil {
			return &transport.Error{Kind: t.Kind(), Op: "listen", Addr: addr, Err: err}
		}
		t.mu.Lock()
		t.ln = ln
		t.mu.Unlock()
		zap.L().Info("tcp transport listening", zap.String("addr", ln.Addr().String()))
		t.wg.Add(1)
		go t.acceptLoop(ln)
		return nil
	})
}

func (t *Transport) Shutdown(ctx context.Context) error {
	return t.life.Stop(t.Kind(), func() error {
		t.mu.Lock()
		ln := t.ln
		t.ln = nil
		t.mu.Unlock()
		var err error
		if ln != nil {
			if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = &transport.Error{Kind: t.Kind(), Op: "close", Addr: ln.Addr().String(), Err: cerr}
			}
		}
		t.conns.CloseAll()
		t.wg.Wait()
		t.neighbors.Clear()
		zap.L().Info("tcp transport stopped")
		return err
	})
}

func (t *Transport) AddNeighbor(_ context.Context, n neighbor.Neighbor) error {
	if !t.Supports(n) {
		return &transport.Error{Kind: t.Kind(), Op: "add neighbor", Addr: n.Address(), Err: transport.ErrUnsupported}
	}
	t.neighbors.Add(n)
	return nil
}

// RemoveNeighbor detaches n and drops its connection, if any.
func (t *Transport) RemoveNeighbor(_ context.Context, n neighbor.Neighbor) error {
	t.neighbors.Remove(n)
	t.conns.Close(neighbor.HostOf(n.Address()))
	return nil
}

// Send writes one packet on the connection to n's host and returns once it
// has been flushed to the socket.
func (t *Transport) Send(ctx context.Context, d packer.Data, n neighbor.Neighbor) error {
	if !t.IsRunning() {
		return fmt.Errorf("%s send: %w", t.Kind(), transport.ErrNotRunning)
	}
	host := neighbor.HostOf(n.Address())
	c, ok := t.conns.Get(host)
	if !ok {
		return &transport.Error{Kind: t.Kind(), Op: "send", Addr: host, Err: transport.ErrNotConnected}
	}
	if err := c.write(ctx, t.pk.Pack(d)); err != nil {
		return &transport.Error{Kind: t.Kind(), Op: "send", Addr: host, Err: err}
	}
	return nil
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.EmitError(&transport.Error{Kind: t.Kind(), Op: "accept", Addr: ln.Addr().String(), Err: err})
			delay = min(max(2*delay, 5*time.Millisecond), time.Second)
			time.Sleep(delay)
			continue
		}
		delay = 0
		t.handle(c)
	}
}

// PeerAddress derives the neighbor address of a remote socket.
func PeerAddress(a net.Addr) string {
	if ta, ok := a.(*net.TCPAddr); ok {
		return neighbor.CanonicalHost(ta.IP.String())
	}
	return neighbor.HostOf(a.String())
}

func (t *Transport) handle(c net.Conn) {
	host := PeerAddress(c.RemoteAddr())
	n, discovered := t.neighbors.Resolve(host, func() neighbor.Neighbor { return neighbor.New(host) })
	if discovered {
		zap.L().Info("tcp neighbor discovered", zap.String("addr", host))
		t.EmitNeighbor(n)
	}
	cn := &conn{c: c, w: transport.NewBlockWriter(c)}
	if t.conns.Add(host, cn) {
		zap.L().Debug("tcp connection replaced", zap.String("addr", host))
	}
	t.mu.Lock()
	stopping := t.ln == nil
	t.mu.Unlock()
	if stopping {
		// accepted while shutting down; CloseAll may already have run
		_ = cn.Close()
	}
	t.wg.Add(1)
	go t.readLoop(cn, n, host)
}

func (t *Transport) readLoop(cn *conn, n neighbor.Neighbor, host string) {
	defer t.wg.Done()
	defer func() {
		t.conns.Remove(host, cn)
		_ = cn.Close()
		zap.L().Debug("tcp connection closed", zap.String("addr", host))
	}()

	err := transport.ReadBlocks(cn.c, t.pk,
		func(d packer.Data) {
			t.EmitReceive(transport.Receive{Data: d, Neighbor: n, Address: host})
		},
		func(err error) {
			t.EmitError(&transport.Error{Kind: t.Kind(), Op: "decode", Addr: host, Err: err})
		})
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		t.EmitError(&transport.Error{Kind: t.Kind(), Op: "read", Addr: host, Err: err})
	}
}

type conn struct {
	c net.Conn
	w *transport.BlockWriter
}

func (c *conn) write(ctx context.Context, packet []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.c.SetWriteDeadline(dl)
		defer func() { _ = c.c.SetWriteDeadline(time.Time{}) }()
	}
	return c.w.WritePacket(packet)
}

func (c *conn) Close() error { return c.c.Close() }
