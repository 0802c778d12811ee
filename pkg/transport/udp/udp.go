// Package udp is the datagram backend: one packet per datagram over a single
// bound socket. Neighbors are udp://host:port locators.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relaygw/pkg/neighbor"
	"relaygw/pkg/packer"
	"relaygw/pkg/transport"
	"relaygw/pkg/transport/sockopt"
)

const Scheme = "udp"

// Options configures the datagram backend.
type Options struct {
	Host   string
	Port   int
	Packer *packer.Packer
	// MaxPacketsPerSec caps accepted inbound datagrams; 0 disables the cap.
	// Datagrams over the cap are dropped like malformed ones.
	MaxPacketsPerSec int
	Burst            int
	Sockets          sockopt.Options
}

// Transport receives and sends datagrams on one socket. Datagrams that do not
// decode are dropped without any event.
type Transport struct {
	transport.Emitter

	opts      Options
	pk        *packer.Packer
	life      transport.Lifecycle
	neighbors *transport.Registry
	limiter   *rate.Limiter
	dropped   atomic.Uint64

	mu   sync.RWMutex
	conn *net.UDPConn
	wg   sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	pk := opts.Packer
	if pk == nil {
		pk = packer.New(nil)
	}
	t := &Transport{opts: opts, pk: pk, neighbors: transport.NewRegistry()}
	if opts.MaxPacketsPerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = opts.MaxPacketsPerSec
		}
		t.limiter = rate.NewLimiter(rate.Limit(opts.MaxPacketsPerSec), burst)
	}
	return t
}

func (t *Transport) Kind() transport.Kind { return transport.KindUDP }
func (t *Transport) IsRunning() bool      { return t.life.Running() }

// Supports accepts udp://host:port locators.
func (t *Transport) Supports(n neighbor.Neighbor) bool {
	_, _, err := ParseLocator(n.Address())
	return err == nil
}

// Addr returns the bound address, or nil when stopped.
func (t *Transport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Dropped counts inbound datagrams discarded as malformed or over the rate cap.
func (t *Transport) Dropped() uint64 { return t.dropped.Load() }

func (t *Transport) Neighbors() []neighbor.Neighbor { return t.neighbors.List() }

func (t *Transport) Run(ctx context.Context) error {
	return t.life.Start(t.Kind(), func() error {
		addr := net.JoinHostPort(t.opts.Host, strconv.Itoa(t.opts.Port))
		pc, err := t.opts.Sockets.ListenConfig().ListenPacket(ctx, "udp", addr)
		if err != nil {
			return &transport.Error{Kind: t.Kind(), Op: "listen", Addr: addr, Err: err}
		}
		conn := pc.(*net.UDPConn)
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		zap.L().Info("udp transport listening", zap.String("addr", conn.LocalAddr().String()))
		t.wg.Add(1)
		go t.readLoop(conn)
		return nil
	})
}

func (t *Transport) Shutdown(ctx context.Context) error {
	return t.life.Stop(t.Kind(), func() error {
		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.mu.Unlock()
		var err error
		if conn != nil {
			if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = &transport.Error{Kind: t.Kind(), Op: "close", Addr: conn.LocalAddr().String(), Err: cerr}
			}
		}
		t.wg.Wait()
		t.neighbors.Clear()
		zap.L().Info("udp transport stopped", zap.Uint64("dropped", t.Dropped()))
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

func (t *Transport) RemoveNeighbor(_ context.Context, n neighbor.Neighbor) error {
	t.neighbors.Remove(n)
	return nil
}

// Send transmits one datagram to n's locator. It returns once the socket has
// accepted the buffer; delivery is not acknowledged.
func (t *Transport) Send(ctx context.Context, d packer.Data, n neighbor.Neighbor) error {
	raddr, err := Locate(n.Address())
	if err != nil {
		return &transport.Error{Kind: t.Kind(), Op: "send", Addr: n.Address(), Err: err}
	}
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil || !t.IsRunning() {
		return fmt.Errorf("%s send: %w", t.Kind(), transport.ErrNotRunning)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := conn.WriteToUDP(t.pk.Pack(d), raddr); err != nil {
		return &transport.Error{Kind: t.Kind(), Op: "send", Addr: raddr.String(), Err: err}
	}
	return nil
}

// ParseLocator splits a udp://host:port locator without resolving it.
func ParseLocator(address string) (host, port string, err error) {
	if neighbor.Scheme(address) != Scheme {
		return "", "", fmt.Errorf("not a %s locator: %q", Scheme, address)
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", "", err
	}
	if u.Hostname() == "" || u.Port() == "" {
		return "", "", fmt.Errorf("locator %q needs host and port", address)
	}
	return u.Hostname(), u.Port(), nil
}

// Locate resolves a udp://host:port locator.
func Locate(address string) (*net.UDPAddr, error) {
	host, port, err := ParseLocator(address)
	if err != nil {
		return nil, err
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
}

// Locator formats the locator of a remote datagram source.
func Locator(a *net.UDPAddr) string {
	return Scheme + "://" + net.JoinHostPort(neighbor.CanonicalHost(a.IP.String()), strconv.Itoa(a.Port))
}

func (t *Transport) readLoop(conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, 64*1024)
	var delay time.Duration
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.EmitError(&transport.Error{Kind: t.Kind(), Op: "read", Addr: conn.LocalAddr().String(), Err: err})
			delay = min(max(2*delay, 5*time.Millisecond), time.Second)
			time.Sleep(delay)
			continue
		}
		delay = 0
		if t.limiter != nil && !t.limiter.Allow() {
			t.dropped.Add(1)
			continue
		}
		if n != packer.PacketSize {
			t.dropped.Add(1)
			continue
		}
		d, err := t.pk.Unpack(buf[:n])
		if err != nil {
			t.dropped.Add(1)
			continue
		}
		t.deliver(d, raddr)
	}
}

func (t *Transport) deliver(d packer.Data, raddr *net.UDPAddr) {
	loc := Locator(raddr)
	nb, discovered := t.neighbors.Resolve(loc, func() neighbor.Neighbor { return neighbor.NewHost(loc) })
	if discovered {
		zap.L().Info("udp neighbor discovered", zap.String("addr", loc))
		t.EmitNeighbor(nb)
	}
	t.EmitReceive(transport.Receive{Data: d, Neighbor: nb, Address: neighbor.CanonicalHost(raddr.IP.String())})
}
