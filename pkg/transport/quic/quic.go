// Package quic carries packets over one bidirectional QUIC stream per
// connection, framed the same way as the tcp backend. Neighbors are
// quic://host:port locators; connections are tracked per host and opened
// lazily on the first Send to a neighbor that has not connected to us.
package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"relaygw/pkg/neighbor"
	"relaygw/pkg/packer"
	"relaygw/pkg/transport"
)

const (
	Scheme = "quic"
	alpn   = "relaygw"
)

// Options configures the QUIC backend.
type Options struct {
	Host   string
	Port   int
	Packer *packer.Packer
	// TLS overrides the generated self-signed server config.
	TLS         *tls.Config
	DialTimeout time.Duration
}

type Transport struct {
	transport.Emitter

	opts      Options
	pk        *packer.Packer
	life      transport.Lifecycle
	neighbors *transport.Registry
	conns     *transport.Manager[*conn]
	dials     singleflight.Group
	quicConf  *quicgo.Config

	mu     sync.Mutex
	ln     *quicgo.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	pk := opts.Packer
	if pk == nil {
		pk = packer.New(nil)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &Transport{
		opts:      opts,
		pk:        pk,
		neighbors: transport.NewRegistry(),
		conns:     transport.NewManager[*conn](),
		quicConf: &quicgo.Config{
			KeepAlivePeriod: 15 * time.Second,
			MaxIdleTimeout:  time.Minute,
		},
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }
func (t *Transport) IsRunning() bool      { return t.life.Running() }

// Supports accepts quic://host:port locators.
func (t *Transport) Supports(n neighbor.Neighbor) bool {
	_, err := parseLocator(n.Address())
	return err == nil
}

func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *Transport) Neighbors() []neighbor.Neighbor { return t.neighbors.List() }
func (t *Transport) Connected() []string            { return t.conns.Addrs() }

func (t *Transport) Run(ctx context.Context) error {
	return t.life.Start(t.Kind(), func() error {
		tlsConf := t.opts.TLS
		if tlsConf == nil {
			cert, err := selfSignedCert()
			if err != nil {
				return &transport.Error{Kind: t.Kind(), Op: "listen", Err: err}
			}
			tlsConf = &tls.Config{
				Certificates: []tls.Certificate{cert},
				NextProtos:   []string{alpn},
				MinVersion:   tls.VersionTLS13,
			}
		}
		addr := net.JoinHostPort(t.opts.Host, strconv.Itoa(t.opts.Port))
		ln, err := quicgo.ListenAddr(addr, tlsConf, t.quicConf)
		if err != nil {
			return &transport.Error{Kind: t.Kind(), Op: "listen", Addr: addr, Err: err}
		}
		lctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.ln, t.ctx, t.cancel = ln, lctx, cancel
		t.mu.Unlock()
		zap.L().Info("quic transport listening", zap.String("addr", ln.Addr().String()))
		t.wg.Add(1)
		go t.acceptLoop(lctx, ln)
		return nil
	})
}

func (t *Transport) Shutdown(ctx context.Context) error {
	return t.life.Stop(t.Kind(), func() error {
		t.mu.Lock()
		ln, cancel := t.ln, t.cancel
		t.ln, t.cancel = nil, nil
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		t.conns.CloseAll()
		var err error
		if ln != nil {
			if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = &transport.Error{Kind: t.Kind(), Op: "close", Err: cerr}
			}
		}
		t.wg.Wait()
		t.neighbors.Clear()
		zap.L().Info("quic transport stopped")
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
	t.conns.Close(neighbor.HostOf(n.Address()))
	return nil
}

// Send writes one packet to n, dialing its locator when no connection to its
// host exists yet.
func (t *Transport) Send(ctx context.Context, d packer.Data, n neighbor.Neighbor) error {
	if !t.IsRunning() {
		return fmt.Errorf("%s send: %w", t.Kind(), transport.ErrNotRunning)
	}
	host := neighbor.HostOf(n.Address())
	c, ok := t.conns.Get(host)
	if !ok {
		var err error
		if c, err = t.dial(ctx, n, host); err != nil {
			return &transport.Error{Kind: t.Kind(), Op: "dial", Addr: n.Address(), Err: err}
		}
	}
	if err := c.w.WritePacket(t.pk.Pack(d)); err != nil {
		return &transport.Error{Kind: t.Kind(), Op: "send", Addr: host, Err: err}
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, n neighbor.Neighbor, host string) (*conn, error) {
	target, err := parseLocator(n.Address())
	if err != nil {
		return nil, err
	}
	v, err, _ := t.dials.Do(host, func() (any, error) {
		if c, ok := t.conns.Get(host); ok {
			return c, nil
		}
		t.mu.Lock()
		lctx := t.ctx
		t.mu.Unlock()
		if lctx == nil {
			return nil, transport.ErrNotRunning
		}
		dctx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
		defer cancel()
		qc, err := quicgo.DialAddr(dctx, target, &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
			MinVersion:         tls.VersionTLS13,
		}, t.quicConf)
		if err != nil {
			return nil, err
		}
		st, err := qc.OpenStreamSync(dctx)
		if err != nil {
			_ = qc.CloseWithError(0, "")
			return nil, err
		}
		c := &conn{qc: qc, st: st, w: transport.NewBlockWriter(st)}
		t.track(lctx, c, n, host)
		zap.L().Debug("quic connection dialed", zap.String("addr", target))
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*conn), nil
}

func (t *Transport) acceptLoop(ctx context.Context, ln *quicgo.Listener) {
	defer t.wg.Done()
	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, quicgo.ErrServerClosed) {
				t.EmitError(&transport.Error{Kind: t.Kind(), Op: "accept", Err: err})
			}
			return
		}
		t.wg.Add(1)
		go t.serve(ctx, qc)
	}
}

// serve waits for the dialer's stream; QUIC streams become visible to the
// peer only once data is written on them.
func (t *Transport) serve(ctx context.Context, qc quicgo.Connection) {
	defer t.wg.Done()
	st, err := qc.AcceptStream(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "")
		return
	}
	raddr, _ := qc.RemoteAddr().(*net.UDPAddr)
	host := neighbor.HostOf(qc.RemoteAddr().String())
	loc := qc.RemoteAddr().String()
	if raddr != nil {
		host = neighbor.CanonicalHost(raddr.IP.String())
		loc = Scheme + "://" + net.JoinHostPort(host, strconv.Itoa(raddr.Port))
	}
	n, discovered := t.neighbors.ResolveHost(host, func() neighbor.Neighbor { return neighbor.NewHost(loc) })
	if discovered {
		zap.L().Info("quic neighbor discovered", zap.String("addr", loc))
		t.EmitNeighbor(n)
	}
	t.track(ctx, &conn{qc: qc, st: st, w: transport.NewBlockWriter(st)}, n, host)
}

func (t *Transport) track(ctx context.Context, c *conn, n neighbor.Neighbor, host string) {
	t.conns.Add(host, c)
	if ctx.Err() != nil {
		_ = c.Close()
	}
	t.wg.Add(1)
	go t.readLoop(c, n, host)
}

func (t *Transport) readLoop(c *conn, n neighbor.Neighbor, host string) {
	defer t.wg.Done()
	defer func() {
		t.conns.Remove(host, c)
		_ = c.Close()
	}()
	err := transport.ReadBlocks(c.st, t.pk,
		func(d packer.Data) {
			t.EmitReceive(transport.Receive{Data: d, Neighbor: n, Address: host})
		},
		func(err error) {
			t.EmitError(&transport.Error{Kind: t.Kind(), Op: "decode", Addr: host, Err: err})
		})
	var appErr *quicgo.ApplicationError
	if errors.Is(err, io.EOF) || errors.As(err, &appErr) || errors.Is(err, net.ErrClosed) {
		return
	}
	var idle *quicgo.IdleTimeoutError
	if errors.As(err, &idle) {
		zap.L().Debug("quic connection idle", zap.String("addr", host))
		return
	}
	t.EmitError(&transport.Error{Kind: t.Kind(), Op: "read", Addr: host, Err: err})
}

type conn struct {
	qc quicgo.Connection
	st quicgo.Stream
	w  *transport.BlockWriter
}

func (c *conn) Close() error { return c.qc.CloseWithError(0, "") }

// parseLocator validates a quic://host:port locator and returns host:port.
func parseLocator(address string) (string, error) {
	if neighbor.Scheme(address) != Scheme {
		return "", fmt.Errorf("not a %s locator: %q", Scheme, address)
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" || u.Port() == "" {
		return "", fmt.Errorf("locator %q needs host and port", address)
	}
	return net.JoinHostPort(u.Hostname(), u.Port()), nil
}

// selfSignedCert generates a short-lived certificate for the listener. Peers
// are not authenticated at the TLS layer.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
