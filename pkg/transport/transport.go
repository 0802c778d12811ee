package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relaygw/pkg/event"
	"relaygw/pkg/neighbor"
	"relaygw/pkg/packer"
)

// Kind identifies a transport backend.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindUDP
	KindQUIC
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// ParseKind maps a config string to a Kind. Aliases follow the config docs.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp", "stream":
		return KindTCP
	case "udp", "datagram":
		return KindUDP
	case "quic":
		return KindQUIC
	case "mem", "inproc":
		return KindMem
	default:
		return KindUnknown
	}
}

var (
	ErrAlreadyRunning = errors.New("transport already running")
	ErrNotRunning     = errors.New("transport not running")
	// ErrNotConnected is returned by Send when a connection-oriented backend
	// has no live connection to the neighbor and cannot open one.
	ErrNotConnected = errors.New("transport: neighbor not connected")
	ErrUnsupported  = errors.New("transport: neighbor not supported")
)

// Error describes a non-fatal fault inside a backend. Backends deliver it
// through error events; Send may also return it.
type Error struct {
	Kind Kind
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Receive is one inbound record. Neighbor is the registered (or just
// discovered) neighbor for Address.
type Receive struct {
	Data     packer.Data
	Neighbor neighbor.Neighbor
	Address  string
}

// Transport is a network backend carrying records for a subset of neighbors.
type Transport interface {
	Kind() Kind
	IsRunning() bool
	// Supports reports whether this backend can carry traffic for n. It is a
	// routing check and has no side effects.
	Supports(n neighbor.Neighbor) bool

	// Run starts listening. It fails with ErrAlreadyRunning when running.
	Run(ctx context.Context) error
	// Shutdown stops listening and drops every connection. It fails with
	// ErrNotRunning when stopped.
	Shutdown(ctx context.Context) error

	AddNeighbor(ctx context.Context, n neighbor.Neighbor) error
	RemoveNeighbor(ctx context.Context, n neighbor.Neighbor) error
	// Neighbors lists the attached neighbors, discovered ones included.
	Neighbors() []neighbor.Neighbor

	// Send transmits one record to n.
	Send(ctx context.Context, d packer.Data, n neighbor.Neighbor) error

	SubscribeReceive(fn func(Receive)) event.Subscription
	SubscribeNeighbor(fn func(neighbor.Neighbor)) event.Subscription
	SubscribeError(fn func(error)) event.Subscription
}

// Emitter implements the subscription half of Transport. Backends embed it.
type Emitter struct {
	receive   event.Feed[Receive]
	neighbors event.Feed[neighbor.Neighbor]
	errs      event.Feed[error]
}

func (e *Emitter) SubscribeReceive(fn func(Receive)) event.Subscription {
	return e.receive.Subscribe(fn)
}

func (e *Emitter) SubscribeNeighbor(fn func(neighbor.Neighbor)) event.Subscription {
	return e.neighbors.Subscribe(fn)
}

func (e *Emitter) SubscribeError(fn func(error)) event.Subscription {
	return e.errs.Subscribe(fn)
}

func (e *Emitter) EmitReceive(r Receive)            { e.receive.Emit(r) }
func (e *Emitter) EmitNeighbor(n neighbor.Neighbor) { e.neighbors.Emit(n) }
func (e *Emitter) EmitError(err error)              { e.errs.Emit(err) }
