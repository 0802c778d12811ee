package transport

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygw/pkg/neighbor"
)

func TestKindRoundtrip(t *testing.T) {
	for _, k := range []Kind{KindTCP, KindUDP, KindQUIC, KindMem} {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, KindTCP, ParseKind(" Stream "))
	assert.Equal(t, KindUnknown, ParseKind("winpipe"))
	assert.Equal(t, "unknown", KindUnknown.String())
}

func TestErrorUnwrap(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	var err error = &Error{Kind: KindTCP, Op: "read", Addr: "10.0.0.2", Err: cause}
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, "tcp read 10.0.0.2: unexpected EOF", err.Error())

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "read", te.Op)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.Add(neighbor.New("a")))
	require.False(t, r.Add(neighbor.New("a")))
	require.True(t, r.Add(neighbor.NewHost("udp://10.0.0.2:14600")))
	require.True(t, r.Add(neighbor.New("c")))

	n, ok := r.Lookup("10.0.0.2")
	require.True(t, ok)
	assert.Equal(t, "udp://10.0.0.2:14600", n.Address())

	require.True(t, r.Remove(neighbor.New("udp://10.0.0.2:14600")))
	require.False(t, r.Remove(neighbor.New("udp://10.0.0.2:14600")))
	_, ok = r.Lookup("10.0.0.2")
	assert.False(t, ok)

	got := r.List()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Address())
	assert.Equal(t, "c", got[1].Address())
	n, ok = r.Lookup("c")
	require.True(t, ok)
	assert.Equal(t, "c", n.Address())

	r.Clear()
	assert.Zero(t, r.Len())
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.Add(neighbor.New("10.0.0.1"))

	n, discovered := r.Resolve("10.0.0.1", func() neighbor.Neighbor { t.Fatal("create called"); return nil })
	assert.False(t, discovered)
	assert.Equal(t, "10.0.0.1", n.Address())

	n, discovered = r.Resolve("10.0.0.9", func() neighbor.Neighbor { return neighbor.New("10.0.0.9") })
	assert.True(t, discovered)
	assert.Equal(t, "10.0.0.9", n.Address())
	assert.Equal(t, 2, r.Len())

	_, discovered = r.Resolve("10.0.0.9", func() neighbor.Neighbor { return neighbor.New("10.0.0.9") })
	assert.False(t, discovered)
}

func TestRegistryResolveHost(t *testing.T) {
	r := NewRegistry()
	r.Add(neighbor.New("quic://10.0.0.1:14600"))

	create := func() neighbor.Neighbor { return neighbor.NewHost("quic://10.0.0.1:40000") }
	n, discovered := r.ResolveHost("10.0.0.1", create)
	assert.False(t, discovered)
	assert.Equal(t, "quic://10.0.0.1:14600", n.Address())

	// plain Resolve only sees what Match accepts
	n, discovered = r.Resolve("10.0.0.1", create)
	assert.True(t, discovered)
	assert.Equal(t, "quic://10.0.0.1:40000", n.Address())

	n, discovered = r.ResolveHost("10.0.0.2", func() neighbor.Neighbor { return neighbor.NewHost("quic://10.0.0.2:1") })
	assert.True(t, discovered)
	assert.Equal(t, "quic://10.0.0.2:1", n.Address())
	assert.Equal(t, 3, r.Len())
}

type closer struct{ closed int }

func (c *closer) Close() error { c.closed++; return nil }

func TestManagerReplaceAndRemove(t *testing.T) {
	m := NewManager[*closer]()
	a, b := &closer{}, &closer{}

	assert.False(t, m.Add("h", a))
	assert.True(t, m.Add("h", b))
	assert.Equal(t, 1, a.closed)

	// the replaced connection must not evict its successor
	assert.False(t, m.Remove("h", a))
	got, ok := m.Get("h")
	require.True(t, ok)
	assert.Same(t, b, got)

	assert.True(t, m.Remove("h", b))
	assert.Zero(t, m.Len())

	m.Add("x", a)
	m.Add("y", b)
	assert.Equal(t, []string{"x", "y"}, m.Addrs())
	m.CloseAll()
	assert.Equal(t, 2, a.closed)
	assert.Equal(t, 1, b.closed)
	assert.Zero(t, m.Len())
}

func TestLifecycle(t *testing.T) {
	var l Lifecycle
	require.ErrorIs(t, l.Stop(KindTCP, func() error { return nil }), ErrNotRunning)

	boom := errors.New("boom")
	require.ErrorIs(t, l.Start(KindTCP, func() error { return boom }), boom)
	assert.False(t, l.Running())

	require.NoError(t, l.Start(KindTCP, func() error { return nil }))
	assert.True(t, l.Running())
	require.ErrorIs(t, l.Start(KindTCP, func() error { return nil }), ErrAlreadyRunning)

	require.ErrorIs(t, l.Stop(KindTCP, func() error { return boom }), boom)
	assert.False(t, l.Running())
}

func TestEmitter(t *testing.T) {
	var e Emitter
	var got []string
	s := e.SubscribeNeighbor(func(n neighbor.Neighbor) { got = append(got, n.Address()) })
	e.SubscribeError(func(err error) { got = append(got, err.Error()) })

	e.EmitNeighbor(neighbor.New("p"))
	e.EmitError(errors.New("e"))
	s.Unsubscribe()
	e.EmitNeighbor(neighbor.New("q"))
	assert.Equal(t, []string{"p", "e"}, got)
}
