package quic

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygw/pkg/neighbor"
	"relaygw/pkg/packer"
	"relaygw/pkg/packer/packertest"
	"relaygw/pkg/transport"
	"relaygw/pkg/transport/transporttest"
)

const wait = 5 * time.Second

func startTransport(t *testing.T) *Transport {
	t.Helper()
	tr := New(Options{Host: "127.0.0.1"})
	require.NoError(t, tr.Run(context.Background()))
	t.Cleanup(func() {
		if tr.IsRunning() {
			_ = tr.Shutdown(context.Background())
		}
	})
	return tr
}

func locatorOf(tr *Transport) string {
	a := tr.Addr().(*net.UDPAddr)
	return Scheme + "://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(a.Port))
}

func TestLifecycleGuards(t *testing.T) {
	tr := New(Options{Host: "127.0.0.1"})
	require.ErrorIs(t, tr.Shutdown(context.Background()), transport.ErrNotRunning)
	require.NoError(t, tr.Run(context.Background()))
	require.ErrorIs(t, tr.Run(context.Background()), transport.ErrAlreadyRunning)
	require.NoError(t, tr.Shutdown(context.Background()))
	assert.False(t, tr.IsRunning())
	assert.Nil(t, tr.Addr())
}

func TestSupports(t *testing.T) {
	tr := New(Options{})
	assert.True(t, tr.Supports(neighbor.New("quic://10.0.0.2:14600")))
	assert.False(t, tr.Supports(neighbor.New("quic://10.0.0.2")))
	assert.False(t, tr.Supports(neighbor.New("udp://10.0.0.2:14600")))
	assert.False(t, tr.Supports(neighbor.New("10.0.0.2")))
	require.ErrorIs(t, tr.AddNeighbor(context.Background(), neighbor.New("10.0.0.2")), transport.ErrUnsupported)
}

func TestSendDialsAndDiscovers(t *testing.T) {
	a, b := startTransport(t), startTransport(t)
	recB := transporttest.Record(b)
	recA := transporttest.Record(a)

	d := packertest.RandomData()
	target := neighbor.New(locatorOf(b))
	require.NoError(t, a.AddNeighbor(context.Background(), target))
	require.NoError(t, a.Send(context.Background(), d, target))

	require.Eventually(t, func() bool { return len(recB.Receives()) == 1 }, wait, 10*time.Millisecond)
	assert.Equal(t, []string{"neighbor", "receive"}, recB.Order())
	got := recB.Receives()[0]
	assert.Equal(t, "127.0.0.1", got.Address)
	assert.True(t, got.Data.Transaction.Equal(d.Transaction))
	assert.Equal(t, d.RequestHash.Bytes()[:packer.RequestHashSize], got.Data.RequestHash.Bytes())
	assert.Equal(t, Scheme, neighbor.Scheme(got.Neighbor.Address()))

	// reply travels back over the accepted connection
	reply := packertest.RandomData()
	require.NoError(t, b.Send(context.Background(), reply, got.Neighbor))
	require.Eventually(t, func() bool { return len(recA.Receives()) == 1 }, wait, 10*time.Millisecond)
	assert.True(t, recA.Receives()[0].Data.Transaction.Equal(reply.Transaction))
	assert.Equal(t, target.Address(), recA.Receives()[0].Neighbor.Address())
	assert.Empty(t, recA.Neighbors())
	assert.Len(t, a.Connected(), 1)
}

func TestConfiguredPeersAreNotRediscovered(t *testing.T) {
	a, b := startTransport(t), startTransport(t)
	locA, locB := locatorOf(a), locatorOf(b)
	require.NoError(t, a.AddNeighbor(context.Background(), neighbor.New(locB)))
	require.NoError(t, b.AddNeighbor(context.Background(), neighbor.New(locA)))
	recB := transporttest.Record(b)

	require.NoError(t, a.Send(context.Background(), packertest.RandomData(), neighbor.New(locB)))
	require.Eventually(t, func() bool { return len(recB.Receives()) == 1 }, wait, 10*time.Millisecond)

	assert.Empty(t, recB.Neighbors())
	assert.Equal(t, locA, recB.Receives()[0].Neighbor.Address())
	require.Len(t, b.Neighbors(), 1)
	assert.Equal(t, locA, b.Neighbors()[0].Address())
}

func TestSendReusesConnection(t *testing.T) {
	a, b := startTransport(t), startTransport(t)
	recB := transporttest.Record(b)
	target := neighbor.New(locatorOf(b))

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Send(context.Background(), packertest.RandomData(), target))
	}
	require.Eventually(t, func() bool { return len(recB.Receives()) == 5 }, wait, 10*time.Millisecond)
	assert.Len(t, recB.Neighbors(), 1)
	assert.Len(t, a.Connected(), 1)
}

func TestSendErrors(t *testing.T) {
	tr := New(Options{Host: "127.0.0.1", DialTimeout: 200 * time.Millisecond})
	err := tr.Send(context.Background(), packertest.RandomData(), neighbor.New("quic://127.0.0.1:9"))
	require.ErrorIs(t, err, transport.ErrNotRunning)

	require.NoError(t, tr.Run(context.Background()))
	defer tr.Shutdown(context.Background())

	err = tr.Send(context.Background(), packertest.RandomData(), neighbor.New("10.0.0.1"))
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
}

func TestShutdownClosesConnections(t *testing.T) {
	a, b := startTransport(t), startTransport(t)
	recB := transporttest.Record(b)
	require.NoError(t, a.Send(context.Background(), packertest.RandomData(), neighbor.New(locatorOf(b))))
	require.Eventually(t, func() bool { return len(recB.Receives()) == 1 }, wait, 10*time.Millisecond)

	require.NoError(t, a.Shutdown(context.Background()))
	assert.Empty(t, a.Connected())
	require.Eventually(t, func() bool { return len(b.Connected()) == 0 }, wait, 10*time.Millisecond)
	assert.Empty(t, recB.Errors())
}

func TestParseLocator(t *testing.T) {
	addr, err := parseLocator("quic://[::1]:14600")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:14600", addr)
	_, err = parseLocator("quic://:1")
	require.Error(t, err)
}
