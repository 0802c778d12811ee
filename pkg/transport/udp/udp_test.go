package udp

import (
	"context"
	"net"
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

const wait = 2 * time.Second

func startTransport(t *testing.T, opts Options) *Transport {
	t.Helper()
	opts.Host = "127.0.0.1"
	tr := New(opts)
	require.NoError(t, tr.Run(context.Background()))
	t.Cleanup(func() {
		if tr.IsRunning() {
			_ = tr.Shutdown(context.Background())
		}
	})
	return tr
}

func client(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendTo(t *testing.T, c *net.UDPConn, tr *Transport, b []byte) {
	t.Helper()
	_, err := c.WriteToUDP(b, tr.Addr().(*net.UDPAddr))
	require.NoError(t, err)
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
	assert.True(t, tr.Supports(neighbor.New("udp://10.0.0.2:14600")))
	assert.True(t, tr.Supports(neighbor.New("udp://[fe80::1]:14600")))
	assert.False(t, tr.Supports(neighbor.New("udp://10.0.0.2")))
	assert.False(t, tr.Supports(neighbor.New("10.0.0.2")))
	assert.False(t, tr.Supports(neighbor.New("tcp://10.0.0.2:1")))
}

func TestReceive(t *testing.T) {
	pk := packer.New(nil)
	tr := startTransport(t, Options{Packer: pk})
	rec := transporttest.Record(tr)
	c := client(t)

	d := packertest.RandomData()
	sendTo(t, c, tr, pk.Pack(d))

	require.Eventually(t, func() bool { return len(rec.Receives()) == 1 }, wait, 5*time.Millisecond)
	got := rec.Receives()[0]
	assert.Equal(t, "127.0.0.1", got.Address)
	assert.True(t, got.Data.Transaction.Equal(d.Transaction))
	assert.Equal(t, d.RequestHash.Bytes()[:46], got.Data.RequestHash.Bytes())

	// first contact from an unknown source is announced before the record
	assert.Equal(t, []string{"neighbor", "receive"}, rec.Order())
	loc := Locator(c.LocalAddr().(*net.UDPAddr))
	assert.Equal(t, loc, rec.Neighbors()[0].Address())
	assert.True(t, rec.Neighbors()[0].Match("127.0.0.1"))
	assert.Equal(t, loc, got.Neighbor.Address())
}

func TestReceiveFromRegisteredNeighbor(t *testing.T) {
	pk := packer.New(nil)
	tr := startTransport(t, Options{Packer: pk})
	c := client(t)
	loc := Locator(c.LocalAddr().(*net.UDPAddr))
	require.NoError(t, tr.AddNeighbor(context.Background(), neighbor.New(loc)))
	rec := transporttest.Record(tr)

	sendTo(t, c, tr, pk.Pack(packertest.RandomData()))
	require.Eventually(t, func() bool { return len(rec.Receives()) == 1 }, wait, 5*time.Millisecond)
	assert.Empty(t, rec.Neighbors())
	assert.Equal(t, loc, rec.Receives()[0].Neighbor.Address())
}

func TestMalformedDatagramSilentlyDropped(t *testing.T) {
	pk := packer.New(nil)
	tr := startTransport(t, Options{Packer: pk})
	rec := transporttest.Record(tr)
	c := client(t)

	sendTo(t, c, tr, []byte("hello"))
	sendTo(t, c, tr, make([]byte, packer.PacketSize-1))
	sendTo(t, c, tr, make([]byte, packer.PacketSize+1))

	require.Eventually(t, func() bool { return tr.Dropped() == 3 }, wait, 5*time.Millisecond)
	assert.Zero(t, rec.Total(), "no receive, neighbor or error events expected")

	// service continues
	sendTo(t, c, tr, pk.Pack(packertest.RandomData()))
	require.Eventually(t, func() bool { return len(rec.Receives()) == 1 }, wait, 5*time.Millisecond)
	assert.Empty(t, rec.Errors())
}

func TestRateLimitDrops(t *testing.T) {
	pk := packer.New(nil)
	tr := startTransport(t, Options{Packer: pk, MaxPacketsPerSec: 1, Burst: 1})
	rec := transporttest.Record(tr)
	c := client(t)

	for i := 0; i < 5; i++ {
		sendTo(t, c, tr, pk.Pack(packertest.RandomData()))
	}
	require.Eventually(t, func() bool { return len(rec.Receives())+int(tr.Dropped()) == 5 }, wait, 5*time.Millisecond)
	assert.GreaterOrEqual(t, tr.Dropped(), uint64(3))
	assert.Empty(t, rec.Errors())
}

func TestSend(t *testing.T) {
	pk := packer.New(nil)
	tr := startTransport(t, Options{Packer: pk})
	c := client(t)

	d := packertest.RandomData()
	peer := neighbor.New(Locator(c.LocalAddr().(*net.UDPAddr)))
	require.NoError(t, tr.Send(context.Background(), d, peer))

	buf := make([]byte, 64*1024)
	_ = c.SetReadDeadline(time.Now().Add(wait))
	n, _, err := c.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, pk.Pack(d), buf[:n])
}

func TestSendErrors(t *testing.T) {
	tr := New(Options{Host: "127.0.0.1"})
	err := tr.Send(context.Background(), packertest.RandomData(), neighbor.New("udp://127.0.0.1:9"))
	require.ErrorIs(t, err, transport.ErrNotRunning)

	startErr := tr.Run(context.Background())
	require.NoError(t, startErr)
	defer tr.Shutdown(context.Background())

	err = tr.Send(context.Background(), packertest.RandomData(), neighbor.New("10.0.0.1"))
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send", te.Op)
}

func TestParseLocator(t *testing.T) {
	host, port, err := ParseLocator("udp://[::1]:14600")
	require.NoError(t, err)
	assert.Equal(t, "::1", host)
	assert.Equal(t, "14600", port)

	_, _, err = ParseLocator("udp://:14600")
	require.Error(t, err)

	a, err := Locate("udp://127.0.0.1:14600")
	require.NoError(t, err)
	assert.Equal(t, "udp://127.0.0.1:14600", Locator(a))
}
