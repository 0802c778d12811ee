package mem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygw/pkg/neighbor"
	"relaygw/pkg/packer/packertest"
	"relaygw/pkg/transport"
	"relaygw/pkg/transport/transporttest"
)

const wait = 2 * time.Second

func pair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	hub := NewHub()
	a := New(Options{Name: "a", Hub: hub})
	b := New(Options{Name: "b", Hub: hub})
	require.NoError(t, a.Run(context.Background()))
	require.NoError(t, b.Run(context.Background()))
	t.Cleanup(func() {
		for _, tr := range []*Transport{a, b} {
			if tr.IsRunning() {
				_ = tr.Shutdown(context.Background())
			}
		}
	})
	return a, b
}

func TestNameTaken(t *testing.T) {
	hub := NewHub()
	a := New(Options{Name: "x", Hub: hub})
	require.NoError(t, a.Run(context.Background()))
	defer a.Shutdown(context.Background())

	err := New(Options{Name: "x", Hub: hub}).Run(context.Background())
	require.ErrorIs(t, err, ErrNameTaken)

	require.Error(t, New(Options{Hub: hub}).Run(context.Background()))
}

func TestSupports(t *testing.T) {
	tr := New(Options{Name: "a"})
	assert.True(t, tr.Supports(neighbor.New("mem://b")))
	assert.False(t, tr.Supports(neighbor.New("mem://")))
	assert.False(t, tr.Supports(neighbor.New("b")))
	assert.False(t, tr.Supports(neighbor.New("udp://b:1")))
}

func TestSendReceive(t *testing.T) {
	a, b := pair(t)
	recB := transporttest.Record(b)

	d := packertest.RandomData()
	require.NoError(t, a.Send(context.Background(), d, neighbor.New("mem://b")))

	require.Eventually(t, func() bool { return len(recB.Receives()) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, []string{"neighbor", "receive"}, recB.Order())
	got := recB.Receives()[0]
	assert.Equal(t, "mem://a", got.Address)
	assert.Equal(t, "mem://a", got.Neighbor.Address())
	assert.True(t, got.Data.Transaction.Equal(d.Transaction))

	// second record from a known source discovers nothing new
	require.NoError(t, a.Send(context.Background(), d, neighbor.New("mem://b")))
	require.Eventually(t, func() bool { return len(recB.Receives()) == 2 }, wait, 5*time.Millisecond)
	assert.Len(t, recB.Neighbors(), 1)
}

func TestSendErrors(t *testing.T) {
	a, b := pair(t)
	err := a.Send(context.Background(), packertest.RandomData(), neighbor.New("mem://nobody"))
	require.ErrorIs(t, err, transport.ErrNotConnected)

	require.NoError(t, b.Shutdown(context.Background()))
	err = a.Send(context.Background(), packertest.RandomData(), neighbor.New("mem://b"))
	require.ErrorIs(t, err, transport.ErrNotConnected)

	require.NoError(t, a.Shutdown(context.Background()))
	err = a.Send(context.Background(), packertest.RandomData(), neighbor.New("mem://b"))
	require.ErrorIs(t, err, transport.ErrNotRunning)
}

func TestSendBlocksOnFullInbox(t *testing.T) {
	hub := NewHub()
	a := New(Options{Name: "a", Hub: hub})
	b := New(Options{Name: "b", Hub: hub, Inbox: 1})
	require.NoError(t, a.Run(context.Background()))
	require.NoError(t, b.Run(context.Background()))
	defer a.Shutdown(context.Background())
	defer b.Shutdown(context.Background())

	release := make(chan struct{})
	b.SubscribeReceive(func(transport.Receive) { <-release })

	to := neighbor.New("mem://b")
	require.NoError(t, a.Send(context.Background(), packertest.RandomData(), to))
	require.NoError(t, a.Send(context.Background(), packertest.RandomData(), to))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = a.Send(ctx, packertest.RandomData(), to)
	}
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
