//go:build !windows

package sockopt

import (
	"context"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func sockoptInt(t *testing.T, c syscall.Conn, opt int) int {
	t.Helper()
	rc, err := c.SyscallConn()
	require.NoError(t, err)
	var v int
	var serr error
	require.NoError(t, rc.Control(func(fd uintptr) { v, serr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, opt) }))
	require.NoError(t, serr)
	return v
}

func listenUDP(t *testing.T, o Options) *net.UDPConn {
	t.Helper()
	pc, err := o.ListenConfig().ListenPacket(context.Background(), "udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc.(*net.UDPConn)
}

func TestPacketBuffers(t *testing.T) {
	base := sockoptInt(t, listenUDP(t, Options{}), unix.SO_RCVBUF)

	c := listenUDP(t, Options{ReadBuffer: 4096, WriteBuffer: 4096})
	got := sockoptInt(t, c, unix.SO_RCVBUF)
	assert.NotEqual(t, base, got)
	// Linux reports twice the requested size
	assert.GreaterOrEqual(t, got, 4096)
	assert.LessOrEqual(t, got, 8192)
	assert.GreaterOrEqual(t, sockoptInt(t, c, unix.SO_SNDBUF), 4096)
}

func TestStreamBuffers(t *testing.T) {
	ln, err := Options{ReadBuffer: 4096}.ListenConfig().Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	got := sockoptInt(t, ln.(*net.TCPListener), unix.SO_RCVBUF)
	assert.GreaterOrEqual(t, got, 4096)
	assert.LessOrEqual(t, got, 8192)
}
