// Package sockopt applies the socket options shared by the network backends.
package sockopt

import (
	"net"
	"syscall"
)

// Options sizes the kernel buffers of a listening socket. Zero keeps the
// system default. On Linux, connections accepted from a stream listener
// inherit its buffer sizes.
type Options struct {
	ReadBuffer  int
	WriteBuffer int
}

// ListenConfig returns a net.ListenConfig that applies o before bind. It serves
// both Listen and ListenPacket.
func (o Options) ListenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: o.control}
}

func (o Options) control(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) { serr = o.apply(fd) })
	if err != nil {
		return err
	}
	return serr
}
