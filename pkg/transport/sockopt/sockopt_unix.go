//go:build !windows

package sockopt

import "golang.org/x/sys/unix"

func (o Options) apply(fd uintptr) error {
	if o.ReadBuffer > 0 {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, o.ReadBuffer); err != nil {
			return err
		}
	}
	if o.WriteBuffer > 0 {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, o.WriteBuffer); err != nil {
			return err
		}
	}
	return nil
}
