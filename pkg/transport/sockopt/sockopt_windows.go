//go:build windows

package sockopt

import "golang.org/x/sys/windows"

// x/sys/windows does not export SO_EXCLUSIVEADDRUSE.
const soExclusiveAddrUse = ^windows.SO_REUSEADDR

// apply also claims the port exclusively; without it another process binding
// with SO_REUSEADDR could take over the backend's port.
func (o Options) apply(fd uintptr) error {
	h := windows.Handle(fd)
	if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, soExclusiveAddrUse, 1); err != nil {
		return err
	}
	if o.ReadBuffer > 0 {
		if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, o.ReadBuffer); err != nil {
			return err
		}
	}
	if o.WriteBuffer > 0 {
		if err := windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_SNDBUF, o.WriteBuffer); err != nil {
			return err
		}
	}
	return nil
}
