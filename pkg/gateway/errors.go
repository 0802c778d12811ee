package gateway

import "errors"

// Gateway calls fail with one of these, wrapped with detail. Transport faults
// keep their own types (transport.Error, packer.ErrDecode).
var (
	// ErrConfiguration: no transports, or no transport supports a neighbor.
	ErrConfiguration = errors.New("gateway: configuration error")
	// ErrLifecycle: Run while running, Shutdown or Send while stopped.
	ErrLifecycle = errors.New("gateway: lifecycle error")
	// ErrRouting: unknown neighbor or address, or a duplicate neighbor.
	ErrRouting = errors.New("gateway: routing error")
)
