// Package transport defines the backend contract used by the gateway and the
// shared pieces every backend builds on.
//
// Key concepts:
// - Transport: owns sockets for the neighbors routed to it and emits receive,
//   neighbor and error events
// - Emitter: typed event feeds embedded by backends
// - Registry: neighbors registered with (or discovered by) one backend
// - Manager: one live connection per derived peer address
// - Lifecycle: Stopped/Running guard for Run and Shutdown
//
// Backends live in subpackages: tcp (fixed-size blocks over a byte stream),
// udp (one packet per datagram), quic (fixed-size blocks over a QUIC stream)
// and mem (in-process, for tests and local wiring).
package transport
