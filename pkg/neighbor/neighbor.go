// Package neighbor models the remote endpoints a gateway exchanges records with.
//
// A neighbor is identified by its address. Stream peers use a bare host
// ("10.0.0.2", "fe80::1"), datagram and QUIC peers use scheme://host:port
// locators ("udp://10.0.0.2:14600").
package neighbor

import (
	"net"
	"net/url"
	"strings"
)

// Neighbor is a remote endpoint. Implementations must be immutable.
type Neighbor interface {
	Address() string
	// CanSend reports whether the gateway may send to this neighbor.
	CanSend() bool
	// CanReceive reports whether the gateway accepts records from this neighbor.
	CanReceive() bool
	// Match reports whether address designates this neighbor.
	Match(address string) bool
}

// Base is the default Neighbor: both directions allowed, exact address match.
type Base struct {
	addr       string
	canSend    bool
	canReceive bool
}

func New(address string) Base {
	return Base{addr: address, canSend: true, canReceive: true}
}

func (b Base) Address() string           { return b.addr }
func (b Base) CanSend() bool             { return b.canSend }
func (b Base) CanReceive() bool          { return b.canReceive }
func (b Base) Match(address string) bool { return b.addr == address }
func (b Base) String() string            { return b.addr }

// WithCapabilities returns a copy of b with the given direction flags.
func (b Base) WithCapabilities(canSend, canReceive bool) Base {
	b.canSend, b.canReceive = canSend, canReceive
	return b
}

// Host matches its locator exactly, or any address naming the same host
// regardless of port.
type Host struct {
	Base
	host string
}

func NewHost(locator string) Host {
	return Host{Base: New(locator), host: HostOf(locator)}
}

func (h Host) Match(address string) bool {
	if h.Base.Match(address) {
		return true
	}
	return h.host != "" && HostOf(address) == h.host
}

// Prefix matches any address starting with its prefix, plus its own address.
type Prefix struct {
	Base
	prefix string
}

func NewPrefix(address, prefix string) Prefix {
	return Prefix{Base: New(address), prefix: prefix}
}

func (p Prefix) Match(address string) bool {
	return p.Base.Match(address) || (p.prefix != "" && strings.HasPrefix(address, p.prefix))
}

// HostOf extracts the canonical host from a locator, host:port pair or bare
// host. IPv6 brackets and zones are removed and IPv4-mapped IPv6 addresses are
// reduced to IPv4. It returns "" when nothing host-like can be found.
func HostOf(address string) string {
	s := strings.TrimSpace(address)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		return CanonicalHost(u.Hostname())
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return CanonicalHost(h)
	}
	return CanonicalHost(s)
}

// CanonicalHost normalizes a host string as found in a socket address.
func CanonicalHost(host string) string {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return host
}

// Scheme returns the lower-cased scheme of a locator, or "" for bare hosts.
func Scheme(address string) string {
	i := strings.Index(address, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(address[:i])
}
