// Package netstack builds the transports and neighbors a node runs with from
// its configuration.
package netstack

import (
	"fmt"

	"relaygw/pkg/config"
	"relaygw/pkg/packer"
	"relaygw/pkg/transport"
	"relaygw/pkg/transport/mem"
	"relaygw/pkg/transport/sockopt"
	tquic "relaygw/pkg/transport/quic"
	ttcp "relaygw/pkg/transport/tcp"
	"relaygw/pkg/transport/udp"
)

// NewByKind constructs the transport tc describes. All transports share pk.
func NewByKind(tc config.TransportConfig, pk *packer.Packer) (transport.Transport, error) {
	switch transport.ParseKind(tc.Kind) {
	case transport.KindTCP:
		return ttcp.New(ttcp.Options{
			Host:    tc.Host,
			Port:    tc.Port,
			Packer:  pk,
			Sockets: sockopt.Options{ReadBuffer: tc.ReadBuffer, WriteBuffer: tc.WriteBuffer},
		}), nil
	case transport.KindUDP:
		return udp.New(udp.Options{
			Host:             tc.Host,
			Port:             tc.Port,
			Packer:           pk,
			MaxPacketsPerSec: tc.MaxPacketsPerSec,
			Burst:            tc.Burst,
			Sockets:          sockopt.Options{ReadBuffer: tc.ReadBuffer, WriteBuffer: tc.WriteBuffer},
		}), nil
	case transport.KindQUIC:
		return tquic.New(tquic.Options{Host: tc.Host, Port: tc.Port, Packer: pk}), nil
	case transport.KindMem:
		if tc.Name == "" {
			return nil, fmt.Errorf("mem transport needs a name")
		}
		return mem.New(mem.Options{Name: tc.Name, Packer: pk}), nil
	default:
		return nil, ErrUnknownKind(tc.Kind)
	}
}

// Transports builds every configured transport in order.
func Transports(cfg []config.TransportConfig, pk *packer.Packer) ([]transport.Transport, error) {
	out := make([]transport.Transport, 0, len(cfg))
	for i, tc := range cfg {
		t, err := NewByKind(tc, pk)
		if err != nil {
			return nil, fmt.Errorf("transports[%d]: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// ErrUnknownKind is returned for transport kinds no backend implements.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }
