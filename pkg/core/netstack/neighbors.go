package netstack

import (
	"relaygw/pkg/config"
	"relaygw/pkg/neighbor"
)

// Neighbors converts configured neighbors. Capability flags left unset allow
// both directions.
func Neighbors(cfg []config.NeighborConfig) []neighbor.Neighbor {
	out := make([]neighbor.Neighbor, 0, len(cfg))
	for _, nc := range cfg {
		canSend, canReceive := allowed(nc.CanSend), allowed(nc.CanReceive)
		switch nc.Match {
		case "host":
			n := neighbor.NewHost(nc.Address)
			n.Base = n.Base.WithCapabilities(canSend, canReceive)
			out = append(out, n)
		case "prefix":
			n := neighbor.NewPrefix(nc.Address, nc.Prefix)
			n.Base = n.Base.WithCapabilities(canSend, canReceive)
			out = append(out, n)
		default:
			out = append(out, neighbor.New(nc.Address).WithCapabilities(canSend, canReceive))
		}
	}
	return out
}

func allowed(p *bool) bool { return p == nil || *p }
