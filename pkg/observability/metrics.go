package observability

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaygw/pkg/event"
	"relaygw/pkg/gateway"
	"relaygw/pkg/neighbor"
	"relaygw/pkg/packer"
	"relaygw/pkg/transport"
)

const namespace = "relaygw"

// Metrics holds the node's Prometheus collectors.
type Metrics struct {
	reg prometheus.Registerer

	Received   prometheus.Counter
	Forwarded  prometheus.Counter
	Duplicates prometheus.Counter
	Discovered prometheus.Counter
	Errors     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_received_total",
			Help: "Records received from any transport.",
		}),
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_forwarded_total",
			Help: "Records relayed to another neighbor.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_duplicate_total",
			Help: "Received records dropped by the relay as already seen.",
		}),
		Discovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "neighbors_discovered_total",
			Help: "Neighbors announced by transports.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transport_errors_total",
			Help: "Non-fatal transport faults.",
		}, []string{"transport", "op"}),
	}
	reg.MustRegister(m.Received, m.Forwarded, m.Duplicates, m.Discovered, m.Errors)
	return m
}

// Observe counts gw's events and exports its neighbor count. Call it once per
// gateway.
func (m *Metrics) Observe(gw *gateway.Gateway) event.Group {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "neighbors",
		Help: "Neighbors currently known to the gateway.",
	}, func() float64 { return float64(len(gw.Neighbors())) }))

	return event.Group{
		gw.SubscribeReceive(func(gateway.Receive) { m.Received.Inc() }),
		gw.SubscribeNeighbor(func(neighbor.Neighbor) { m.Discovered.Inc() }),
		gw.SubscribeError(func(err error) { m.Errors.WithLabelValues(errorLabels(err)...).Inc() }),
	}
}

func errorLabels(err error) []string {
	kind, op := "unknown", "unknown"
	var te *transport.Error
	if errors.As(err, &te) {
		kind, op = te.Kind.String(), te.Op
	} else if errors.Is(err, packer.ErrDecode) {
		op = "decode"
	}
	return []string{kind, op}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
