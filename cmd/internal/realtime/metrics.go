package realtime

import (
	"log/slog"

	"pinlock/cmd/internal/claim"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	accepted prometheus.Counter
	rejected *prometheus.CounterVec
	inbound  *prometheus.CounterVec
	closed   *prometheus.CounterVec
}

// NewMetrics builds the gateway collectors and registers them on reg (when non-nil),
// including a gauge of live connections read from hub.
func NewMetrics(log *slog.Logger, reg prometheus.Registerer, hub *Hub) *Metrics {
	if log == nil {
		log = slog.Default()
	}

	m := &Metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinlock",
			Name:      "ws_accepted_total",
			Help:      "Websocket connections accepted.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinlock",
			Name:      "ws_rejected_total",
			Help:      "Websocket handshakes rejected, by reason.",
		}, []string{"reason"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinlock",
			Name:      "ws_inbound_total",
			Help:      "Inbound envelopes by type.",
		}, []string{"type"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinlock",
			Name:      "ws_closed_total",
			Help:      "Closed connections by reason.",
		}, []string{"reason"}),
	}

	if reg == nil {
		return m
	}
	m.accepted = claim.RegisterCollector(log, reg, m.accepted)
	m.rejected = claim.RegisterCollector(log, reg, m.rejected)
	m.inbound = claim.RegisterCollector(log, reg, m.inbound)
	m.closed = claim.RegisterCollector(log, reg, m.closed)
	if hub != nil {
		claim.RegisterCollector(log, reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "pinlock",
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}, func() float64 { return float64(hub.Len()) }))
	}
	return m
}

func (m *Metrics) accept() {
	if m == nil {
		return
	}
	m.accepted.Inc()
}

func (m *Metrics) reject(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) in(typ string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(typ).Inc()
}

func (m *Metrics) close(reason string) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(reason).Inc()
}
