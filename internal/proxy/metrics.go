package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components never need to check for it.
type Metrics struct {
	ConnectionsTotal  *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	UpstreamFailures  *prometheus.CounterVec
	RelayBytesTotal   prometheus.Counter
	InstanceFailures  prometheus.Counter
}

// NewMetrics creates and registers all engine metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sproxy2",
				Name:      "connections_total",
				Help:      "Accepted client connections",
			},
			[]string{"proto"},
		),
		ActiveConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sproxy2",
				Name:      "active_connections",
				Help:      "Client connections currently open",
			},
		),
		UpstreamFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sproxy2",
				Name:      "upstream_failures_total",
				Help:      "Upstream connect failures answered with a protocol failure reply",
			},
			[]string{"proto"},
		),
		RelayBytesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "sproxy2",
				Name:      "relay_bytes_total",
				Help:      "Bytes moved through the bidirectional relay",
			},
		),
		InstanceFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "sproxy2",
				Name:      "instance_failures_total",
				Help:      "Instances that transitioned to the failed state",
			},
		),
	}
}

func (m *Metrics) connOpened(proto string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(proto).Inc()
	m.ActiveConnections.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) upstreamFailure(proto string) {
	if m == nil {
		return
	}
	m.UpstreamFailures.WithLabelValues(proto).Inc()
}

func (m *Metrics) relayBytes(n int64) {
	if m == nil {
		return
	}
	m.RelayBytesTotal.Add(float64(n))
}

func (m *Metrics) instanceFailed() {
	if m == nil {
		return
	}
	m.InstanceFailures.Inc()
}
