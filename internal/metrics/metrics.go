// Package metrics provides Prometheus metrics for hybridwire.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "hybridwire"
)

// Handshake results.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultTimeout  = "timeout"
	ResultError    = "error"
)

// Relay directions.
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

// Metrics holds the collectors for one node. All Record methods are safe to
// call on a nil *Metrics.
type Metrics struct {
	// Connections
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec

	// Handshake
	Handshakes       *prometheus.CounterVec
	HandshakeLatency *prometheus.HistogramVec
	AuthFailures     *prometheus.CounterVec

	// Frames
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	// Inbound queue
	InboundQueueDepth prometheus.Gauge
	InboundDropped    prometheus.Counter

	// Relay
	RelaysActive prometheus.Gauge
	RelayBytes   *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the instance registered with the default registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates and registers all collectors with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open connections",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections opened by role",
		}, []string{"role"}),

		Handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed handshakes by role and result",
		}, []string{"role", "result"}),
		HandshakeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from connect to established",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"role"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected authentication attempts by provider",
		}, []string{"provider"}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written by message type",
		}, []string{"type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read by message type",
		}, []string{"type"}),

		InboundQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbound_queue_depth",
			Help:      "Payloads waiting in the inbound queue",
		}),
		InboundDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Payloads discarded because the registry was closed",
		}),

		RelaysActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_active",
			Help:      "Number of active proxy relays",
		}),
		RelayBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes spliced by proxy relays",
		}, []string{"direction"}),
	}
}

// RecordConnectionOpen records a new connection for role.
func (m *Metrics) RecordConnectionOpen(role string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.WithLabelValues(role).Inc()
}

// RecordConnectionClose records a connection being closed.
func (m *Metrics) RecordConnectionClose() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// RecordHandshake records a finished handshake. Latency is only observed
// for successful ones.
func (m *Metrics) RecordHandshake(role, result string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(role, result).Inc()
	if result == ResultOK {
		m.HandshakeLatency.WithLabelValues(role).Observe(latencySeconds)
	}
}

// RecordAuthFailure records a rejected authentication.
func (m *Metrics) RecordAuthFailure(provider string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(provider).Inc()
}

// RecordFrameSent records a frame being written.
func (m *Metrics) RecordFrameSent(msgType string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(msgType).Inc()
}

// RecordFrameReceived records a frame being read.
func (m *Metrics) RecordFrameReceived(msgType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(msgType).Inc()
}

// SetInboundQueueDepth sets the inbound queue gauge.
func (m *Metrics) SetInboundQueueDepth(n int) {
	if m == nil {
		return
	}
	m.InboundQueueDepth.Set(float64(n))
}

// RecordInboundDropped records a payload that could not be queued.
func (m *Metrics) RecordInboundDropped() {
	if m == nil {
		return
	}
	m.InboundDropped.Inc()
}

// RecordRelayStart records a relay being started.
func (m *Metrics) RecordRelayStart() {
	if m == nil {
		return
	}
	m.RelaysActive.Inc()
}

// RecordRelayEnd records a finished relay and the bytes it moved.
func (m *Metrics) RecordRelayEnd(upstream, downstream int64) {
	if m == nil {
		return
	}
	m.RelaysActive.Dec()
	m.RelayBytes.WithLabelValues(DirectionUpstream).Add(float64(upstream))
	m.RelayBytes.WithLabelValues(DirectionDownstream).Add(float64(downstream))
}
