// Package metrics provides Prometheus metrics for the tunnel engines.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tcpovericmp"
)

// Direction labels for byte counters.
const (
	DirectionUpstream   = "upstream"   // local app / client -> target
	DirectionDownstream = "downstream" // target -> client / local app
)

// Drop reasons.
const (
	DropTruncated     = "truncated"
	DropInvalidKind   = "invalid_kind"
	DropChecksum      = "checksum"
	DropReserved      = "reserved"
	DropForeign       = "foreign"
	DropNoSession     = "no_session"
	DropStale         = "stale"
	DropConnectFailed = "connect_failed"
	DropBackendClosed = "backend_closed"
	DropOverflow      = "overflow"
)

// Metrics contains all Prometheus metrics for one tunnel process.
type Metrics struct {
	// Client sessions
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionsClosed *prometheus.CounterVec

	// Server backends
	BackendsActive         prometheus.Gauge
	BackendsOpened         prometheus.Counter
	BackendsClosed         *prometheus.CounterVec
	BackendConnectFailures prometheus.Counter
	BackendConnectLatency  prometheus.Histogram

	// Frames
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec

	// Payload bytes
	BytesTunneled *prometheus.CounterVec

	registry prometheus.Gatherer
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide instance registered with the default
// Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
		defaultMetrics.registry = prometheus.DefaultGatherer
	})
	return defaultMetrics
}

// NewIsolated returns metrics registered with a fresh private registry.
// Engines use it when no Metrics is supplied, and tests use it to avoid
// duplicate registration.
func NewIsolated() *Metrics {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	m.registry = reg
	return m
}

// NewMetricsWithRegistry creates a Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of client sessions currently relaying",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total client sessions accepted",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Client sessions closed by reason",
		}, []string{"reason"}),

		BackendsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backends_active",
			Help:      "Number of open backend connections on the server",
		}),
		BackendsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backends_opened_total",
			Help:      "Total backend connections opened",
		}),
		BackendsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backends_closed_total",
			Help:      "Backend connections closed by reason",
		}, []string{"reason"}),
		BackendConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_connect_failures_total",
			Help:      "Backend dials that failed or were refused by limits",
		}),
		BackendConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_connect_latency_seconds",
			Help:      "Histogram of backend TCP connect latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the ICMP socket by kind and code",
		}, []string{"kind", "code"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames accepted from the ICMP socket by kind and code",
		}, []string{"kind", "code"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound datagrams dropped by reason",
		}, []string{"reason"}),

		BytesTunneled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_tunneled_total",
			Help:      "Payload bytes relayed by direction",
		}, []string{"direction"}),
	}

	return m
}

// Gatherer returns the registry the metrics were registered with, or nil
// when they were created with an external Registerer.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// OrIsolated returns m, or a fresh isolated instance when m is nil.
func OrIsolated(m *Metrics) *Metrics {
	if m == nil {
		return NewIsolated()
	}
	return m
}

// RecordSessionOpen records an accepted client session.
func (m *Metrics) RecordSessionOpen() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionClose records a client session ending.
func (m *Metrics) RecordSessionClose(reason string) {
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// RecordBackendOpen records a successful backend dial.
func (m *Metrics) RecordBackendOpen(latencySeconds float64) {
	m.BackendsActive.Inc()
	m.BackendsOpened.Inc()
	m.BackendConnectLatency.Observe(latencySeconds)
}

// RecordBackendClose records a backend connection leaving the table.
func (m *Metrics) RecordBackendClose(reason string) {
	m.BackendsActive.Dec()
	m.BackendsClosed.WithLabelValues(reason).Inc()
}

// RecordConnectFailure records a failed or refused backend dial.
func (m *Metrics) RecordConnectFailure() {
	m.BackendConnectFailures.Inc()
}

// RecordFrameSent records a frame written to the ICMP socket.
func (m *Metrics) RecordFrameSent(kind, code string) {
	m.FramesSent.WithLabelValues(kind, code).Inc()
}

// RecordFrameReceived records an accepted inbound frame.
func (m *Metrics) RecordFrameReceived(kind, code string) {
	m.FramesReceived.WithLabelValues(kind, code).Inc()
}

// RecordDrop records a dropped inbound datagram.
func (m *Metrics) RecordDrop(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordBytes records relayed payload bytes.
func (m *Metrics) RecordBytes(direction string, n int) {
	if n <= 0 {
		return
	}
	m.BytesTunneled.WithLabelValues(direction).Add(float64(n))
}
