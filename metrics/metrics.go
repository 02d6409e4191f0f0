// Package metrics exposes relay counters in the Prometheus format.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memento"

// Metrics groups the relay collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	activeConnections  prometheus.Gauge
	connections        *prometheus.CounterVec
	queries            prometheus.Counter
	malformedFrames    prometheus.Counter
	annotationFailures prometheus.Counter
	gatewayLatency     prometheus.Histogram
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently open client connections.",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Closed client connections by reason.",
		}, []string{"reason"}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Query frames answered.",
		}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that could not be parsed.",
		}),
		annotationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "annotation_failures_total",
			Help:      "Queries whose image was forwarded without a marker.",
		}),
		gatewayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_latency_seconds",
			Help:      "Latency of inference gateway calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	m.registry.MustRegister(
		m.activeConnections,
		m.connections,
		m.queries,
		m.malformedFrames,
		m.annotationFailures,
		m.gatewayLatency,
	)
	return m
}

// Handler serves the registry for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

// ConnectionClosed records a close; reason is "disconnect", "closed" or "error"
func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
	m.connections.WithLabelValues(reason).Inc()
}

func (m *Metrics) QueryAnswered() {
	if m == nil {
		return
	}
	m.queries.Inc()
}

func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Metrics) AnnotationFailed() {
	if m == nil {
		return
	}
	m.annotationFailures.Inc()
}

func (m *Metrics) ObserveGateway(d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayLatency.Observe(d.Seconds())
}
