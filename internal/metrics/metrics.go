// Package metrics exposes the observer's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the observer's Prometheus collectors. A single instance
// is shared by the HTTP layer and the processing pipeline.
type Metrics struct {
	registry *prometheus.Registry

	EventsAccepted  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	EventsProcessed *prometheus.CounterVec
	EventsSpilled   prometheus.Counter
	QueueDepth      prometheus.Gauge
	StageLatency    *prometheus.HistogramVec
	Classifications *prometheus.CounterVec
	DriftSignals    *prometheus.CounterVec
}

// New creates and registers the observer's collectors on a private
// registry, keeping test instances isolated from each other.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		EventsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crossbridge_events_accepted_total",
			Help: "Events accepted by the ingest service, by framework and type.",
		}, []string{"framework", "event_type"}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crossbridge_events_rejected_total",
			Help: "Events rejected at ingress, by reason.",
		}, []string{"reason"}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crossbridge_events_processed_total",
			Help: "Events fully processed by the pipeline, by framework.",
		}, []string{"framework"}),
		EventsSpilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossbridge_events_spilled_total",
			Help: "Events dead-lettered to the local spill log.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crossbridge_queue_depth",
			Help: "Current depth of the bounded processing queue.",
		}),
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crossbridge_stage_latency_seconds",
			Help:    "Per-stage processing latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crossbridge_classifications_total",
			Help: "Classifications produced, by category.",
		}, []string{"category"}),
		DriftSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crossbridge_drift_signals_total",
			Help: "Drift signals emitted, by type and severity.",
		}, []string{"type", "severity"}),
	}

	registry.MustRegister(
		m.EventsAccepted,
		m.EventsRejected,
		m.EventsProcessed,
		m.EventsSpilled,
		m.QueueDepth,
		m.StageLatency,
		m.Classifications,
		m.DriftSignals,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
