// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	SyncAttempts     *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	QueueDepth       *prometheus.GaugeVec
	ItemsEnqueued    prometheus.Counter
	EventsConsumed   prometheus.Counter
	ResultsPublished prometheus.Counter
	FHIRServerUp     prometheus.Gauge
	BreakerState     *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		SyncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhir_sync_attempts_total",
			Help: "Total sync attempts by resource type, operation and outcome",
		}, []string{"resource_type", "operation", "outcome"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhir_sync_duration_seconds",
			Help:    "Time spent delivering one queue item",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"resource_type", "operation"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fhir_sync_queue_depth",
			Help: "Queue items by status",
		}, []string{"status"}),
		ItemsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fhir_sync_items_enqueued_total",
			Help: "Total items enqueued",
		}),
		EventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hms_record_events_consumed_total",
			Help: "Total record-change events consumed",
		}),
		ResultsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fhir_sync_results_published_total",
			Help: "Total sync result events published",
		}),
		FHIRServerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fhir_server_up",
			Help: "Whether the last connection test to the FHIR server succeeded",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.SyncAttempts,
		m.SyncDuration,
		m.QueueDepth,
		m.ItemsEnqueued,
		m.EventsConsumed,
		m.ResultsPublished,
		m.FHIRServerUp,
		m.BreakerState,
	)

	return m
}

// ObserveSync records one delivery attempt. Nil-safe so callers can run
// without metrics in tests.
func (m *Metrics) ObserveSync(resourceType, operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SyncAttempts.WithLabelValues(resourceType, operation, outcome).Inc()
	m.SyncDuration.WithLabelValues(resourceType, operation).Observe(seconds)
}

// SetServerUp records the result of a connection test. Nil-safe.
func (m *Metrics) SetServerUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.FHIRServerUp.Set(1)
	} else {
		m.FHIRServerUp.Set(0)
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
