package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "order_engine"

// Metrics holds the pipeline collectors. A nil *Metrics is a no-op so
// components can run without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	OrdersSubmitted  prometheus.Counter
	Transitions      *prometheus.CounterVec
	JobsCompleted    prometheus.Counter
	JobsFailed       *prometheus.CounterVec
	JobsRetried      prometheus.Counter
	JobDuration      prometheus.Histogram
	VenueSelected    *prometheus.CounterVec
	ObserversActive  prometheus.Gauge
	VenuesConfigured prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_submitted_total",
			Help: "Valid orders accepted and queued.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_transitions_total",
			Help: "Persisted order state transitions by target status.",
		}, []string{"status"}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_completed_total",
			Help: "Jobs that finished successfully.",
		}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_failed_total",
			Help: "Failed job attempts by failure kind and finality.",
		}, []string{"kind", "final"}),
		JobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_retried_total",
			Help: "Failed attempts scheduled for retry.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Wall time of one job attempt.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}),
		VenueSelected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "venue_selected_total",
			Help: "Routing decisions by winning venue.",
		}, []string{"venue"}),
		ObserversActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "observers_active",
			Help: "Connected update observers.",
		}),
		VenuesConfigured: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "venues_configured",
			Help: "Venues available to the router.",
		}),
	}
	m.registry.MustRegister(
		m.OrdersSubmitted, m.Transitions, m.JobsCompleted, m.JobsFailed,
		m.JobsRetried, m.JobDuration, m.VenueSelected, m.ObserversActive,
		m.VenuesConfigured,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Submitted() {
	if m != nil {
		m.OrdersSubmitted.Inc()
	}
}

func (m *Metrics) Transition(status string) {
	if m != nil {
		m.Transitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Venue(name string) {
	if m != nil {
		m.VenueSelected.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) JobDone(start time.Time) {
	if m != nil {
		m.JobsCompleted.Inc()
		m.JobDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) JobFailed(start time.Time, kind string, retry bool) {
	if m == nil {
		return
	}
	final := "true"
	if retry {
		final = "false"
		m.JobsRetried.Inc()
	}
	m.JobsFailed.WithLabelValues(kind, final).Inc()
	m.JobDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserverAttached() {
	if m != nil {
		m.ObserversActive.Inc()
	}
}

func (m *Metrics) ObserverDetached() {
	if m != nil {
		m.ObserversActive.Dec()
	}
}

func (m *Metrics) Venues(n int) {
	if m != nil {
		m.VenuesConfigured.Set(float64(n))
	}
}
