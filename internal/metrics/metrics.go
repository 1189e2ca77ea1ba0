// Package metrics exposes scheduler and engine counters in the Prometheus
// text format. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricPath is where the health-check server mounts Handler.
const MetricPath = "/metrics"

const namespace = "seqflow"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsCreated   *prometheus.CounterVec
	jobsSkipped   *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	submissions   *prometheus.CounterVec
	finished      *prometheus.CounterVec
	inFlight      prometheus.Gauge
}

// New builds the collectors. With runtime set, the Go and process
// collectors are registered too.
func New(runtime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "jobs_created_total",
			Help: "Job records created, by workflow.",
		}, []string{"workflow"}),
		jobsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "jobs_skipped_total",
			Help: "Candidate jobs skipped, by reason.",
		}, []string{"reason"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "cycle_duration_seconds",
			Help:    "Wall time of one scheduling cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "submissions_total",
			Help: "Backend submissions, by backend.",
		}, []string{"backend"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "jobs_finished_total",
			Help: "Jobs reaching a terminal state, by status.",
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "jobs_in_flight",
			Help: "Jobs tracked and not yet done.",
		}),
	}
	m.registry.MustRegister(m.jobsCreated, m.jobsSkipped, m.cycleDuration, m.submissions, m.finished, m.inFlight)
	if runtime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobCreated(workflow string) {
	if m != nil {
		m.jobsCreated.WithLabelValues(workflow).Inc()
	}
}

func (m *Metrics) JobSkipped(reason string) {
	if m != nil {
		m.jobsSkipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m != nil {
		m.cycleDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) Submitted(backend string) {
	if m != nil {
		m.submissions.WithLabelValues(backend).Inc()
	}
}

func (m *Metrics) Finished(status string) {
	if m != nil {
		m.finished.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) SetInFlight(n int) {
	if m != nil {
		m.inFlight.Set(float64(n))
	}
}
