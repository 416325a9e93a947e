// ABOUTME: Prometheus collectors for import jobs, batches, and conflicts
// ABOUTME: Registered on a caller-supplied registry and served by Handler
// Package metrics provides Prometheus metrics for contact sync.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the sync metrics. A nil Recorder records nothing.
type Recorder struct {
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobsInFlight    prometheus.Gauge
	recordsTotal    *prometheus.CounterVec
	batchDuration   *prometheus.HistogramVec
	fetchRetries    *prometheus.CounterVec
	conflictsTotal  *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
}

// New registers the sync metrics with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		jobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pmcrm",
				Subsystem: "sync",
				Name:      "jobs_total",
				Help:      "Total number of import and sync jobs by final status",
			},
			[]string{"provider", "status"},
		),
		jobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pmcrm",
				Subsystem: "sync",
				Name:      "job_duration_seconds",
				Help:      "Duration of import and sync jobs in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider"},
		),
		jobsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pmcrm",
				Subsystem: "sync",
				Name:      "jobs_in_flight",
				Help:      "Number of jobs currently processing",
			},
		),
		recordsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pmcrm",
				Subsystem: "sync",
				Name:      "records_total",
				Help:      "Total number of records processed by outcome",
			},
			[]string{"provider", "outcome"},
		),
		batchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pmcrm",
				Subsystem: "sync",
				Name:      "batch_duration_seconds",
				Help:      "Duration of batch transactions in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"provider"},
		),
		fetchRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pmcrm",
				Subsystem: "directory",
				Name:      "fetch_retries_total",
				Help:      "Total number of retried directory fetches by reason",
			},
			[]string{"provider", "reason"},
		),
		conflictsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pmcrm",
				Subsystem: "sync",
				Name:      "conflicts_total",
				Help:      "Total number of field conflicts by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		eventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pmcrm",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total number of post-import events published",
			},
			[]string{"status"},
		),
	}
}

// JobStarted marks a job as in flight.
func (r *Recorder) JobStarted() {
	if r == nil {
		return
	}
	r.jobsInFlight.Inc()
}

// JobFinished records a job's final status and duration.
func (r *Recorder) JobFinished(provider, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.jobsInFlight.Dec()
	r.jobsTotal.WithLabelValues(provider, status).Inc()
	r.jobDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// Records adds n processed records with the given outcome.
func (r *Recorder) Records(provider, outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.recordsTotal.WithLabelValues(provider, outcome).Add(float64(n))
}

// BatchCommitted observes one batch transaction.
func (r *Recorder) BatchCommitted(provider string, d time.Duration) {
	if r == nil {
		return
	}
	r.batchDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// FetchRetry counts one retried fetch.
func (r *Recorder) FetchRetry(provider, reason string) {
	if r == nil {
		return
	}
	r.fetchRetries.WithLabelValues(provider, reason).Inc()
}

// Conflicts counts n conflicts with the given outcome.
func (r *Recorder) Conflicts(strategy, outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.conflictsTotal.WithLabelValues(strategy, outcome).Add(float64(n))
}

// EventPublished counts one post-import event.
func (r *Recorder) EventPublished(status string) {
	if r == nil {
		return
	}
	r.eventsPublished.WithLabelValues(status).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
