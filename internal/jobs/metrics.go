package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	viewRefreshes *prometheus.CounterVec
	auditBatch    prometheus.Histogram
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ViewRefreshed counts one refresh attempt of a materialized view.
func (m *Metrics) ViewRefreshed(view string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.viewRefreshes.WithLabelValues(view, status).Inc()
}

// ObserveAuditBatch records the size of a written audit batch.
func (m *Metrics) ObserveAuditBatch(size int) {
	if m == nil || size <= 0 {
		return
	}
	m.auditBatch.Observe(float64(size))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authz_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	viewRefreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_view_refreshes_total",
		Help: "Materialized view refreshes grouped by view and status.",
	}, []string{"view", "status"})
	auditBatch := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "authz_audit_batch_size",
		Help:    "Number of entries written per audit batch.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
	})
	registerer.MustRegister(runs, failures, duration, viewRefreshes, auditBatch)
	return &Metrics{runs: runs, failures: failures, duration: duration, viewRefreshes: viewRefreshes, auditBatch: auditBatch}
}
