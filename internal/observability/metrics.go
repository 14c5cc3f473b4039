package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	decisions        *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	limiterErrors    *prometheus.CounterVec
	auditFallbacks   *prometheus.CounterVec
	auditDropped     prometheus.Counter
}

// NewMetrics menginisialisasi registry, metrik HTTP dan metrik keputusan akses.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authz_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_decisions_total",
		Help: "Jumlah keputusan akses berdasarkan outcome dan sumber (cache atau evaluasi).",
	}, []string{"outcome", "cached"})
	decisionDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "authz_decision_duration_seconds",
		Help:    "Durasi CheckAccess per outcome.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"outcome"})
	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_cache_lookups_total",
		Help: "Hasil lookup decision cache (hit atau miss).",
	}, []string{"result"})
	limiterErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_ratelimit_fail_open_total",
		Help: "Jumlah kegagalan Redis pada rate limiter yang diloloskan (fail open).",
	}, []string{"op"})
	auditFallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_audit_fallbacks_total",
		Help: "Jumlah entri audit yang ditulis langsung ke database, per alasan.",
	}, []string{"reason"})
	auditDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_audit_dropped_total",
		Help: "Jumlah entri audit yang gagal disimpan sama sekali.",
	})
	registry.MustRegister(requests, duration, decisions, decisionDuration, cacheLookups, limiterErrors, auditFallbacks, auditDropped)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		decisions:        decisions,
		decisionDuration: decisionDuration,
		cacheLookups:     cacheLookups,
		limiterErrors:    limiterErrors,
		auditFallbacks:   auditFallbacks,
		auditDropped:     auditDropped,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveDecision mencatat satu keputusan akses.
func (m *Metrics) ObserveDecision(outcome string, cached bool, took time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome, strconv.FormatBool(cached)).Inc()
	m.decisionDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

// CacheLookup mencatat hit atau miss pada decision cache.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RateLimiterFailOpen mencatat kegagalan Redis yang diloloskan oleh rate limiter.
func (m *Metrics) RateLimiterFailOpen(op string) {
	if m == nil {
		return
	}
	m.limiterErrors.WithLabelValues(op).Inc()
}

// AuditFallback mencatat entri audit yang ditulis langsung.
func (m *Metrics) AuditFallback(reason string) {
	if m == nil {
		return
	}
	m.auditFallbacks.WithLabelValues(reason).Inc()
}

// AuditDropped mencatat entri audit yang hilang.
func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
