package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/sharepool/sharepool/internal/jobs"
)

// Metrics collects the Prometheus metrics of the service.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	mirrorOutcomes  *prometheus.CounterVec
	syncsTotal      *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	propagated      *prometheus.CounterVec
	propagationRuns *prometheus.CounterVec
	jobs            *jobmetrics.Metrics
}

// NewMetrics initialises the registry with HTTP, domain and job collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharepool_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sharepool_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	mirror := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharepool_mirror_entries_total",
		Help: "Personal ledger mirror outcomes per synced allocation.",
	}, []string{"outcome"})
	syncs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharepool_period_syncs_total",
		Help: "Committed period syncs, split by whether fallback percentages were applied.",
	}, []string{"fallback"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharepool_tx_retries_total",
		Help: "Transaction retries after a concurrent write conflict.",
	}, []string{"op"})
	propagated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharepool_propagation_periods_total",
		Help: "Periods handled by monthly propagation.",
	}, []string{"outcome"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sharepool_propagation_runs_total",
		Help: "Propagation batches by resulting state.",
	}, []string{"state"})
	registry.MustRegister(requests, duration, mirror, syncs, retries, propagated, runs)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		mirrorOutcomes:  mirror,
		syncsTotal:      syncs,
		retriesTotal:    retries,
		propagated:      propagated,
		propagationRuns: runs,
		jobs:            jobmetrics.NewMetrics(registry),
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records every HTTP request.
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

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Jobs returns the background job collectors.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// RecordSync counts one committed period sync.
func (m *Metrics) RecordSync(fallback bool, created, updated, skipped, failed, pruned int) {
	if m == nil {
		return
	}
	m.syncsTotal.WithLabelValues(strconv.FormatBool(fallback)).Inc()
	for outcome, n := range map[string]int{
		"created": created,
		"updated": updated,
		"skipped": skipped,
		"failed":  failed,
		"pruned":  pruned,
	} {
		if n > 0 {
			m.mirrorOutcomes.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

// RecordRetry counts one retried transaction.
func (m *Metrics) RecordRetry(op string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(op).Inc()
}

// RecordPropagation counts one propagation batch.
func (m *Metrics) RecordPropagation(created, skipped int, done bool) {
	if m == nil {
		return
	}
	if created > 0 {
		m.propagated.WithLabelValues("created").Add(float64(created))
	}
	if skipped > 0 {
		m.propagated.WithLabelValues("skipped").Add(float64(skipped))
	}
	state := "pending"
	if done {
		state = "done"
	}
	m.propagationRuns.WithLabelValues(state).Inc()
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
