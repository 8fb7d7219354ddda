package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

// Outcomes of a run submission, used as the outcome label and span attribute.
const (
	outcomeAccepted      = "accepted"
	outcomeInvalid       = "invalid"
	outcomeSourceRefused = "source_refused"
	outcomeSourceMissing = "source_missing"
	outcomeStoreFailed   = "store_failed"
	outcomeEnqueueFailed = "enqueue_failed"
	outcomeRateLimited   = "rate_limited"
)

// Results of a run status lookup.
const (
	lookupFound    = "found"
	lookupNotFound = "not_found"
	lookupInvalid  = "invalid_id"
	lookupFailed   = "failed"
)

type metrics struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	runSubmissions  *prometheus.CounterVec
	runLookups      *prometheus.CounterVec
	runsEnqueued    *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metricflow_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		runSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metricflow_api_run_submissions_total",
			Help: "Run submissions by outcome.",
		}, []string{"outcome"}),
		runLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metricflow_api_run_lookups_total",
			Help: "Run status lookups by result.",
		}, []string{"result"}),
		runsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metricflow_api_runs_enqueued_total",
			Help: "Runs handed to the worker queue.",
		}, []string{"queue"}),
	}
	registry.MustRegister(
		m.requestDuration,
		m.runSubmissions,
		m.runLookups,
		m.runsEnqueued,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		m.requestDuration.
			WithLabelValues(r.Method, routeLabel(r.URL.Path), strconv.Itoa(recorder.status)).
			Observe(time.Since(start).Seconds())
	})
}

// recordSubmission counts a run submission and tags the request span with
// its outcome.
func (s *Server) recordSubmission(ctx context.Context, outcome string) {
	s.metrics.runSubmissions.WithLabelValues(outcome).Inc()
	trace.SpanFromContext(ctx).SetAttributes(attrRunOutcome.String(outcome))
}

func (s *Server) recordLookup(result string) {
	s.metrics.runLookups.WithLabelValues(result).Inc()
}

func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/runs/"):
		return "/v1/runs/{id}"
	case strings.HasPrefix(path, "/v1/runs"):
		return "/v1/runs"
	case strings.HasPrefix(path, "/healthz"):
		return "/healthz"
	case strings.HasPrefix(path, "/metrics"):
		return "/metrics"
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
