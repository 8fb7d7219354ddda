package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Pipeline holds the run, stage, and volume metrics of the orchestrator.
type Pipeline struct {
	registry       *prometheus.Registry
	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	stageDuration  *prometheus.HistogramVec
	activeRuns     prometheus.Gauge
	rowsIngested   prometheus.Counter
	uniqueUsers    prometheus.Gauge
	cellsPublished prometheus.Counter
}

func NewPipeline() *Pipeline {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Pipeline{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metricflow_pipeline_runs_total",
			Help: "Total pipeline runs by final status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metricflow_pipeline_run_duration_seconds",
			Help:    "End-to-end duration of each pipeline run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metricflow_pipeline_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage", "status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metricflow_pipeline_active_runs",
			Help: "Pipeline runs currently executing in this process.",
		}),
		rowsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metricflow_ingest_rows_total",
			Help: "Total source rows written to the staging table.",
		}),
		uniqueUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metricflow_transform_unique_users",
			Help: "Distinct users written by the most recent transform.",
		}),
		cellsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metricflow_publish_cells_total",
			Help: "Total cells written to spreadsheets.",
		}),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.stageDuration,
		m.activeRuns,
		m.rowsIngested,
		m.uniqueUsers,
		m.cellsPublished,
	)
	return m
}

func (m *Pipeline) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Pipeline) RunStarted() {
	m.activeRuns.Inc()
}

func (m *Pipeline) RunFinished(status string, elapsed time.Duration) {
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Pipeline) ObserveStage(stage, status string, elapsed time.Duration) {
	m.stageDuration.WithLabelValues(stage, status).Observe(elapsed.Seconds())
}

func (m *Pipeline) AddRowsIngested(n int64) {
	if n > 0 {
		m.rowsIngested.Add(float64(n))
	}
}

func (m *Pipeline) SetUniqueUsers(n int) {
	m.uniqueUsers.Set(float64(n))
}

func (m *Pipeline) AddCellsPublished(n int64) {
	if n > 0 {
		m.cellsPublished.Add(float64(n))
	}
}

// Push sends the registry to a Pushgateway, for one-shot processes that exit
// before a scrape.
func (m *Pipeline) Push(ctx context.Context, gatewayURL, job string, grouping map[string]string) error {
	if strings.TrimSpace(gatewayURL) == "" {
		return errors.New("pushgateway url is required")
	}
	if strings.TrimSpace(job) == "" {
		return errors.New("pushgateway job is required")
	}

	pusher := push.New(gatewayURL, job).Gatherer(m.registry)
	for key, value := range grouping {
		if strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
			continue
		}
		pusher = pusher.Grouping(key, value)
	}
	return pusher.PushContext(ctx)
}
