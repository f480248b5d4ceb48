package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the dispatcher
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram

	// Pool metrics
	WorkersIdle         prometheus.Gauge
	WorkersBusy         prometheus.Gauge
	WorkersSpawnedTotal prometheus.Counter
	WorkerDeathsTotal   *prometheus.CounterVec
	ShrinkKillsTotal    prometheus.Counter

	// Error metrics
	PageErrorsTotal prometheus.Counter
}

// New creates and registers all metrics
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stencild_requests_total",
				Help: "Total number of dispatched requests",
			},
			[]string{"status_class"},
		),
		RequestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stencild_request_duration_seconds",
				Help:    "Duration of dispatched requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		WorkersIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stencild_workers_idle",
				Help: "Number of idle workers in the pool",
			},
		),
		WorkersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stencild_workers_busy",
				Help: "Number of busy workers in the pool",
			},
		),
		WorkersSpawnedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stencild_workers_spawned_total",
				Help: "Total number of worker processes spawned",
			},
		),
		WorkerDeathsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stencild_worker_deaths_total",
				Help: "Total number of worker process deaths",
			},
			[]string{"cause"},
		),
		ShrinkKillsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stencild_pool_shrink_kills_total",
				Help: "Total number of idle workers terminated by the shrink policy",
			},
		),
		PageErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stencild_page_errors_total",
				Help: "Total number of out-of-band page error reports",
			},
		),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.WorkersIdle,
		m.WorkersBusy,
		m.WorkersSpawnedTotal,
		m.WorkerDeathsTotal,
		m.ShrinkKillsTotal,
		m.PageErrorsTotal,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
