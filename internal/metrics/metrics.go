// Package metrics exposes the dispatch engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the engine's Prometheus metrics behind one registry.
type Collector struct {
	registry *prometheus.Registry

	JobsClaimed   *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsInFlight  prometheus.Gauge
	JobDuration   *prometheus.HistogramVec
	Webhooks      *prometheus.CounterVec
}

// NewCollector builds a Collector with its own registry so tests can
// construct collectors in isolation.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		JobsClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaforge_jobs_claimed_total",
			Help: "Jobs claimed from the store, by job type.",
		}, []string{"job_type"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaforge_jobs_completed_total",
			Help: "Jobs that reached the completed state, by job type.",
		}, []string{"job_type"}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaforge_jobs_failed_total",
			Help: "Jobs that reached the failed state, by job type and error code.",
		}, []string{"job_type", "code"}),
		JobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mediaforge_jobs_in_flight",
			Help: "Jobs currently being processed.",
		}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediaforge_job_duration_seconds",
			Help:    "Wall-clock handler execution time, by job type.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
		}, []string{"job_type"}),
		Webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaforge_webhook_deliveries_total",
			Help: "Webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
