package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics
type Collector struct {
	registry      *prometheus.Registry
	seriesTotal   *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	syncRunning   prometheus.Gauge
	breakerOpen   prometheus.Gauge
	keysRemaining prometheus.Gauge
	healthScore   prometheus.Gauge
}

// New creates a new metrics collector
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		seriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "laborsync_series_total",
				Help: "Total number of series processed",
			},
			[]string{"status"},
		),
		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "laborsync_fetch_duration_seconds",
				Help:    "Time taken to fetch and persist a series",
				Buckets: prometheus.DefBuckets,
			},
		),
		syncRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "laborsync_sync_running",
				Help: "Whether a sync run is currently active",
			},
		),
		breakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "laborsync_storage_breaker_open",
				Help: "Whether the storage circuit breaker is open",
			},
		),
		keysRemaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "laborsync_key_requests_remaining",
				Help: "Remaining upstream requests across all usable keys",
			},
		),
		healthScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "laborsync_health_score",
				Help: "Overall health score from the last check cycle",
			},
		),
	}

	// Register metrics
	c.registry.MustRegister(c.seriesTotal)
	c.registry.MustRegister(c.fetchDuration)
	c.registry.MustRegister(c.syncRunning)
	c.registry.MustRegister(c.breakerOpen)
	c.registry.MustRegister(c.keysRemaining)
	c.registry.MustRegister(c.healthScore)

	return c
}

// IncSuccess increments the successful series counter
func (c *Collector) IncSuccess() {
	c.seriesTotal.WithLabelValues("success").Inc()
}

// IncFailed increments the failed series counter
func (c *Collector) IncFailed() {
	c.seriesTotal.WithLabelValues("failed").Inc()
}

// IncSkipped increments the skipped series counter
func (c *Collector) IncSkipped() {
	c.seriesTotal.WithLabelValues("skipped").Inc()
}

// ObserveFetchDuration observes the time spent on one series
func (c *Collector) ObserveFetchDuration(d time.Duration) {
	c.fetchDuration.Observe(d.Seconds())
}

// SetSyncRunning sets the sync-running gauge
func (c *Collector) SetSyncRunning(running bool) {
	if running {
		c.syncRunning.Set(1)
	} else {
		c.syncRunning.Set(0)
	}
}

// SetBreakerOpen sets the breaker gauge
func (c *Collector) SetBreakerOpen(open bool) {
	if open {
		c.breakerOpen.Set(1)
	} else {
		c.breakerOpen.Set(0)
	}
}

// SetKeysRemaining sets the remaining-requests gauge
func (c *Collector) SetKeysRemaining(remaining int) {
	c.keysRemaining.Set(float64(remaining))
}

// SetHealthScore sets the overall health score gauge
func (c *Collector) SetHealthScore(score float64) {
	c.healthScore.Set(score)
}

// Handler returns the HTTP handler exposing the metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
