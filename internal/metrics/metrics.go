// Package metrics exposes monitoring cycle metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records scheduler activity. It satisfies scheduler.Metrics.
type Collector struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	activeCycles  prometheus.Gauge
	listingsFound prometheus.Counter
	fetchFailures prometheus.Counter
	notifications *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listing_bot_cycles_total",
			Help: "Monitoring cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "listing_bot_cycle_duration_seconds",
			Help:    "Duration of monitoring cycles in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		activeCycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "listing_bot_active_cycles",
			Help: "Cycles currently running.",
		}),
		listingsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listing_bot_listings_found_total",
			Help: "Listings returned by saved searches after filtering.",
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listing_bot_fetch_failures_total",
			Help: "Saved searches that could not be fetched.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listing_bot_notifications_total",
			Help: "Notification batches by delivery outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.cycles,
		c.cycleDuration,
		c.activeCycles,
		c.listingsFound,
		c.fetchFailures,
		c.notifications,
	)
	return c
}

func (c *Collector) CycleStarted() {
	c.activeCycles.Inc()
}

func (c *Collector) CycleFinished(outcome string, elapsed time.Duration) {
	c.activeCycles.Dec()
	c.cycles.WithLabelValues(outcome).Inc()
	c.cycleDuration.Observe(elapsed.Seconds())
}

func (c *Collector) ListingsFound(n int) {
	c.listingsFound.Add(float64(n))
}

func (c *Collector) FetchFailed() {
	c.fetchFailures.Inc()
}

func (c *Collector) BatchDispatched(outcome string) {
	c.notifications.WithLabelValues(outcome).Inc()
}

// Handler returns an HTTP handler serving /metrics from gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
