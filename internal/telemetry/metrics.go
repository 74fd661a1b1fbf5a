// Package telemetry exposes Prometheus collectors for the sweep service.
package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sweepsTotal                *prometheus.CounterVec
	sweepDurationSeconds       prometheus.Histogram
	domainsProcessedTotal      *prometheus.CounterVec
	providerCallsTotal         *prometheus.CounterVec
	providerLatencySeconds     *prometheus.HistogramVec
	providerRateLimitSeconds   *prometheus.HistogramVec
	pendingTasks               prometheus.Gauge
	lockHeld                   prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sweepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweeper_sweeps_total",
				Help: "Total number of sweeps, labeled by terminal status.",
			},
			[]string{"status"},
		)

		sweepDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sweeper_sweep_duration_seconds",
				Help:    "Histogram of full sweep durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
		)

		domainsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweeper_domains_processed_total",
				Help: "Total number of domains settled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		providerCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweeper_provider_calls_total",
				Help: "Total provider calls, labeled by provider and status.",
			},
			[]string{"provider", "status"},
		)

		providerLatencySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sweeper_provider_latency_seconds",
				Help:    "Histogram of provider call latencies.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 90},
			},
			[]string{"provider"},
		)

		providerRateLimitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sweeper_provider_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations per provider.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider"},
		)

		pendingTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sweeper_pending_tasks",
				Help: "Domains not yet in a terminal state.",
			},
		)

		lockHeld = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sweeper_lock_held",
				Help: "1 while the crawl lock is held by this process.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSweep records a finished sweep and its duration.
func ObserveSweep(status string, duration time.Duration) {
	Init()
	sweepsTotal.WithLabelValues(status).Inc()
	sweepDurationSeconds.Observe(duration.Seconds())
}

// ObserveDomain increments the per-outcome domain counter.
func ObserveDomain(outcome string) {
	Init()
	domainsProcessedTotal.WithLabelValues(outcome).Inc()
}

// ObserveProviderCall records one provider call result and latency.
func ObserveProviderCall(provider, status string, latency time.Duration) {
	Init()
	providerCallsTotal.WithLabelValues(provider, status).Inc()
	providerLatencySeconds.WithLabelValues(provider).Observe(latency.Seconds())
}

// ObserveRateLimitDelay records the duration of a provider rate limit wait.
func ObserveRateLimitDelay(provider string, duration time.Duration) {
	Init()
	providerRateLimitSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// SetPendingTasks updates the backlog gauge.
func SetPendingTasks(n int) {
	Init()
	pendingTasks.Set(float64(n))
}

// SetLockHeld flips the lock gauge.
func SetLockHeld(held bool) {
	Init()
	if held {
		lockHeld.Set(1)
		return
	}
	lockHeld.Set(0)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
