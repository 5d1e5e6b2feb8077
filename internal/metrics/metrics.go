// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

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
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	assetDownloadsTotal        *prometheus.CounterVec
	commitsTotal               *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	pacingDelaySeconds         *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kb_fetch_attempts_total",
				Help: "Article page fetch attempts, labeled by result.",
			},
			[]string{"result"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kb_fetch_duration_seconds",
				Help:    "Latency of a single article page fetch attempt.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		assetDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kb_asset_downloads_total",
				Help: "Image and attachment localizations, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		commitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kb_commits_total",
				Help: "Store gateway commits, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kb_active_workers",
				Help: "Number of workers currently processing an article.",
			},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kb_pacing_delay_seconds",
				Help:    "Time spent waiting on throttle, retry backoff and the global limiter.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of ops HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of ops HTTP request latencies, labeled by method and route.",
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

// ObserveFetch records one page fetch attempt.
func ObserveFetch(result string, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(result).Inc()
	if duration > 0 {
		fetchDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveAsset records one asset localization result.
func ObserveAsset(kind, result string) {
	Init()
	assetDownloadsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveCommit records a gateway outcome.
func ObserveCommit(outcome string) {
	Init()
	commitsTotal.WithLabelValues(outcome).Inc()
}

// ObservePacingDelay records time spent waiting before a request.
func ObservePacingDelay(kind string, d time.Duration) {
	Init()
	pacingDelaySeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}
