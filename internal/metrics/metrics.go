// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerURLOutcomesTotal      *prometheus.CounterVec
	crawlerPolitenessWaitSeconds *prometheus.HistogramVec
	crawlerActiveWorkers         prometheus.Gauge
	queueFlushSeconds            *prometheus.HistogramVec
	queueFlushErrorsTotal        *prometheus.CounterVec
	queueItemsFlushedTotal       *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerURLOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_url_outcomes_total",
				Help: "URLs processed by workers, labeled by fetch status and index status.",
			},
			[]string{"fetch_status", "index_status"},
		)

		crawlerPolitenessWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_politeness_wait_seconds",
				Help:    "Time workers slept before contacting a host.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"host"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of host workers currently running.",
			},
		)

		queueFlushSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_queue_flush_seconds",
				Help:    "Duration of crawl queue flushes, labeled by kind.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)

		queueFlushErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_queue_flush_errors_total",
				Help: "Failed crawl queue flushes, labeled by kind.",
			},
			[]string{"kind"},
		)

		queueItemsFlushedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_queue_items_flushed_total",
				Help: "Items persisted by the crawl queue, labeled by operation.",
			},
			[]string{"op"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveURLOutcome counts one URL processed by a worker.
func ObserveURLOutcome(fetchStatus, indexStatus string) {
	crawlerURLOutcomesTotal.WithLabelValues(fetchStatus, indexStatus).Inc()
}

// ObservePolitenessWait records how long a worker slept before a request.
func ObservePolitenessWait(host string, wait time.Duration) {
	crawlerPolitenessWaitSeconds.WithLabelValues(SanitizeSite(host)).Observe(wait.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}

// ObserveQueueFlush records a flush of the crawl queue.
func ObserveQueueFlush(final bool, updates, deletes int, duration time.Duration, err error) {
	kind := "partial"
	if final {
		kind = "final"
	}
	queueFlushSeconds.WithLabelValues(kind).Observe(duration.Seconds())
	if err != nil {
		queueFlushErrorsTotal.WithLabelValues(kind).Inc()
		return
	}
	queueItemsFlushedTotal.WithLabelValues("update").Add(float64(updates))
	queueItemsFlushedTotal.WithLabelValues("delete").Add(float64(deletes))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
