// Package metrics exposes Prometheus collectors for the frontier service.
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
	queueSize                  *prometheus.GaugeVec
	activeWorkers              prometheus.Gauge
	jobsTotal                  *prometheus.CounterVec
	outcomesTotal              *prometheus.CounterVec
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	remoteImportTotal          *prometheus.CounterVec
	indexerBacklog             prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	hostDelaySeconds           prometheus.Histogram
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queueSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frontier_queue_size",
				Help: "Number of entries waiting in each frontier queue.",
			},
			[]string{"queue"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontier_active_workers",
				Help: "Number of fetch workers currently running.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_jobs_total",
				Help: "Total scheduling job invocations, labeled by job and result.",
			},
			[]string{"job", "result"},
		)

		outcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_outcomes_total",
				Help: "Total entries recorded in the outcome logs, labeled by log.",
			},
			[]string{"store"},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_fetch_total",
				Help: "Total fetch attempts, labeled by scheme and result.",
			},
			[]string{"scheme", "result"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		remoteImportTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_remote_import_total",
				Help: "Remote crawl candidates processed, labeled by result.",
			},
			[]string{"result"},
		)

		indexerBacklog = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontier_indexer_backlog",
				Help: "Loaded resources waiting for the indexer.",
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

		hostDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "frontier_host_delay_seconds",
				Help:    "Time a delayed pop waited for a host to become ready.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frontier_rate_limit_delay_seconds",
				Help:    "Time a fetch waited on its site's rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
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
	Init()
	return promhttp.Handler()
}

// SetQueueSize records the current size of a frontier queue.
func SetQueueSize(queue string, size int) {
	Init()
	queueSize.WithLabelValues(queue).Set(float64(size))
}

// SetActiveWorkers records the current worker count.
func SetActiveWorkers(n int) {
	Init()
	activeWorkers.Set(float64(n))
}

// ObserveJob counts one scheduling job call.
func ObserveJob(job string, didWork bool) {
	Init()
	result := "idle"
	if didWork {
		result = "worked"
	}
	jobsTotal.WithLabelValues(job, result).Inc()
}

// ObserveOutcome counts an entry pushed into an outcome log.
func ObserveOutcome(store string) {
	Init()
	outcomesTotal.WithLabelValues(store).Inc()
}

// ObserveFetch counts a fetch attempt and the bytes it returned.
func ObserveFetch(rawURL, scheme, result string, bytesFetched int) {
	Init()
	fetchTotal.WithLabelValues(scheme, result).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesFetched))
	}
}

// ObserveRemoteImport counts one remote crawl candidate.
func ObserveRemoteImport(result string) {
	Init()
	remoteImportTotal.WithLabelValues(result).Inc()
}

// SetIndexerBacklog records the indexer queue depth.
func SetIndexerBacklog(depth int) {
	Init()
	indexerBacklog.Set(float64(depth))
}

// ObserveHostDelay records how long a delayed pop waited.
func ObserveHostDelay(d time.Duration) {
	Init()
	hostDelaySeconds.Observe(d.Seconds())
}

// ObserveRateLimitDelay records how long a fetch waited for its rate limiter.
func ObserveRateLimitDelay(rawURL string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
