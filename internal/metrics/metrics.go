// Package metrics exposes Prometheus collectors for the re-crawl scheduler
// and the embedding pipeline.
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

// Tick outcomes recorded by ObserveTick.
const (
	TickIdle      = "idle"
	TickProcessed = "processed"
	TickFailed    = "failed"
)

var (
	crawlTicksTotal            *prometheus.CounterVec
	crawlTickDurationSeconds   *prometheus.HistogramVec
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	embeddingRecordsTotal      *prometheus.CounterVec
	embeddingBatchSeconds      prometheus.Histogram
	embeddingDimensionMismatch prometheus.Counter
	publishFailuresTotal       *prometheus.CounterVec
	robotsFallbackTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlTicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawl_crawl_ticks_total",
				Help: "Scheduler ticks, labeled by outcome (idle, processed, failed).",
			},
			[]string{"outcome"},
		)

		crawlTickDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recrawl_crawl_tick_duration_seconds",
				Help:    "Latency of scheduler ticks that found a due URL, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
			[]string{"outcome"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawl_fetches_total",
				Help: "Conditional fetches, labeled by site and resulting crawl status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawl_fetch_bytes_total",
				Help: "Body bytes downloaded on successful fetches, labeled by site.",
			},
			[]string{"site"},
		)

		embeddingRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawl_embedding_records_total",
				Help: "Content records processed by the embedding pipeline, labeled by result.",
			},
			[]string{"result"},
		)

		embeddingBatchSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recrawl_embedding_batch_duration_seconds",
				Help:    "Latency of one embedding batch (query, compute, upsert).",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		embeddingDimensionMismatch = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "recrawl_embedding_dimension_mismatch_total",
				Help: "Vectors whose length differed from the configured expected dimension.",
			},
		)

		publishFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recrawl_publish_failures_total",
				Help: "Embed-job notifications that could not be delivered, labeled by provider.",
			},
			[]string{"provider"},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "recrawl_robots_fallback_total",
				Help: "robots.txt probes that exhausted retries and fell back to allow-all.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
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

// ObserveTick records one scheduler tick. Duration is only observed for
// ticks that found a due URL.
func ObserveTick(outcome string, duration time.Duration) {
	crawlTicksTotal.WithLabelValues(outcome).Inc()
	if outcome != TickIdle {
		crawlTickDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// ObserveFetch records the classified result of a conditional fetch.
func ObserveFetch(site, status string, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveEmbeddingBatch records a finished batch of embedded records.
func ObserveEmbeddingBatch(records int, duration time.Duration) {
	embeddingRecordsTotal.WithLabelValues("embedded").Add(float64(records))
	embeddingBatchSeconds.Observe(duration.Seconds())
}

// ObserveEmbeddingFailure records a record whose vector could not be computed or stored.
func ObserveEmbeddingFailure() {
	embeddingRecordsTotal.WithLabelValues("failed").Inc()
}

// ObserveDimensionMismatch counts a vector of unexpected length.
func ObserveDimensionMismatch() {
	embeddingDimensionMismatch.Inc()
}

// ObservePublishFailure counts an undelivered embed-job notification.
func ObservePublishFailure(provider string) {
	publishFailuresTotal.WithLabelValues(provider).Inc()
}

// ObserveRobotsFallback counts a robots.txt probe answered with allow-all.
func ObserveRobotsFallback() {
	robotsFallbackTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
