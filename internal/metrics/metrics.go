// Package metrics exposes Prometheus collectors for the search gateway.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	searchRejectedTotal        *prometheus.CounterVec
	archiveFailuresTotal       *prometheus.CounterVec
	artifactsSweptTotal        prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"method", "route"},
		)

		searchRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_rejected_total",
				Help: "Search requests rejected before reaching a worker, labeled by reason.",
			},
			[]string{"reason"},
		)

		archiveFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_archive_failures_total",
				Help: "Best-effort archive steps that failed, labeled by step.",
			},
			[]string{"step"},
		)

		artifactsSweptTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "search_artifacts_swept_total",
				Help: "Stale result artifacts removed by the janitor.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRejected counts a search rejected for reason (validation, rate_limit).
func ObserveRejected(reason string) {
	if searchRejectedTotal == nil {
		return
	}
	searchRejectedTotal.WithLabelValues(reason).Inc()
}

// ObserveArchiveFailure counts a failed archive step (hash, blob, history, publish).
func ObserveArchiveFailure(step string) {
	if archiveFailuresTotal == nil {
		return
	}
	archiveFailuresTotal.WithLabelValues(step).Inc()
}

// ObserveSwept adds n removed artifacts.
func ObserveSwept(n int) {
	if artifactsSweptTotal == nil || n <= 0 {
		return
	}
	artifactsSweptTotal.Add(float64(n))
}
