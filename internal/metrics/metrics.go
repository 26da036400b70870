// Package metrics exposes Prometheus collectors for the archiver service.
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
	jobsAdmittedTotal          prometheus.Counter
	jobsFinishedTotal          *prometheus.CounterVec
	jobsStuckTotal             *prometheus.CounterVec
	jobsInFlight               prometheus.Gauge
	handlerDurationSeconds     *prometheus.HistogramVec
	directFetchTotal           *prometheus.CounterVec
	dedupChecksTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsAdmittedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_jobs_admitted_total",
				Help: "Total number of archive jobs accepted by the API.",
			},
		)

		jobsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_jobs_finished_total",
				Help: "Total number of jobs reaching a terminal state, labeled by status and dispatch path.",
			},
			[]string{"status", "path"},
		)

		jobsStuckTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_jobs_stuck_total",
				Help: "Total number of jobs the worker could not move out of a non-terminal status, labeled by status and reason.",
			},
			[]string{"status", "reason"},
		)

		jobsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_jobs_in_flight",
				Help: "Number of jobs currently running in the background.",
			},
		)

		handlerDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_handler_duration_seconds",
				Help:    "Histogram of download handler run time, labeled by handler and result.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"handler", "result"},
		)

		directFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_direct_fetch_total",
				Help: "Total number of direct image fetches, labeled by result.",
			},
			[]string{"result"},
		)

		dedupChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_dedup_checks_total",
				Help: "Total number of already-archived checks, labeled by outcome.",
			},
			[]string{"outcome"},
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveJobAdmitted counts a job accepted on the admission path.
func ObserveJobAdmitted() {
	jobsAdmittedTotal.Inc()
}

// ObserveJobFinished counts a terminal job. path names the dispatch branch
// that produced the outcome.
func ObserveJobFinished(status, path string) {
	jobsFinishedTotal.WithLabelValues(status, path).Inc()
}

// ObserveJobStuck counts a job left in a non-terminal status.
func ObserveJobStuck(status, reason string) {
	jobsStuckTotal.WithLabelValues(status, reason).Inc()
}

// IncInFlight increments the running jobs gauge.
func IncInFlight() {
	jobsInFlight.Inc()
}

// DecInFlight decrements the running jobs gauge.
func DecInFlight() {
	jobsInFlight.Dec()
}

// ObserveHandler records one handler invocation.
func ObserveHandler(handler, result string, duration time.Duration) {
	handlerDurationSeconds.WithLabelValues(handler, result).Observe(duration.Seconds())
}

// ObserveDirectFetch counts one direct image fetch.
func ObserveDirectFetch(result string) {
	directFetchTotal.WithLabelValues(result).Inc()
}

// ObserveDedupCheck counts one already-archived lookup.
func ObserveDedupCheck(outcome string) {
	dedupChecksTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
