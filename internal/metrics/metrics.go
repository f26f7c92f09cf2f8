// Package metrics exposes Prometheus collectors for the tracker service.
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
	jobsTotal                  *prometheus.CounterVec
	unitsTotal                 *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	rateLimitDenialsTotal      *prometheus.CounterVec
	captchaAttemptsTotal       *prometheus.CounterVec
	scrapeDurationSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route pattern and code.",
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

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_jobs_total",
				Help: "Total number of jobs finished, labeled by type and final status.",
			},
			[]string{"type", "status"},
		)

		unitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_units_total",
				Help: "Total number of units processed, labeled by outcome and failure reason.",
			},
			[]string{"outcome", "reason"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracker_active_workers",
				Help: "Number of workers currently running a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracker_rate_limit_delays_seconds",
				Help:    "Histogram of outbound rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"target"},
		)

		rateLimitDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_rate_limit_denials_total",
				Help: "Total number of rate limiter denials, labeled by scope.",
			},
			[]string{"scope"},
		)

		captchaAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_captcha_attempts_total",
				Help: "Total number of CAPTCHA solve attempts, labeled by result.",
			},
			[]string{"result"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracker_scrape_duration_seconds",
				Help:    "Histogram of upstream page fetch latencies.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for a finished job.
func ObserveJob(jobType, status string) {
	Init()
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveUnit increments the unit counter. Reason is empty unless the unit failed.
func ObserveUnit(outcome, reason string) {
	Init()
	unitsTotal.WithLabelValues(outcome, reason).Inc()
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

// ObserveRateLimitDelay records the duration of an outbound rate limit wait.
func ObserveRateLimitDelay(target string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(target).Observe(duration.Seconds())
}

// ObserveRateLimitDenial counts a limiter denial for scope ("inbound" or "outbound").
func ObserveRateLimitDenial(scope string) {
	Init()
	rateLimitDenialsTotal.WithLabelValues(scope).Inc()
}

// ObserveCaptchaAttempt counts a solve attempt with result "accepted",
// "rejected" or "error".
func ObserveCaptchaAttempt(result string) {
	Init()
	captchaAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveScrape records the latency of one upstream request of kind
// ("fetch" or "submit").
func ObserveScrape(kind string, duration time.Duration) {
	Init()
	scrapeDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}
