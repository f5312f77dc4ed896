// Package metrics exposes Prometheus collectors for the push service.
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
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	pushRunsTotal               *prometheus.CounterVec
	dorisQueryDurationSeconds   *prometheus.HistogramVec
	feishuMessagesTotal         *prometheus.CounterVec
	feishuRateLimitDelaySeconds *prometheus.HistogramVec
	schedulerRunning            prometheus.Gauge
	activeWorkers               prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; the Observe helpers call it lazily.
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		pushRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_runs_total",
				Help: "Total number of push runs, labeled by trigger and final status.",
			},
			[]string{"trigger", "status"},
		)

		dorisQueryDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "doris_query_duration_seconds",
				Help:    "Histogram of Doris query latencies, labeled by task.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"task"},
		)

		feishuMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feishu_messages_total",
				Help: "Total number of Feishu webhook deliveries, labeled by result.",
			},
			[]string{"result"},
		)

		feishuRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feishu_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations before webhook delivery.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		schedulerRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "push_scheduler_running",
				Help: "1 while the cron scheduler is running.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "push_active_workers",
				Help: "Number of workers currently executing a run.",
			},
		)
	})
}

// SanitizeHost extracts a lowercase hostname for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRun increments the run counter for the given trigger and status.
func ObserveRun(trigger, status string) {
	Init()
	pushRunsTotal.WithLabelValues(trigger, status).Inc()
}

// ObserveQuery records the duration of a Doris query.
func ObserveQuery(taskID string, duration time.Duration) {
	Init()
	dorisQueryDurationSeconds.WithLabelValues(taskID).Observe(duration.Seconds())
}

// ObserveMessage counts a webhook delivery attempt outcome ("ok" or "error").
func ObserveMessage(result string) {
	Init()
	feishuMessagesTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(webhookURL string, duration time.Duration) {
	Init()
	feishuRateLimitDelaySeconds.WithLabelValues(SanitizeHost(webhookURL)).Observe(duration.Seconds())
}

// SetSchedulerRunning mirrors the scheduler state into a gauge.
func SetSchedulerRunning(running bool) {
	Init()
	if running {
		schedulerRunning.Set(1)
		return
	}
	schedulerRunning.Set(0)
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
