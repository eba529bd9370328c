// Package metrics exposes Prometheus collectors for the backfill orchestrator.
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

// Label values shared by the attempt and task counters.
const (
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusCancelled = "cancelled"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	tasksTotal                 *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	recordsTotal               prometheus.Counter
	activeWorkers              prometheus.Gauge
	checkpointsTotal           *prometheus.CounterVec
	checkpointFailuresTotal    *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_fetch_attempts_total",
				Help: "Total fetch attempts against the source, labeled by status.",
			},
			[]string{"status"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_tasks_total",
				Help: "Total range tasks that reached a terminal outcome, labeled by status.",
			},
			[]string{"status"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backfill_task_duration_seconds",
				Help:    "Wall time from task start to terminal outcome, labeled by status.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		)

		recordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backfill_records_total",
				Help: "Total records aggregated from successful ranges.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backfill_active_workers",
				Help: "Number of workers currently executing a range task.",
			},
		)

		checkpointsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_checkpoints_total",
				Help: "Total checkpoints persisted, labeled by kind.",
			},
			[]string{"kind"},
		)

		checkpointFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_checkpoint_failures_total",
				Help: "Total checkpoint writes that failed, labeled by kind.",
			},
			[]string{"kind"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backfill_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations before opening a session.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
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
	Init()
	return promhttp.Handler()
}

// ObserveFetchAttempt counts one fetch attempt.
func ObserveFetchAttempt(status string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(status).Inc()
}

// ObserveTask records a terminal task outcome and how long it took.
func ObserveTask(status string, records int, duration time.Duration) {
	Init()
	tasksTotal.WithLabelValues(status).Inc()
	taskDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
	if records > 0 {
		recordsTotal.Add(float64(records))
	}
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

// ObserveCheckpoint counts a persisted checkpoint of the given kind.
func ObserveCheckpoint(kind string) {
	Init()
	checkpointsTotal.WithLabelValues(kind).Inc()
}

// ObserveCheckpointFailure counts a checkpoint that could not be persisted.
func ObserveCheckpointFailure(kind string) {
	Init()
	checkpointFailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
