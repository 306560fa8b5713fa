// Package metrics exposes Prometheus collectors for the indexer service.
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
	indexerTasksTotal             *prometheus.CounterVec
	indexerRecordsTotal           *prometheus.CounterVec
	indexerFetchBytesTotal        *prometheus.CounterVec
	indexerFetchDurationSeconds   *prometheus.HistogramVec
	indexerFrontierDepth          prometheus.Gauge
	indexerInflightTasks          prometheus.Gauge
	indexerGateDeferralsTotal     *prometheus.CounterVec
	indexerGatePenaltiesTotal     *prometheus.CounterVec
	indexerCheckpointsTotal       *prometheus.CounterVec
	indexerCheckpointDurationSecs prometheus.Histogram
	indexerEventsDroppedTotal     prometheus.Counter
	indexerStorageRetriesTotal    prometheus.Counter
	indexerRobotsFallbacksTotal   prometheus.Counter
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		indexerTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_tasks_total",
				Help: "Total number of tasks finished, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		indexerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_records_total",
				Help: "Total number of price records stored, labeled by source.",
			},
			[]string{"source"},
		)

		indexerFetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		indexerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		indexerFrontierDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexer_frontier_depth",
				Help: "Number of tasks currently queued in the frontier.",
			},
		)

		indexerInflightTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexer_inflight_tasks",
				Help: "Number of tasks currently being fetched.",
			},
		)

		indexerGateDeferralsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_gate_deferrals_total",
				Help: "Total number of dispatches deferred by the politeness gate, labeled by host.",
			},
			[]string{"host"},
		)

		indexerGatePenaltiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_gate_penalties_total",
				Help: "Total number of server-driven cooldowns applied, labeled by host.",
			},
			[]string{"host"},
		)

		indexerCheckpointsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_checkpoints_total",
				Help: "Total number of checkpoint attempts, labeled by status.",
			},
			[]string{"status"},
		)

		indexerCheckpointDurationSecs = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indexer_checkpoint_duration_seconds",
				Help:    "Histogram of checkpoint snapshot-and-persist durations.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)

		indexerEventsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_events_dropped_total",
				Help: "Total number of pipeline events dropped because the hub buffer was full.",
			},
		)

		indexerStorageRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_storage_retries_total",
				Help: "Total number of tasks rescheduled because a storage write failed.",
			},
		)

		indexerRobotsFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_robots_fallbacks_total",
				Help: "Total number of robots.txt probes that fell back to allow-all after transient failures.",
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

// SanitizeHost sanitizes a host or URL to a lowercase hostname.
// It returns "unknown" if no hostname can be extracted.
func SanitizeHost(raw string) string {
	if raw == "" {
		return "unknown"
	}
	if !strings.HasPrefix(raw, "http") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTaskOutcome increments the task counter for the given source and outcome.
func ObserveTaskOutcome(source, outcome string) {
	indexerTasksTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveRecords adds stored records to the per-source counter.
func ObserveRecords(source string, count int) {
	if count > 0 {
		indexerRecordsTotal.WithLabelValues(source).Add(float64(count))
	}
}

// ObserveFetch records the latency and size of one fetch.
func ObserveFetch(host string, duration time.Duration, bytesFetched int) {
	sanitized := SanitizeHost(host)
	indexerFetchDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
	if bytesFetched > 0 {
		indexerFetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// SetFrontierDepth updates the queued-task gauge.
func SetFrontierDepth(depth int) {
	indexerFrontierDepth.Set(float64(depth))
}

// SetInFlight updates the in-flight task gauge.
func SetInFlight(count int) {
	indexerInflightTasks.Set(float64(count))
}

// RecordGateDeferral increments the deferral counter for the given host.
func RecordGateDeferral(host string) {
	indexerGateDeferralsTotal.WithLabelValues(SanitizeHost(host)).Inc()
}

// RecordGatePenalty increments the cooldown counter for the given host.
func RecordGatePenalty(host string) {
	indexerGatePenaltiesTotal.WithLabelValues(SanitizeHost(host)).Inc()
}

// ObserveCheckpoint records one checkpoint attempt.
func ObserveCheckpoint(status string, duration time.Duration) {
	indexerCheckpointsTotal.WithLabelValues(status).Inc()
	indexerCheckpointDurationSecs.Observe(duration.Seconds())
}

// RecordEventsDropped adds to the dropped-event counter.
func RecordEventsDropped(count int) {
	if count > 0 {
		indexerEventsDroppedTotal.Add(float64(count))
	}
}

// RecordStorageRetry increments the storage retry counter.
func RecordStorageRetry() {
	indexerStorageRetriesTotal.Inc()
}

// ObserveRobotsFallback increments the robots allow-all fallback counter.
func ObserveRobotsFallback() {
	indexerRobotsFallbacksTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
