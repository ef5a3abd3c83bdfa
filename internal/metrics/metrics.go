// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry at init and exposed by the serve command
// under /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "moltwatch"

var (
	// Collection runs
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of collection runs by result",
		},
		[]string{"result"}, // result: "success", "failure"
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of collection runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	RunLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_last_success_timestamp",
			Help:      "Unix timestamp of the last successful collection run",
		},
	)

	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Number of collection runs currently executing",
		},
	)

	ItemsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_ingested_total",
			Help:      "Total number of remote items written to the store",
		},
		[]string{"kind"}, // kind: "submolt", "post", "comment", "interaction"
	)

	ItemsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_skipped_total",
			Help:      "Total number of items skipped after a per-item failure",
		},
		[]string{"stage"},
	)

	// Remote API
	RemoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "Total number of requests sent to the remote API",
		},
		[]string{"endpoint", "status"},
	)

	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_request_duration_seconds",
			Help:      "Remote API request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_requests_total",
			Help:      "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Trigger endpoint
	TriggerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_requests_total",
			Help:      "Total number of collection trigger requests by outcome",
		},
		[]string{"source", "outcome"}, // source: "http", "schedule"
	)
)

// RecordRun records the outcome of one collection run.
func RecordRun(duration time.Duration, err error) {
	RunDuration.Observe(duration.Seconds())
	if err != nil {
		RunsTotal.WithLabelValues("failure").Inc()
		return
	}
	RunsTotal.WithLabelValues("success").Inc()
	RunLastSuccess.Set(float64(time.Now().Unix()))
}

// RecordRemoteRequest records a remote API call. A zero status means the request
// never produced a response.
func RecordRemoteRequest(endpoint string, status int, duration time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	RemoteRequestsTotal.WithLabelValues(endpoint, label).Inc()
	RemoteRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordIngested adds n to the ingested counter for kind.
func RecordIngested(kind string, n int) {
	if n <= 0 {
		return
	}
	ItemsIngested.WithLabelValues(kind).Add(float64(n))
}

// RecordSkipped counts one skipped item in stage.
func RecordSkipped(stage string) {
	ItemsSkipped.WithLabelValues(stage).Inc()
}
