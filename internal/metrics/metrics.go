package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "apihub"

var (
	TaskDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_dispatched_total",
			Help:      "Total number of tasks dispatched, labeled by provider and envelope status.",
		},
		[]string{"provider", "status"},
	)

	TaskDispatchLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_dispatch_latency_seconds",
			Help:      "Latency of a single dispatch including rate-limit wait and provider call (seconds).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "status"},
	)

	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Total circuit breaker state transitions.",
		},
		[]string{"from", "to"},
	)

	TokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Total token refresh attempts, labeled by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejected_total",
			Help:      "Total local token-bucket rejections (single acquire attempts).",
		},
		[]string{"provider"},
	)

	RateLimitWaitTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_timeouts_total",
			Help:      "Total dispatches abandoned because the bucket granted nothing within the wait deadline.",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(
		TaskDispatchedTotal,
		TaskDispatchLatencySeconds,
		CircuitTransitionsTotal,
		TokenRefreshTotal,
		RateLimitRejectedTotal,
		RateLimitWaitTimeoutsTotal,
	)
}
