// Package metrics provides Prometheus metrics for the broker: request
// outcomes, attempt latencies, breaker states, credential usage, and
// fallback depth.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modelmux"

// LatencyBuckets defines histogram buckets for attempt latency in seconds.
var LatencyBuckets = []float64{
	0.1, 0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 7.5,
	10.0, 15.0, 20.0, 30.0, 45.0, 60.0, 120.0,
}

var (
	// RequestsTotal counts completion requests by final outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total completion requests by served model and outcome",
		},
		[]string{"model", "outcome"},
	)

	// AttemptsTotal counts individual upstream attempts.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total upstream attempts by model and result",
		},
		[]string{"model", "result"},
	)

	// AttemptLatency tracks per-attempt upstream latency.
	AttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_latency_seconds",
			Help:      "Upstream attempt latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model"},
	)

	// BreakerState exposes the breaker state per model
	// (0 healthy, 1 degraded, 2 failed).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per model (0 healthy, 1 degraded, 2 failed)",
		},
		[]string{"model"},
	)

	// CredentialUsage exposes today's request count per credential.
	CredentialUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credential_daily_usage",
			Help:      "Requests counted against a credential today",
		},
		[]string{"credential"},
	)

	// CredentialRotations counts instance reassignments to a different
	// credential.
	CredentialRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_rotations_total",
			Help:      "Total credential rotations across all instances",
		},
	)

	// FallbackDepth tracks how deep into the chain requests go before
	// succeeding or exhausting (0 = primary model served).
	FallbackDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fallback_depth",
			Help:      "Chain position of the model that ended the request",
			Buckets:   []float64{0, 1, 2, 3},
		},
	)

	// CatalogModels exposes the number of models known per category.
	CatalogModels = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_models",
			Help:      "Models in the discovered catalog by category",
		},
		[]string{"category"},
	)
)
