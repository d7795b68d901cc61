// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Settlements counts ledger entries by transaction type.
var Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "ledger",
	Name:      "settlements_total",
	Help:      "Ledger entries written, by transaction type",
}, []string{"type"})

// Credits sums settled credits by transaction type.
var Credits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "ledger",
	Name:      "credits_total",
	Help:      "Absolute credits moved, by transaction type",
}, []string{"type"})

// InsufficientCredits counts gate rejections by path (preview, tool, workflow).
var InsufficientCredits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "ledger",
	Name:      "insufficient_credits_total",
	Help:      "Balance gate rejections",
}, []string{"path"})

// Invocations counts provider calls by model and outcome.
var Invocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "invoker",
	Name:      "invocations_total",
	Help:      "Provider invocations by model and outcome",
}, []string{"model", "outcome"})

var InvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "pixelforge",
	Subsystem: "invoker",
	Name:      "invocation_duration_seconds",
	Help:      "Provider round-trip latency",
	Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
}, []string{"model"})

// Callbacks counts inbound webhooks by source and result.
var Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "webhooks",
	Name:      "received_total",
	Help:      "Inbound webhook deliveries by source and result",
}, []string{"source", "result"})

var ExecutionElapsed = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "pixelforge",
	Subsystem: "executions",
	Name:      "elapsed_seconds",
	Help:      "Time from acceptance to reconciliation for async executions",
	Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
})

var RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pixelforge",
	Subsystem: "http",
	Name:      "rate_limited_total",
	Help:      "Requests rejected by the rate limiter",
}, []string{"route"})

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
