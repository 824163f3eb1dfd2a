// Package metrics holds the Prometheus collectors for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talkrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Store metrics
	MessagesPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkrelay_messages_pushed_total",
			Help: "Total messages appended to the store",
		},
		[]string{"role"},
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkrelay_messages_delivered_total",
			Help: "Total messages claimed by draining fetches",
		},
		[]string{"role"},
	)

	MessagesEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkrelay_messages_evicted_total",
			Help: "Total messages dropped by the retention cap",
		},
	)

	StoreSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talkrelay_store_messages",
			Help: "Messages currently retained",
		},
	)

	Fetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkrelay_fetches_total",
			Help: "Total fetch calls",
		},
		[]string{"role", "mode"}, // mode: "drain" or "all"
	)

	ValidationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkrelay_validation_failures_total",
			Help: "Pushes or pulls rejected as invalid",
		},
	)

	IdempotentReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkrelay_idempotent_replays_total",
			Help: "Pushes answered from the idempotency cache",
		},
	)

	// Wait metrics
	WaitOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkrelay_wait_outcomes_total",
			Help: "Reply waits by terminal outcome",
		},
		[]string{"outcome"}, // "resolved", "timed_out", "cancelled"
	)

	WaitPolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkrelay_wait_polls_total",
			Help: "Poll attempts made while waiting for a reply",
		},
	)

	WaitPollErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talkrelay_wait_poll_errors_total",
			Help: "Poll attempts that failed and were retried on the next tick",
		},
	)

	WaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "talkrelay_wait_duration_seconds",
			Help:    "Time from wait start to terminal outcome",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// MCP metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talkrelay_mcp_tool_calls_total",
			Help: "MCP tool calls by tool and result",
		},
		[]string{"tool", "result"}, // result: "ok" or "error"
	)
)
