// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMDuration tracks completion call duration.
	LLMDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_completion_duration_seconds",
			Help:    "LLM completion duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"model", "mode", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// PipelineTurnsTotal counts pipeline runs by channel and outcome.
	PipelineTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_turns_total",
			Help: "Pipeline runs by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// PipelineDuration tracks end-to-end pipeline latency.
	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_duration_seconds",
			Help:    "End-to-end pipeline duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"channel"},
	)

	// SideEffectFailures counts best-effort steps that failed.
	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_side_effect_failures_total",
			Help: "Best-effort pipeline steps that failed",
		},
		[]string{"step"},
	)

	// ConfidenceScore tracks composite confidence of assistant turns.
	ConfidenceScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assistant_confidence_score",
			Help:    "Composite confidence of assistant turns",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// CreditsTotal tracks ledger movements.
	CreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_total",
			Help: "Credits moved through the ledger",
		},
		[]string{"reason", "direction"},
	)

	// HandoffsTotal counts escalations.
	HandoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoffs_total",
			Help: "Escalations by trigger and delivery path",
		},
		[]string{"trigger", "delivery"},
	)

	// OutboundSendsTotal counts provider sends.
	OutboundSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_sends_total",
			Help: "Outbound provider sends",
		},
		[]string{"channel", "status"},
	)

	// QueueJobsTotal counts processed queue jobs.
	QueueJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_total",
			Help: "Queue jobs by queue and result",
		},
		[]string{"queue", "result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLM records metrics for a completion call.
func RecordLLM(model, mode, status string, duration float64, tokensIn, tokensOut int) {
	LLMDuration.WithLabelValues(model, mode, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordTurn records the outcome of one pipeline run.
func RecordTurn(channel, outcome string, duration float64) {
	PipelineTurnsTotal.WithLabelValues(channel, outcome).Inc()
	PipelineDuration.WithLabelValues(channel).Observe(duration)
}

// RecordSideEffectFailure counts a failed best-effort step.
func RecordSideEffectFailure(step string) {
	SideEffectFailures.WithLabelValues(step).Inc()
}

// RecordCredits records a ledger movement.
func RecordCredits(reason string, delta int) {
	if delta < 0 {
		CreditsTotal.WithLabelValues(reason, "debit").Add(float64(-delta))
		return
	}
	CreditsTotal.WithLabelValues(reason, "credit").Add(float64(delta))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
