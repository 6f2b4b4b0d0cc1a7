// Package metrics exposes the Prometheus counters and histograms the
// pipeline and stream worker are instrumented with.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DecisionsTotal counts decisions rendered, labeled by outcome.
var DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guardian",
	Name:      "decisions_total",
	Help:      "Total decisions rendered by the policy engine, labeled by decision.",
}, []string{"decision"})

// PipelineDuration observes wall-clock time spent per pipeline
// evaluation, from classify through decide.
var PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "guardian",
	Name:      "pipeline_evaluate_duration_seconds",
	Help:      "Time spent evaluating one intent through the decision pipeline.",
	Buckets:   prometheus.DefBuckets,
})

// ScorerDuration observes wall-clock time spent waiting on the LLM
// scorer, separated from PipelineDuration to isolate the dominant
// latency source.
var ScorerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "guardian",
	Name:      "scorer_call_duration_seconds",
	Help:      "Time spent in the LLM risk scorer call.",
	Buckets:   prometheus.DefBuckets,
})

// ScorerDegradedTotal counts scorer calls that fell back to the zero
// Result, labeled by reason (timeout, http_error, unparsable, disabled).
var ScorerDegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guardian",
	Name:      "scorer_degraded_total",
	Help:      "Scorer calls that degraded to the zero result, labeled by reason.",
}, []string{"reason"})

// MessagesProcessedTotal counts stream messages the worker has finished
// handling, labeled by outcome (acked, discarded, redelivered).
var MessagesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guardian",
	Name:      "worker_messages_processed_total",
	Help:      "Intent stream messages processed by the worker, labeled by outcome.",
}, []string{"outcome"})

// ApprovalsPendingGauge tracks the number of approvals currently PENDING.
var ApprovalsPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "guardian",
	Name:      "approvals_pending",
	Help:      "Number of approval requests currently in PENDING status.",
})
