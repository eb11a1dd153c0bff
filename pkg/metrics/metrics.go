// Package metrics registers the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus collectors are process-wide by design
var (
	MessagesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchboard_messages_enqueued_total",
		Help: "Messages accepted into the queue.",
	})

	MessagesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchboard_messages_completed_total",
		Help: "Messages fully processed.",
	})

	MessagesDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchboard_messages_dead_total",
		Help: "Messages dead-lettered after exhausting retries.",
	})

	ResponsesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchboard_responses_emitted_total",
		Help: "Responses written for delivery.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "switchboard_queue_depth",
		Help: "Queue rows by status, refreshed on status reads.",
	}, []string{"status"})

	AgentInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_agent_invocations_total",
		Help: "Agent invocations by agent id and outcome.",
	}, []string{"agent", "outcome"})

	InvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "switchboard_invocation_duration_seconds",
		Help:    "Wall-clock duration of agent invocations.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"agent"})

	ConversationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchboard_conversations_active",
		Help: "Team conversations currently in flight.",
	})

	ConversationsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_conversations_completed_total",
		Help: "Team conversations finished, by reason.",
	}, []string{"reason"})

	PromptTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_prompt_tokens_total",
		Help: "Estimated tokens sent to providers, by agent.",
	}, []string{"agent"})
)
