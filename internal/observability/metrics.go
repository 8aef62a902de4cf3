// Package observability holds the Prometheus metrics surface shared by the
// runtime. A nil *Metrics disables collection without guarding call sites.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime metrics for the agent world.
//
// The metrics system is built on Prometheus and tracks:
//   - Message flow across worlds
//   - LLM request performance, status, and token consumption
//   - Tool execution patterns and latencies
//   - In-flight orchestrator turns and queue depth per world
//   - Persisted event volume by type
//
// All methods are safe on a nil receiver so call sites do not need guards
// when metrics are disabled.
type Metrics struct {
	// MessageCounter tracks published messages.
	// Labels: world_id, sender_kind (human|agent|system)
	MessageCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM calls.
	// Labels: provider, model, status (success|error|canceled)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (orchestrator|subscriber|storage|titles), error_type
	ErrorCounter *prometheus.CounterVec

	// PendingOperations gauges in-flight orchestrator turns per world.
	// Labels: world_id
	PendingOperations *prometheus.GaugeVec

	// QueueDepth gauges queued LLM work units per world.
	// Labels: world_id
	QueueDepth *prometheus.GaugeVec

	// EventsPersisted counts persisted event records.
	// Labels: type (message|sse|world|system)
	EventsPersisted *prometheus.CounterVec

	// TitleGenerations counts title subscriber outcomes.
	// Labels: status (committed|skipped|conflict|error)
	TitleGenerations *prometheus.CounterVec
}

// NewMetrics creates metrics registered with the default Prometheus
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers against a caller-supplied registerer, which lets
// tests use an isolated registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentworld_messages_total",
				Help: "Total number of messages published by world and sender kind",
			},
			[]string{"world_id", "sender_kind"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentworld_llm_request_duration_seconds",
				Help:    "Duration of LLM calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentworld_llm_requests_total",
				Help: "Total number of LLM calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentworld_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentworld_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentworld_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentworld_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		PendingOperations: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentworld_pending_operations",
				Help: "Current number of in-flight orchestrator turns per world",
			},
			[]string{"world_id"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentworld_llm_queue_depth",
				Help: "Current number of queued LLM work units per world",
			},
			[]string{"world_id"},
		),

		EventsPersisted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentworld_events_persisted_total",
				Help: "Total number of persisted event records by type",
			},
			[]string{"type"},
		),

		TitleGenerations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentworld_title_generations_total",
				Help: "Total number of title generation attempts by outcome",
			},
			[]string{"status"},
		),
	}
}

// MessagePublished increments the message counter.
func (m *Metrics) MessagePublished(worldID, senderKind string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(worldID, senderKind).Inc()
}

// RecordLLMRequest records a completed LLM call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records a completed tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SetPendingOperations updates the in-flight gauge for a world.
func (m *Metrics) SetPendingOperations(worldID string, n int) {
	if m == nil {
		return
	}
	m.PendingOperations.WithLabelValues(worldID).Set(float64(n))
}

// SetQueueDepth updates the queue depth gauge for a world.
func (m *Metrics) SetQueueDepth(worldID string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(worldID).Set(float64(n))
}

// EventPersisted increments the persisted event counter.
func (m *Metrics) EventPersisted(eventType string) {
	if m == nil {
		return
	}
	m.EventsPersisted.WithLabelValues(eventType).Inc()
}

// TitleGeneration records the outcome of one title attempt.
func (m *Metrics) TitleGeneration(status string) {
	if m == nil {
		return
	}
	m.TitleGenerations.WithLabelValues(status).Inc()
}
