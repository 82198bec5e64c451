package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Request pipeline throughput and terminal outcomes
//   - Event dispatch latency per event kind
//   - LLM call performance, retries, and token consumption
//   - Tool execution patterns and latencies
//   - Background task population and checkpoint durability
//   - Event stream backpressure drops
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordToolExecution("search", "ok", time.Since(start).Seconds())
type Metrics struct {
	// RequestCounter counts pipeline requests by terminal outcome.
	// Labels: outcome (completed|failed|cancelled)
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures full pipeline latency in seconds.
	// Labels: outcome
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 300s
	RequestDuration *prometheus.HistogramVec

	// DispatchDuration measures single handler dispatch latency in seconds.
	// Labels: event
	// Buckets: 0.001s, 0.01s, 0.1s, 0.5s, 1s, 5s, 30s, 120s
	DispatchDuration *prometheus.HistogramVec

	// TurnCounter counts actor-critic loop turns.
	TurnCounter prometheus.Counter

	// TriageCounter counts triage decisions.
	// Labels: decision (completed|missing_info|ready|skipped)
	TriageCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 300s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model, and status.
	// Labels: provider, model, status (success|auth|rate_limited|context_window|transient|permanent|cancelled)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (ok|error|cancelled|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 120s
	ToolExecutionDuration *prometheus.HistogramVec

	// ActiveTasks is a gauge tracking background tasks by status.
	// Labels: status
	ActiveTasks *prometheus.GaugeVec

	// CheckpointWrites counts WAL appends.
	// Labels: status (ok|error)
	CheckpointWrites *prometheus.CounterVec

	// DroppedEvents counts events shed by backpressure sinks.
	// Labels: kind
	DroppedEvents *prometheus.CounterVec

	// ErrorCounter tracks errors by component and error kind.
	// Labels: component (engine|loop|tools|llm|tasks|checkpoint|controller), kind
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// Call once at process startup; collectors live in the default registry
// and are served by the gateway's /metrics endpoint.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventic_requests_total",
				Help: "Total number of pipeline requests by terminal outcome",
			},
			[]string{"outcome"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventic_request_duration_seconds",
				Help:    "Duration of full request pipelines in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"outcome"},
		),

		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventic_dispatch_duration_seconds",
				Help:    "Duration of single handler dispatches in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"event"},
		),

		TurnCounter: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "eventic_loop_turns_total",
				Help: "Total number of actor-critic loop turns",
			},
		),

		TriageCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventic_triage_decisions_total",
				Help: "Total number of triage decisions by outcome",
			},
			[]string{"decision"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventic_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventic_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventic_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventic_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventic_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
			},
			[]string{"tool_name"},
		),

		ActiveTasks: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eventic_tasks",
				Help: "Current number of background tasks by status",
			},
			[]string{"status"},
		),

		CheckpointWrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventic_checkpoint_writes_total",
				Help: "Total number of checkpoint WAL appends by status",
			},
			[]string{"status"},
		),

		DroppedEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventic_dropped_events_total",
				Help: "Total number of events shed by backpressure sinks",
			},
			[]string{"kind"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventic_errors_total",
				Help: "Total number of errors by component and error kind",
			},
			[]string{"component", "kind"},
		),
	}
}

// RecordRequest records a completed pipeline with its terminal outcome.
func (m *Metrics) RecordRequest(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestCounter.WithLabelValues(outcome).Inc()
	m.RequestDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordDispatch records one handler dispatch.
func (m *Metrics) RecordDispatch(event string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatchDuration.WithLabelValues(event).Observe(durationSeconds)
}

// RecordTurn increments the loop turn counter.
func (m *Metrics) RecordTurn() {
	if m == nil {
		return
	}
	m.TurnCounter.Inc()
}

// RecordTriage records one triage decision.
func (m *Metrics) RecordTriage(decision string) {
	if m == nil {
		return
	}
	m.TriageCounter.WithLabelValues(decision).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
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

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// SetTasks sets the task population gauge for one status.
func (m *Metrics) SetTasks(status string, count int) {
	if m == nil {
		return
	}
	m.ActiveTasks.WithLabelValues(status).Set(float64(count))
}

// RecordCheckpointWrite records one WAL append attempt.
func (m *Metrics) RecordCheckpointWrite(status string) {
	if m == nil {
		return
	}
	m.CheckpointWrites.WithLabelValues(status).Inc()
}

// RecordDroppedEvent records one event shed under backpressure.
func (m *Metrics) RecordDroppedEvent(kind string) {
	if m == nil {
		return
	}
	m.DroppedEvents.WithLabelValues(kind).Inc()
}

// RecordError increments the error counter for a component and error kind.
func (m *Metrics) RecordError(component, kind string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, kind).Inc()
}
