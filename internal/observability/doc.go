// Package observability provides monitoring and debugging capabilities for
// the eventic engine through metrics, structured logging, and distributed
// tracing.
//
// # Overview
//
// The package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Metrics
//
// Metrics are implemented with the Prometheus client libraries and track:
//   - Request pipeline throughput and duration by outcome
//   - Handler dispatch latency per event
//   - LLM request latency and token usage by provider and model
//   - Tool execution counts and duration
//   - Active background tasks by status
//   - Checkpoint write outcomes
//   - Dropped stream events by kind
//   - Error rates by component and kind
//
// All recording helpers are safe to call on a nil *Metrics, so components
// can treat metrics as optional:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "success", 1.2, 512, 128)
//
// # Logging
//
// Logging is built on log/slog with automatic redaction of API keys,
// passwords, and tokens. Request, conversation, and task IDs are pulled
// from the context so every log line carries its correlation fields:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	ctx = observability.AddRequestID(ctx, requestID)
//	logger.Info(ctx, "request accepted", "conversation", name)
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP gRPC exporter. When no endpoint
// is configured the tracer is a no-op, so instrumentation can stay in place
// in all environments:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "eventic",
//	    Endpoint:    "localhost:4317",
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceRequest(ctx, conversation, requestID)
//	defer span.End()
//
// Spans nest per request: one root span per pipeline run, a child per
// handler dispatch, and further children per LLM call and tool execution.
package observability
