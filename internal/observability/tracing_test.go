package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracer(t *testing.T) {
	tests := []struct {
		name   string
		config TraceConfig
	}{
		{
			name: "without endpoint (no-op)",
			config: TraceConfig{
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name:   "empty config uses eventic defaults",
			config: TraceConfig{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, shutdown := NewTracer(tt.config)
			defer func() { _ = shutdown(context.Background()) }()

			if tracer == nil {
				t.Fatal("NewTracer() returned nil")
			}
			if tracer.tracer == nil {
				t.Error("tracer.tracer is nil")
			}
		})
	}
}

func TestNoOpTracerShutdown(t *testing.T) {
	_, shutdown := NewTracer(TraceConfig{ServiceName: "test-service"})

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned error: %v", err)
	}
}

func TestTracerStart(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := tracer.Start(ctx, "test-operation")
	defer span.End()

	if span == nil {
		t.Fatal("Start() returned nil span")
	}
}

func TestSpanWithAttributes(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := tracer.Start(ctx, "test-operation", SpanOptions{
		Kind: trace.SpanKindServer,
		Attributes: []attribute.KeyValue{
			attribute.String("key1", "value1"),
			attribute.Int("key2", 42),
		},
	})
	defer span.End()

	if span == nil {
		t.Fatal("Start() with attributes returned nil span")
	}
}

func TestTracerRecordError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := tracer.Start(ctx, "test-operation")

	testErr := errors.New("test error")
	tracer.RecordError(span, testErr)
	span.End()
}

func TestTracerRecordErrorWithNil(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := tracer.Start(ctx, "test-operation")
	defer span.End()

	// Recording nil error should not panic
	tracer.RecordError(span, nil)
}

func TestSetAttributes(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := tracer.Start(ctx, "test-operation")
	defer span.End()

	tracer.SetAttributes(span,
		"string_key", "string_value",
		"int_key", 42,
		"int64_key", int64(123),
		"float_key", 3.14,
		"bool_key", true,
		"slice_key", []string{"a", "b"},
	)
}

func TestSetAttributesWithInvalidKeyvals(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := tracer.Start(ctx, "test-operation")
	defer span.End()

	// Odd number of arguments, trailing key is dropped
	tracer.SetAttributes(span, "key1", "value1", "key2")

	// Non-string key is skipped
	tracer.SetAttributes(span, 42, "value")
}

func TestTraceRequest(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := tracer.TraceRequest(ctx, "support-thread", "req-123")
	defer span.End()

	if span == nil {
		t.Fatal("TraceRequest() returned nil span")
	}
}

func TestTraceDispatch(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := tracer.TraceDispatch(ctx, "agent-start", 1)
	defer span.End()

	if span == nil {
		t.Fatal("TraceDispatch() returned nil span")
	}
}

func TestTraceLLMRequest(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := tracer.TraceLLMRequest(ctx, "anthropic", "claude-sonnet-4-5")
	defer span.End()

	if span == nil {
		t.Fatal("TraceLLMRequest() returned nil span")
	}
}

func TestTraceToolExecution(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := tracer.TraceToolExecution(ctx, "web_search", "call-1")
	defer span.End()

	if span == nil {
		t.Fatal("TraceToolExecution() returned nil span")
	}
}

func TestTraceTask(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	_, span := tracer.TraceTask(ctx, "task-42", "research")
	defer span.End()

	if span == nil {
		t.Fatal("TraceTask() returned nil span")
	}
}

func TestWithSpan(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()

	called := false
	err := WithSpan(ctx, tracer, "test-operation", func(ctx context.Context, span trace.Span) error {
		called = true
		return nil
	})
	if err != nil {
		t.Errorf("WithSpan() returned error: %v", err)
	}
	if !called {
		t.Error("WithSpan() did not call fn")
	}
}

func TestWithSpanError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName: "test-service",
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	wantErr := errors.New("operation failed")

	err := WithSpan(ctx, tracer, "test-operation", func(ctx context.Context, span trace.Span) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("WithSpan() error = %v, want %v", err, wantErr)
	}
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	ctx := context.Background()

	if id := GetTraceID(ctx); id != "" {
		t.Errorf("Expected empty trace ID without active span, got %q", id)
	}
}

func TestAttributeFromValue(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"string", "k", "v"},
		{"int", "k", 42},
		{"int64", "k", int64(9000)},
		{"float64", "k", 3.14},
		{"bool", "k", true},
		{"string slice", "k", []string{"a", "b"}},
		{"fallback to string", "k", struct{ X int }{X: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := attributeFromValue(tt.key, tt.val)
			if string(kv.Key) != tt.key {
				t.Errorf("attributeFromValue() key = %q, want %q", kv.Key, tt.key)
			}
			if !kv.Valid() {
				t.Error("attributeFromValue() produced invalid KeyValue")
			}
		})
	}
}
