package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindAuth, false},
		{KindRateLimited, true},
		{KindContextWindow, false},
		{KindTransient, true},
		{KindPermanent, false},
		{KindCancelled, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Retryable(); got != tt.want {
			t.Errorf("%s.Retryable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{errors.New("429 too many requests"), KindRateLimited},
		{errors.New("invalid api key provided"), KindAuth},
		{errors.New("prompt is too long: 250000 tokens"), KindContextWindow},
		{errors.New("model not found: gpt-9"), KindPermanent},
		{errors.New("internal error, try again"), KindTransient},
		{context.Canceled, KindCancelled},
		{fmt.Errorf("request: %w", context.Canceled), KindCancelled},
	}
	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%q) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestWithStatusReclassifies(t *testing.T) {
	err := NewError("anthropic", "claude", errors.New("boom")).WithStatus(401)
	if err.Kind != KindAuth {
		t.Errorf("Kind = %s, want auth", err.Kind)
	}
	err = NewError("openai", "gpt", errors.New("boom")).WithStatus(503)
	if err.Kind != KindTransient {
		t.Errorf("Kind = %s, want transient", err.Kind)
	}
}

func TestWithCodeReclassifies(t *testing.T) {
	err := NewError("openai", "gpt", errors.New("bad request")).
		WithStatus(400).
		WithCode("context_length_exceeded")
	if err.Kind != KindContextWindow {
		t.Errorf("Kind = %s, want context_window", err.Kind)
	}
	// Unknown codes leave the status classification alone.
	err = NewError("openai", "gpt", errors.New("boom")).
		WithStatus(500).
		WithCode("something_new")
	if err.Kind != KindTransient {
		t.Errorf("Kind = %s, want transient", err.Kind)
	}
}

func TestAsErrorThroughWrap(t *testing.T) {
	inner := NewError("anthropic", "claude", errors.New("limit")).
		WithStatus(429).
		WithRetryAfter(2 * time.Second)
	wrapped := fmt.Errorf("turn 3: %w", inner)

	got, ok := AsError(wrapped)
	if !ok {
		t.Fatal("AsError failed through wrap")
	}
	if got.Kind != KindRateLimited || got.RetryAfter != 2*time.Second {
		t.Errorf("got kind=%s retryAfter=%s", got.Kind, got.RetryAfter)
	}
	if KindOf(wrapped) != KindRateLimited {
		t.Errorf("KindOf = %s, want rate_limited", KindOf(wrapped))
	}
}
