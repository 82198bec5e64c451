package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/eventic/internal/backoff"
)

// scriptedAdapter returns one canned outcome per call, in order.
type scriptedAdapter struct {
	name     string
	outcomes []outcome
	calls    int
}

type outcome struct {
	resp *Response
	err  error
}

func (s *scriptedAdapter) Name() string { return s.name }

func (s *scriptedAdapter) next() (*Response, error) {
	if s.calls >= len(s.outcomes) {
		return nil, errors.New("script exhausted")
	}
	out := s.outcomes[s.calls]
	s.calls++
	return out.resp, out.err
}

func (s *scriptedAdapter) Call(ctx context.Context, req *Request) (*Response, error) {
	return s.next()
}

func (s *scriptedAdapter) CallStream(ctx context.Context, req *Request, onChunk func(Chunk)) (*Response, error) {
	resp, err := s.next()
	if resp != nil && resp.Content != "" {
		onChunk(Chunk{Text: resp.Content})
		onChunk(Chunk{Done: true})
	}
	return resp, err
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		Policy:      backoff.BackoffPolicy{InitialMs: 1, MaxMs: 5, Factor: 2, Jitter: 0},
	}
}

func TestRetry_TransientRecovered(t *testing.T) {
	inner := &scriptedAdapter{name: "fake", outcomes: []outcome{
		{err: NewError("fake", "m", errors.New("server error")).WithStatus(500)},
		{resp: &Response{Content: "ok"}},
	}}
	a := WithRetries(inner, fastRetry(3), nil)

	resp, err := a.Call(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Content != "ok" || inner.calls != 2 {
		t.Errorf("content=%q calls=%d, want ok after 2 calls", resp.Content, inner.calls)
	}
}

func TestRetry_AuthNotRetried(t *testing.T) {
	inner := &scriptedAdapter{name: "fake", outcomes: []outcome{
		{err: NewError("fake", "m", errors.New("bad key")).WithStatus(401)},
		{resp: &Response{Content: "never"}},
	}}
	a := WithRetries(inner, fastRetry(3), nil)

	_, err := a.Call(context.Background(), &Request{Model: "m"})
	if KindOf(err) != KindAuth {
		t.Errorf("kind = %s, want auth", KindOf(err))
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetry_ContextWindowNotRetried(t *testing.T) {
	inner := &scriptedAdapter{name: "fake", outcomes: []outcome{
		{err: NewError("fake", "m", errors.New("too big")).WithCode("context_length_exceeded")},
	}}
	a := WithRetries(inner, fastRetry(3), nil)

	_, err := a.Call(context.Background(), &Request{Model: "m"})
	if KindOf(err) != KindContextWindow || inner.calls != 1 {
		t.Errorf("kind=%s calls=%d, want context_window after 1 call", KindOf(err), inner.calls)
	}
}

func TestRetry_ExhaustionPreservesKind(t *testing.T) {
	limited := NewError("fake", "m", errors.New("slow down")).WithStatus(429)
	inner := &scriptedAdapter{name: "fake", outcomes: []outcome{
		{err: limited}, {err: limited}, {err: limited},
	}}
	a := WithRetries(inner, fastRetry(3), nil)

	_, err := a.Call(context.Background(), &Request{Model: "m"})
	if KindOf(err) != KindRateLimited {
		t.Errorf("kind = %s, want rate_limited preserved on exhaustion", KindOf(err))
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetry_HonorsRetryAfter(t *testing.T) {
	limited := NewError("fake", "m", errors.New("slow down")).
		WithStatus(429).
		WithRetryAfter(80 * time.Millisecond)
	inner := &scriptedAdapter{name: "fake", outcomes: []outcome{
		{err: limited},
		{resp: &Response{Content: "ok"}},
	}}
	a := WithRetries(inner, fastRetry(3), nil)

	start := time.Now()
	_, err := a.Call(context.Background(), &Request{Model: "m"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("elapsed = %s, want >= RetryAfter", elapsed)
	}
}

func TestRetry_StreamNoReplayAfterChunks(t *testing.T) {
	inner := &scriptedAdapter{name: "fake", outcomes: []outcome{
		{resp: &Response{Content: "partial"}, err: NewError("fake", "m", errors.New("server error")).WithStatus(500)},
		{resp: &Response{Content: "never"}},
	}}
	a := WithRetries(inner, fastRetry(3), nil)

	var chunks []Chunk
	_, err := a.CallStream(context.Background(), &Request{Model: "m"}, func(c Chunk) {
		chunks = append(chunks, c)
	})
	if err == nil {
		t.Fatal("expected error after partial stream")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1 (no replay after delivered chunks)", inner.calls)
	}
}

func TestRetry_CancelledContext(t *testing.T) {
	inner := &scriptedAdapter{name: "fake", outcomes: []outcome{
		{resp: &Response{Content: "never"}},
	}}
	a := WithRetries(inner, fastRetry(3), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Call(ctx, &Request{Model: "m"})
	if KindOf(err) != KindCancelled {
		t.Errorf("kind = %s, want cancelled", KindOf(err))
	}
	if inner.calls != 0 {
		t.Errorf("calls = %d, want 0", inner.calls)
	}
}
