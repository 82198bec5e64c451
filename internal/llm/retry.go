package llm

import (
	"context"

	"github.com/haasonsaas/eventic/internal/backoff"
	"github.com/haasonsaas/eventic/internal/observability"
)

// RetryConfig bounds the adapter-internal retry loop.
type RetryConfig struct {
	// MaxAttempts is the total number of tries (first call included).
	// Default: 3.
	MaxAttempts int

	// Policy shapes the backoff between attempts.
	Policy backoff.BackoffPolicy
}

// DefaultRetryConfig returns the standard retry bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Policy:      backoff.DefaultPolicy(),
	}
}

// retryingAdapter wraps an Adapter with bounded retries of transient and
// rate-limited failures. Auth, context-window, permanent, and cancelled
// errors pass through immediately. On exhaustion the last error is
// returned with its original kind preserved.
type retryingAdapter struct {
	inner  Adapter
	config RetryConfig
	logger *observability.Logger
}

// WithRetries wraps an adapter in the retry layer. A nil logger
// suppresses retry logging.
func WithRetries(inner Adapter, config RetryConfig, logger *observability.Logger) Adapter {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Policy.InitialMs == 0 {
		config.Policy = backoff.DefaultPolicy()
	}
	return &retryingAdapter{inner: inner, config: config, logger: logger}
}

// Name returns the wrapped adapter's name.
func (a *retryingAdapter) Name() string { return a.inner.Name() }

// Call retries the wrapped Call on retryable failures.
func (a *retryingAdapter) Call(ctx context.Context, req *Request) (*Response, error) {
	return a.do(ctx, req, func(attemptCtx context.Context) (*Response, error) {
		return a.inner.Call(attemptCtx, req)
	})
}

// CallStream retries only until the first chunk has been delivered; a
// stream that fails after emitting chunks is surfaced as-is since the
// caller has already observed partial output.
func (a *retryingAdapter) CallStream(ctx context.Context, req *Request, onChunk func(Chunk)) (*Response, error) {
	delivered := false
	wrapped := func(c Chunk) {
		delivered = true
		onChunk(c)
	}
	return a.do(ctx, req, func(attemptCtx context.Context) (*Response, error) {
		resp, err := a.inner.CallStream(attemptCtx, req, wrapped)
		if err != nil && delivered {
			// Partial stream already observed; do not replay it.
			return nil, &noRetry{err}
		}
		return resp, err
	})
}

// noRetry marks an error the loop must not retry regardless of kind.
type noRetry struct{ err error }

func (n *noRetry) Error() string { return n.err.Error() }
func (n *noRetry) Unwrap() error { return n.err }

func (a *retryingAdapter) do(ctx context.Context, req *Request, call func(context.Context) (*Response, error)) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= a.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, NewError(a.Name(), req.Model, err)
		}

		resp, err := call(ctx)
		if err == nil {
			return resp, nil
		}

		if bare, ok := err.(*noRetry); ok {
			return nil, bare.err
		}
		lastErr = err

		kind := KindOf(err)
		if !kind.Retryable() || attempt >= a.config.MaxAttempts {
			break
		}

		if a.logger != nil {
			a.logger.Warn(ctx, "llm call failed, retrying",
				"provider", a.Name(),
				"kind", string(kind),
				"attempt", attempt,
				"error", err)
		}

		// Honor the provider's suggested delay when one was given.
		var sleepErr error
		if llmErr, ok := AsError(err); ok && llmErr.RetryAfter > 0 {
			sleepErr = backoff.SleepWithContext(ctx, llmErr.RetryAfter)
		} else {
			sleepErr = backoff.SleepWithBackoff(ctx, a.config.Policy, attempt)
		}
		if sleepErr != nil {
			return nil, NewError(a.Name(), req.Model, sleepErr)
		}
	}
	return nil, lastErr
}
