package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExhausted terminates a retry loop whose every attempt
// failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// RetryResult carries the outcome of RetryWithBackoff.
type RetryResult[T any] struct {
	Value     T
	Attempts  int
	LastError error
}

// RetryWithBackoff calls fn up to maxAttempts times, sleeping per the
// policy between failures. The attempt number passed to fn is
// 1-indexed. Cancellation is honored before each attempt and during
// the sleeps.
func RetryWithBackoff[T any](ctx context.Context, policy BackoffPolicy, maxAttempts int, fn func(attempt int) (T, error)) (RetryResult[T], error) {
	var result RetryResult[T]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}
		result.LastError = err

		if attempt < maxAttempts {
			if err := SleepWithBackoff(ctx, policy, attempt); err != nil {
				return result, err
			}
		}
	}
	return result, ErrMaxAttemptsExhausted
}
