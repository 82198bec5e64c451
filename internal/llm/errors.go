package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies an adapter failure. The loop branches on the kind, not
// on error text.
type Kind string

const (
	// KindAuth indicates a missing or invalid credential (HTTP 401, 403).
	// Terminal for the request; never retried.
	KindAuth Kind = "auth"

	// KindRateLimited indicates throttling (HTTP 429). Retried inside
	// the adapter; surfaced on exhaustion.
	KindRateLimited Kind = "rate_limited"

	// KindContextWindow indicates the prompt exceeded the model context.
	// Fatal for the request; no retry.
	KindContextWindow Kind = "context_window"

	// KindTransient indicates a server-side or network failure that may
	// succeed on retry (HTTP 5xx, timeouts).
	KindTransient Kind = "transient"

	// KindPermanent indicates a failure retrying cannot fix (HTTP 400,
	// unknown model, content policy).
	KindPermanent Kind = "permanent"

	// KindCancelled indicates cooperative cancellation reached the call.
	KindCancelled Kind = "cancelled"
)

// Retryable reports whether the adapter's internal retry loop should
// attempt the call again.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransient:
		return true
	default:
		return false
	}
}

// Error is a structured adapter failure carrying the classification the
// pipeline branches on.
type Error struct {
	// Kind categorizes the failure for retry and finalize decisions.
	Kind Kind

	// Provider names the adapter ("anthropic", "openai").
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Code is the provider-specific error code.
	Code string

	// RetryAfter is the provider-suggested wait before retrying, when
	// the response carried one.
	RetryAfter time.Duration

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("llm [%s]", e.Kind))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds an Error, classifying the cause by its text when no
// better signal is available. Providers refine the kind via WithStatus
// and WithCode once they have structured information.
func NewError(provider, model string, cause error) *Error {
	e := &Error{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Kind:     KindTransient,
	}
	if cause != nil {
		e.Kind = classifyError(cause)
	}
	return e
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	e.Kind = classifyStatus(status)
	return e
}

// WithCode records a provider error code and reclassifies when the code
// is recognized.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	if kind, ok := classifyCode(code); ok {
		e.Kind = kind
	}
	return e
}

// WithRetryAfter records the provider's suggested retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// AsError extracts a structured *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr, true
	}
	return nil, false
}

// KindOf returns the classification of any error, structured or not.
func KindOf(err error) Kind {
	if llmErr, ok := AsError(err); ok {
		return llmErr.Kind
	}
	return classifyError(err)
}

// classifyError inspects an unstructured error and assigns a kind.
func classifyError(err error) Kind {
	if err == nil {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "context window"),
		strings.Contains(errStr, "context length"),
		strings.Contains(errStr, "maximum context"),
		strings.Contains(errStr, "prompt is too long"),
		strings.Contains(errStr, "too many tokens"):
		return KindContextWindow

	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "rate_limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "overloaded"):
		return KindRateLimited

	case strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "invalid api key"),
		strings.Contains(errStr, "invalid x-api-key"),
		strings.Contains(errStr, "authentication"),
		strings.Contains(errStr, "permission"):
		return KindAuth

	case strings.Contains(errStr, "model not found"),
		strings.Contains(errStr, "does not exist"),
		strings.Contains(errStr, "invalid_request"),
		strings.Contains(errStr, "content policy"):
		return KindPermanent

	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "connection re"),
		strings.Contains(errStr, "server error"),
		strings.Contains(errStr, "internal error"):
		return KindTransient
	}

	return KindTransient
}

// classifyStatus maps an HTTP status to a kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestEntityTooLarge:
		return KindContextWindow
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}

// classifyCode maps provider-specific error codes to kinds.
func classifyCode(code string) (Kind, bool) {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "overloaded_error":
		return KindRateLimited, true
	case "authentication_error", "invalid_api_key", "permission_error":
		return KindAuth, true
	case "context_length_exceeded", "context_window_exceeded":
		return KindContextWindow, true
	case "invalid_request_error", "model_not_found", "content_policy_violation":
		return KindPermanent, true
	case "api_error", "internal_error", "server_error":
		return KindTransient, true
	default:
		return "", false
	}
}
