package tools

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTool is returned when a schema name is already registered.
	ErrDuplicateTool = errors.New("tools: duplicate tool name")

	// ErrToolNotFound is returned when invoking an unregistered tool.
	ErrToolNotFound = errors.New("tools: tool not found")
)

// ErrorKind categorizes a tool execution failure for the critic layer.
type ErrorKind string

const (
	// KindInvalidArgs indicates the arguments failed schema validation.
	KindInvalidArgs ErrorKind = "invalid_args"

	// KindHandler indicates the handler itself returned an error.
	KindHandler ErrorKind = "handler_error"

	// KindTimeout indicates the per-call timeout elapsed.
	KindTimeout ErrorKind = "timeout"

	// KindPanic indicates the handler panicked and was recovered.
	KindPanic ErrorKind = "panic"

	// KindCancelled indicates cooperative cancellation reached the call.
	KindCancelled ErrorKind = "cancelled"
)

// ExecutionError is a structured failure from one tool invocation. It is
// recoverable at the critic layer; the loop may retry the turn with
// corrective guidance.
type ExecutionError struct {
	// Tool is the tool name that failed.
	Tool string

	// CallID identifies the specific invocation, when known.
	CallID string

	// Kind categorizes the failure.
	Kind ErrorKind

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool %s [%s]: %v", e.Tool, e.Kind, e.Cause)
	}
	return fmt.Sprintf("tool %s [%s]", e.Tool, e.Kind)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// NewExecutionError builds an ExecutionError with KindHandler, the most
// common case. Use WithKind to reclassify.
func NewExecutionError(tool string, cause error) *ExecutionError {
	return &ExecutionError{Tool: tool, Kind: KindHandler, Cause: cause}
}

// WithKind sets the error kind.
func (e *ExecutionError) WithKind(kind ErrorKind) *ExecutionError {
	e.Kind = kind
	return e
}

// WithCallID sets the invocation id.
func (e *ExecutionError) WithCallID(id string) *ExecutionError {
	e.CallID = id
	return e
}

// AsExecutionError extracts an ExecutionError from an error chain.
func AsExecutionError(err error) (*ExecutionError, bool) {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr, true
	}
	return nil, false
}
