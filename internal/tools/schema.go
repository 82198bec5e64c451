package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Schema is the declarative description of one tool. It is immutable
// once registered; the registry rejects re-registration under the same
// name.
type Schema struct {
	// Name uniquely identifies the tool within a registry.
	Name string `json:"name"`

	// Description tells the model when to reach for this tool.
	Description string `json:"description"`

	// Parameters is a JSON Schema document describing the argument
	// object. Empty means the tool takes no arguments.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// RequiresConfirmation marks tools a host should gate behind an
	// explicit user confirmation.
	RequiresConfirmation bool `json:"requires_confirmation,omitempty"`

	// Idempotent marks tools that are safe to re-run with the same
	// arguments.
	Idempotent bool `json:"idempotent,omitempty"`

	// ParallelSafe allows the executor to overlap this tool with other
	// parallel-safe calls. Tools that mutate shared state should leave
	// this false.
	ParallelSafe bool `json:"parallel_safe,omitempty"`

	// TimeoutMs overrides the executor's default per-call timeout.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// Result is the outcome a handler reports back to the loop. IsError
// results are still delivered to the model so the critic can react.
type Result struct {
	// Content is the textual payload fed back as the tool message.
	Content string `json:"content"`

	// Data optionally carries a structured payload alongside Content.
	Data any `json:"data,omitempty"`

	// IsError marks the result as a tool-level failure.
	IsError bool `json:"is_error,omitempty"`
}

// ParametersOf reflects a JSON Schema for T, for tools whose argument
// struct is known at compile time:
//
//	type searchArgs struct {
//	    Query string `json:"query" jsonschema:"required"`
//	    Limit int    `json:"limit,omitempty"`
//	}
//	params, err := tools.ParametersOf[searchArgs]()
func ParametersOf[T any]() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	var zero T
	schema := r.Reflect(&zero)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("reflect parameters schema: %w", err)
	}
	return data, nil
}

// MustParametersOf is ParametersOf for static registration sites where
// a reflection failure is a programming error.
func MustParametersOf[T any]() json.RawMessage {
	params, err := ParametersOf[T]()
	if err != nil {
		panic(err)
	}
	return params
}
