// Package llm defines the provider-agnostic LLM adapter surface and its
// error taxonomy. Provider bindings live in llm/providers; the rest of
// the engine depends only on the Adapter interface.
package llm

import (
	"context"

	"github.com/haasonsaas/eventic/internal/tools"
	"github.com/haasonsaas/eventic/pkg/models"
)

// Adapter is the provider-agnostic LLM surface.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple goroutines
// may call Call and CallStream simultaneously for different requests.
type Adapter interface {
	// Call sends a request and returns the complete response.
	Call(ctx context.Context, req *Request) (*Response, error)

	// CallStream sends a request and invokes onChunk for each delta as
	// it arrives. The returned response is the assembled whole.
	CallStream(ctx context.Context, req *Request, onChunk func(Chunk)) (*Response, error)

	// Name returns the provider name ("anthropic", "openai").
	Name() string
}

// Request carries everything one completion call needs.
type Request struct {
	// Messages is the prompt, in conversation order. A leading system
	// message is extracted by providers that take system text separately.
	Messages []models.Message `json:"messages"`

	// Tools are the schemas the model may call. Empty disables tool use.
	Tools []tools.Schema `json:"tools,omitempty"`

	// Model is the model identifier; empty uses the provider default.
	Model string `json:"model,omitempty"`

	// ResponseFormat requests a constrained output shape ("json" or "").
	ResponseFormat string `json:"response_format,omitempty"`

	// Temperature overrides sampling temperature when non-nil.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens caps completion length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Response is the assembled completion.
type Response struct {
	// Content is the text of the reply; may be empty when the model
	// only requested tools.
	Content string `json:"content,omitempty"`

	// ToolCalls are the tool invocations the model requested.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// Usage reports token consumption for this call.
	Usage Usage `json:"usage"`

	// FinishReason is the provider's stop reason (end_turn, tool_use,
	// max_tokens, ...), normalized to the provider's own vocabulary.
	FinishReason string `json:"finish_reason,omitempty"`
}

// Usage carries token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chunk is one streaming delta. Exactly one of the payload groups is
// meaningful per chunk: Text for content deltas, the ToolCall* fields
// for tool-call streaming, Done for end of stream.
type Chunk struct {
	// Text is an incremental content fragment.
	Text string `json:"text,omitempty"`

	// ToolCallID and ToolName open a tool call block. They are set on
	// the first chunk of each call and repeat on its arg deltas.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// ArgDelta is an incremental fragment of the call's argument JSON.
	ArgDelta string `json:"arg_delta,omitempty"`

	// ToolCallDone closes the current tool call block.
	ToolCallDone bool `json:"tool_call_done,omitempty"`

	// Done marks the end of the stream.
	Done bool `json:"done,omitempty"`
}
