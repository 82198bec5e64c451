// Package providers implements the concrete LLM adapter bindings.
//
// Each binding converts between pkg/models message shapes and one
// provider SDK, classifies SDK failures into the llm error taxonomy,
// and implements both the buffered and streaming call paths. Retry
// policy is not handled here; llm.WithRetries wraps any binding.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/eventic/internal/llm"
	"github.com/haasonsaas/eventic/internal/tools"
	"github.com/haasonsaas/eventic/pkg/models"
)

// Anthropic implements llm.Adapter over the official Anthropic SDK.
//
// Thread Safety:
// Anthropic is safe for concurrent use; each call owns its own stream.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// AnthropicConfig configures the binding.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint (proxies, test servers).
	BaseURL string

	// DefaultModel is used when a request does not name one.
	DefaultModel string

	// MaxTokens caps completions when a request does not set one.
	// Default: 4096.
	MaxTokens int
}

// NewAnthropic creates the binding. The API key is mandatory; every
// other field has a default.
func NewAnthropic(config AnthropicConfig) (*Anthropic, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &Anthropic{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		maxTokens:    config.MaxTokens,
	}, nil
}

// Name returns "anthropic".
func (p *Anthropic) Name() string { return "anthropic" }

// Call sends a buffered (non-streaming) request.
func (p *Anthropic) Call(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err, p.model(req.Model))
	}
	return p.convertMessage(msg), nil
}

// CallStream sends a streaming request, forwarding deltas to onChunk
// and returning the assembled response.
func (p *Anthropic) CallStream(ctx context.Context, req *llm.Request, onChunk func(llm.Chunk)) (*llm.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	resp := &llm.Response{}
	var content strings.Builder
	var currentCall *models.ToolCall
	var currentArgs strings.Builder

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			resp.Usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentArgs.Reset()
				onChunk(llm.Chunk{ToolCallID: toolUse.ID, ToolName: toolUse.Name})
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					content.WriteString(delta.Text)
					onChunk(llm.Chunk{Text: delta.Text})
				}
			case "input_json_delta":
				if delta.PartialJSON != "" && currentCall != nil {
					currentArgs.WriteString(delta.PartialJSON)
					onChunk(llm.Chunk{
						ToolCallID: currentCall.ID,
						ToolName:   currentCall.Name,
						ArgDelta:   delta.PartialJSON,
					})
				}
			}

		case "content_block_stop":
			if currentCall != nil {
				args := currentArgs.String()
				if args == "" {
					args = "{}"
				}
				currentCall.Arguments = json.RawMessage(args)
				resp.ToolCalls = append(resp.ToolCalls, *currentCall)
				onChunk(llm.Chunk{
					ToolCallID:   currentCall.ID,
					ToolName:     currentCall.Name,
					ToolCallDone: true,
				})
				currentCall = nil
			}

		case "message_delta":
			d := event.AsMessageDelta()
			if d.Usage.OutputTokens > 0 {
				resp.Usage.OutputTokens = int(d.Usage.OutputTokens)
			}
			if d.Delta.StopReason != "" {
				resp.FinishReason = string(d.Delta.StopReason)
			}

		case "message_stop":
			resp.Content = content.String()
			onChunk(llm.Chunk{Done: true})
			return resp, nil
		}
	}

	if err := stream.Err(); err != nil {
		return nil, p.wrapError(err, p.model(req.Model))
	}
	resp.Content = content.String()
	return resp, nil
}

// buildParams converts an llm.Request into SDK params. The leading
// system message maps to the System field; tool messages become
// tool_result blocks inside user messages.
func (p *Anthropic) buildParams(req *llm.Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{
				Type: "text",
				Text: msg.Content,
			})

		case models.RoleTool:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.Status == models.CallError),
			))

		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input map[string]any
				raw := call.Arguments
				if len(raw) == 0 {
					raw = json.RawMessage("{}")
				}
				if err := json.Unmarshal(raw, &input); err != nil {
					return params, fmt.Errorf("anthropic: invalid tool call arguments for %s: %w", call.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(content...))

		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	toolParams, err := convertAnthropicTools(req.Tools)
	if err != nil {
		return params, err
	}
	params.Tools = toolParams
	return params, nil
}

// convertAnthropicTools maps tool schemas to SDK tool params.
func convertAnthropicTools(schemas []tools.Schema) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, schema := range schemas {
		var inputSchema anthropic.ToolInputSchemaParam
		raw := schema.Parameters
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		if err := json.Unmarshal(raw, &inputSchema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", schema.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(inputSchema, schema.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s", schema.Name)
		}
		param.OfTool.Description = anthropic.String(schema.Description)
		result = append(result, param)
	}
	return result, nil
}

// convertMessage maps a buffered SDK response to llm.Response.
func (p *Anthropic) convertMessage(msg *anthropic.Message) *llm.Response {
	resp := &llm.Response{
		FinishReason: string(msg.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	var content strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        toolUse.ID,
				Name:      toolUse.Name,
				Arguments: json.RawMessage(toolUse.JSON.Input.Raw()),
			})
		}
	}
	resp.Content = content.String()
	return resp
}

// anthropicErrorPayload is the error body shape the API returns.
type anthropicErrorPayload struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// wrapError classifies an SDK failure into the llm taxonomy.
func (p *Anthropic) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := llm.AsError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		llmErr := llm.NewError("anthropic", model, err).WithStatus(apiErr.StatusCode)
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Type != "" {
				llmErr = llmErr.WithCode(payload.Error.Type)
			}
		}
		if apiErr.StatusCode == 429 {
			if retryAfter := apiErr.Response.Header.Get("retry-after"); retryAfter != "" {
				if d, parseErr := time.ParseDuration(retryAfter + "s"); parseErr == nil {
					llmErr = llmErr.WithRetryAfter(d)
				}
			}
		}
		return llmErr
	}
	return llm.NewError("anthropic", model, err)
}

// model resolves the model for a request.
func (p *Anthropic) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}
