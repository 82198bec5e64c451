package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/haasonsaas/eventic/internal/llm"
	"github.com/haasonsaas/eventic/internal/tools"
	"github.com/haasonsaas/eventic/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI implements llm.Adapter over the go-openai client.
//
// Thread Safety:
// OpenAI is safe for concurrent use; each call owns its own stream.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
}

// OpenAIConfig configures the binding.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint (Azure, proxies, test servers).
	BaseURL string

	// DefaultModel is used when a request does not name one.
	DefaultModel string

	// MaxTokens caps completions when a request does not set one.
	// Default: 4096.
	MaxTokens int
}

// NewOpenAI creates the binding.
func NewOpenAI(config OpenAIConfig) (*OpenAI, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAI{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
		maxTokens:    config.MaxTokens,
	}, nil
}

// Name returns "openai".
func (p *OpenAI) Name() string { return "openai" }

// Call sends a buffered (non-streaming) request.
func (p *OpenAI) Call(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	chatReq, err := p.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	completion, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, chatReq.Model)
	}
	if len(completion.Choices) == 0 {
		return nil, llm.NewError("openai", chatReq.Model, errors.New("empty response: no choices"))
	}

	choice := completion.Choices[0]
	resp := &llm.Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	return resp, nil
}

// CallStream sends a streaming request, forwarding deltas to onChunk
// and returning the assembled response. Tool call fragments arrive
// indexed; they are accumulated per index and closed when the stream
// finishes with reason tool_calls or hits EOF.
func (p *OpenAI) CallStream(ctx context.Context, req *llm.Request, onChunk func(llm.Chunk)) (*llm.Response, error) {
	chatReq, err := p.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, chatReq.Model)
	}
	defer stream.Close()

	resp := &llm.Response{}
	var content strings.Builder
	pending := make(map[int]*models.ToolCall)
	opened := make(map[int]bool)

	flush := func() {
		indices := make([]int, 0, len(pending))
		for i := range pending {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			call := pending[i]
			if call.ID == "" || call.Name == "" {
				continue
			}
			if len(call.Arguments) == 0 {
				call.Arguments = json.RawMessage("{}")
			}
			resp.ToolCalls = append(resp.ToolCalls, *call)
			onChunk(llm.Chunk{ToolCallID: call.ID, ToolName: call.Name, ToolCallDone: true})
		}
		pending = make(map[int]*models.ToolCall)
		opened = make(map[int]bool)
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				resp.Content = content.String()
				onChunk(llm.Chunk{Done: true})
				return resp, nil
			}
			return nil, p.wrapError(err, chatReq.Model)
		}

		if response.Usage != nil {
			resp.Usage.InputTokens = response.Usage.PromptTokens
			resp.Usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			onChunk(llm.Chunk{Text: delta.Content})
		}

		for _, fragment := range delta.ToolCalls {
			index := 0
			if fragment.Index != nil {
				index = *fragment.Index
			}
			call := pending[index]
			if call == nil {
				call = &models.ToolCall{}
				pending[index] = call
			}
			if fragment.ID != "" {
				call.ID = fragment.ID
			}
			if fragment.Function.Name != "" {
				call.Name = fragment.Function.Name
			}
			if !opened[index] && call.ID != "" && call.Name != "" {
				opened[index] = true
				onChunk(llm.Chunk{ToolCallID: call.ID, ToolName: call.Name})
			}
			if fragment.Function.Arguments != "" {
				call.Arguments = append(call.Arguments, fragment.Function.Arguments...)
				onChunk(llm.Chunk{
					ToolCallID: call.ID,
					ToolName:   call.Name,
					ArgDelta:   fragment.Function.Arguments,
				})
			}
		}

		if choice.FinishReason != "" {
			resp.FinishReason = string(choice.FinishReason)
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

// buildRequest converts an llm.Request into a chat completion request.
func (p *OpenAI) buildRequest(req *llm.Request, stream bool) (openai.ChatCompletionRequest, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:  p.model(req.Model),
		Stream: stream,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else {
		chatReq.MaxTokens = p.maxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.ResponseFormat == "json" {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case models.RoleTool:
			chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				args := string(call.Arguments)
				if args == "" {
					args = "{}"
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: args,
					},
				})
			}
			chatReq.Messages = append(chatReq.Messages, oaiMsg)

		default:
			chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	chatReq.Tools = convertOpenAITools(req.Tools)
	return chatReq, nil
}

// convertOpenAITools maps tool schemas to function definitions.
func convertOpenAITools(schemas []tools.Schema) []openai.Tool {
	if len(schemas) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(schemas))
	for i, schema := range schemas {
		params := schema.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        schema.Name,
				Description: schema.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

// wrapError classifies a client failure into the llm taxonomy.
func (p *OpenAI) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := llm.AsError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		llmErr := llm.NewError("openai", model, err).WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			llmErr = llmErr.WithCode(code)
		}
		return llmErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return llm.NewError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return llm.NewError("openai", model, fmt.Errorf("request failed: %w", err))
}

// model resolves the model for a request.
func (p *OpenAI) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}
