package history

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/eventic/pkg/models"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens returns the token count for text using the cl100k_base
// encoding. The encoding loads lazily on first use; if it cannot be
// loaded the estimate falls back to ceil(len/4), which over-counts
// slightly and keeps truncation conservative.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// EstimateMessageTokens estimates the token cost of a full message,
// including role overhead and tool call arguments.
func EstimateMessageTokens(msg models.Message) int {
	// Per-message framing overhead, matching the OpenAI counting format.
	total := 3
	total += EstimateTokens(string(msg.Role))
	total += EstimateTokens(msg.Content)
	for _, call := range msg.ToolCalls {
		total += EstimateTokens(call.Name)
		total += EstimateTokens(string(call.Arguments))
	}
	return total
}
