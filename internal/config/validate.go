package config

import (
	"fmt"
	"strings"
)

var knownProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}

	provider := strings.TrimSpace(c.LLM.Provider)
	if !knownProviders[provider] {
		return fmt.Errorf("llm.provider %q is not supported (anthropic, openai)", provider)
	}
	if _, ok := c.LLM.Providers[provider]; !ok {
		return fmt.Errorf("llm.provider %q has no entry under llm.providers", provider)
	}

	if c.MaxTurns < 1 {
		return fmt.Errorf("max_turns must be at least 1, got %d", c.MaxTurns)
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be at least 1, got %d", c.MaxConcurrentTasks)
	}
	if c.ParallelToolWorkers < 1 {
		return fmt.Errorf("parallel_tool_workers must be at least 1, got %d", c.ParallelToolWorkers)
	}
	if c.CheckpointRetention < 1 {
		return fmt.Errorf("checkpoint_retention must be at least 1, got %d", c.CheckpointRetention)
	}
	if c.HistoryTokenBudget < 1 {
		return fmt.Errorf("history_token_budget must be positive, got %d", c.HistoryTokenBudget)
	}
	if c.LLM.OutputReserveTokens >= c.LLM.ModelContextTokens {
		return fmt.Errorf("llm.output_reserve_tokens (%d) must be smaller than llm.model_context_tokens (%d)",
			c.LLM.OutputReserveTokens, c.LLM.ModelContextTokens)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (text, json)", c.Logging.Format)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1], got %v", c.Tracing.SamplingRate)
	}

	if c.Gateway.Enabled && strings.TrimSpace(c.Gateway.ListenAddr) == "" {
		return fmt.Errorf("gateway.listen_addr is required when the gateway is enabled")
	}
	if c.Gateway.BufferSize < 1 {
		return fmt.Errorf("gateway.buffer_size must be at least 1, got %d", c.Gateway.BufferSize)
	}

	return nil
}
