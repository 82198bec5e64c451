package config

// LLMConfig selects the provider binding and model budgets.
type LLMConfig struct {
	// Provider is the adapter to drive: "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// Providers holds per-provider credentials and model defaults. The
	// selected Provider must have an entry here.
	Providers map[string]LLMProviderConfig `yaml:"providers"`

	// Model overrides the selected provider's default model.
	Model string `yaml:"model"`

	// ModelContextTokens is the provider context window used for
	// history budgeting.
	ModelContextTokens int `yaml:"model_context_tokens"`

	// OutputReserveTokens is held back from the context window for the
	// model's reply.
	OutputReserveTokens int `yaml:"output_reserve_tokens"`

	// MaxOutputTokens caps completion length per call.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	Retry LLMRetryConfig `yaml:"retry"`
}

// LLMProviderConfig carries one provider's credentials and defaults.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// LLMRetryConfig bounds the adapter-internal retry loop.
type LLMRetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
}

// EffectiveModel resolves the model to request: the explicit override
// first, then the selected provider's default.
func (c *LLMConfig) EffectiveModel() string {
	if c.Model != "" {
		return c.Model
	}
	if p, ok := c.Providers[c.Provider]; ok {
		return p.DefaultModel
	}
	return ""
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.Provider == "" {
		cfg.Provider = "anthropic"
	}
	if cfg.ModelContextTokens == 0 {
		cfg.ModelContextTokens = 200000
	}
	if cfg.OutputReserveTokens == 0 {
		cfg.OutputReserveTokens = 4096
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = 4096
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoffMs == 0 {
		cfg.Retry.InitialBackoffMs = 100
	}
	if cfg.Retry.MaxBackoffMs == 0 {
		cfg.Retry.MaxBackoffMs = 30000
	}
}
