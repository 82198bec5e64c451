package config

import (
	"fmt"
	"time"
)

// Config is the main configuration structure for eventic.
//
// A Config is read-only after Load returns. Components receive it by
// pointer and must not mutate it; per-request overrides travel on the
// request options instead.
type Config struct {
	// Version is the config file schema version.
	Version int `yaml:"version"`

	// WorkspaceRoot is the directory that owns .conversations/,
	// .checkpoints/, and .tasks/.
	WorkspaceRoot string `yaml:"workspace_root"`

	// MaxTurns is the soft limit on actor-critic turns per request.
	MaxTurns int `yaml:"max_turns"`

	// TriageEnabled gates the triage step on fresh requests. Defaults to
	// true; use a pointer so an explicit false survives defaulting.
	TriageEnabled *bool `yaml:"triage_enabled"`

	// MaxConcurrentTasks caps simultaneously running background tasks.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// CheckpointInterval is the cadence of periodic task checkpoints.
	CheckpointInterval Duration `yaml:"checkpoint_interval"`

	// CheckpointRetention is how many checkpoints per task survive Compact.
	CheckpointRetention int `yaml:"checkpoint_retention"`

	// ParallelToolWorkers bounds the parallel-safe tool pool.
	ParallelToolWorkers int `yaml:"parallel_tool_workers"`

	// ToolCallTimeoutMs is the default per-tool-call timeout.
	ToolCallTimeoutMs int `yaml:"tool_call_timeout_ms"`

	// LLMCallTimeoutMs bounds a single adapter call including its
	// internal retries.
	LLMCallTimeoutMs int `yaml:"llm_call_timeout_ms"`

	// HistoryTokenBudget is the prompt-assembly token budget.
	HistoryTokenBudget int `yaml:"history_token_budget"`

	// OutputRetentionSeconds is how long finished task records are kept.
	OutputRetentionSeconds int `yaml:"output_retention_seconds"`

	// AutonomousDefaultIntervalMs is the default wake interval for
	// autonomous controller runs.
	AutonomousDefaultIntervalMs int `yaml:"autonomous_default_interval_ms"`

	LLM        LLMConfig        `yaml:"llm"`
	Controller ControllerConfig `yaml:"controller"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// Duration wraps time.Duration so yaml configs can say "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a duration from a yaml string node.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back to its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// IsTriageEnabled reports whether fresh requests go through triage.
func (c *Config) IsTriageEnabled() bool {
	return c.TriageEnabled == nil || *c.TriageEnabled
}

// ToolCallTimeout returns the per-tool-call timeout as a duration.
func (c *Config) ToolCallTimeout() time.Duration {
	return time.Duration(c.ToolCallTimeoutMs) * time.Millisecond
}

// LLMCallTimeout returns the adapter call timeout as a duration.
func (c *Config) LLMCallTimeout() time.Duration {
	return time.Duration(c.LLMCallTimeoutMs) * time.Millisecond
}

// OutputRetention returns the finished-task retention window.
func (c *Config) OutputRetention() time.Duration {
	return time.Duration(c.OutputRetentionSeconds) * time.Second
}

// AutonomousDefaultInterval returns the default autonomous wake interval.
func (c *Config) AutonomousDefaultInterval() time.Duration {
	return time.Duration(c.AutonomousDefaultIntervalMs) * time.Millisecond
}

// Load reads, merges, and validates the configuration file at path.
// $include directives are resolved relative to the including file and
// environment variables are expanded before parsing. Unknown fields are
// rejected.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with every default applied and no file read.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "."
	}
	if cfg.MaxTurns == 0 {
		cfg.MaxTurns = 20
	}
	if cfg.MaxConcurrentTasks == 0 {
		cfg.MaxConcurrentTasks = 3
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = Duration(30 * time.Second)
	}
	if cfg.CheckpointRetention == 0 {
		cfg.CheckpointRetention = 5
	}
	if cfg.ParallelToolWorkers == 0 {
		cfg.ParallelToolWorkers = 8
	}
	if cfg.ToolCallTimeoutMs == 0 {
		cfg.ToolCallTimeoutMs = 120000
	}
	if cfg.LLMCallTimeoutMs == 0 {
		cfg.LLMCallTimeoutMs = 300000
	}
	if cfg.HistoryTokenBudget == 0 {
		cfg.HistoryTokenBudget = 32000
	}
	if cfg.OutputRetentionSeconds == 0 {
		cfg.OutputRetentionSeconds = 86400
	}
	if cfg.AutonomousDefaultIntervalMs == 0 {
		cfg.AutonomousDefaultIntervalMs = 60000
	}

	applyLLMDefaults(&cfg.LLM)
	applyGatewayDefaults(&cfg.Gateway)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "eventic"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}
