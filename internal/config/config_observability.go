package config

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// AddSource includes file:line in every record.
	AddSource bool `yaml:"add_source"`

	// RedactPatterns are extra regexes applied on top of the builtin
	// secret patterns.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// MetricsConfig toggles Prometheus metrics. The registry is exposed on
// the gateway's /metrics endpoint.
type MetricsConfig struct {
	// Enabled defaults to true; use a pointer so explicit false sticks.
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether metrics collection is on.
func (c MetricsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}
