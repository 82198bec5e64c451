package config

// GatewayConfig controls the websocket event gateway.
type GatewayConfig struct {
	// Enabled starts the gateway listener under serve.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the host:port the gateway binds.
	ListenAddr string `yaml:"listen_addr"`

	// BufferSize is the per-subscriber droppable-lane buffer.
	BufferSize int `yaml:"buffer_size"`

	// AllowedOrigins restricts websocket upgrades. Empty allows all,
	// which is only sane behind a trusted proxy.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func applyGatewayDefaults(cfg *GatewayConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8321"
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 256
	}
}
