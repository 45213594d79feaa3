package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and work for a single-node deployment
// without any config file.
const (
	defaultListenAddr        = "127.0.0.1:7363"
	defaultShutdownTimeout   = "30s"
	defaultSeed              = 1000.0
	defaultGap               = 1000.0
	defaultEpsilon           = 1e-10
	defaultAuditInterval     = "5m"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultServerURL         = "ws://127.0.0.1:7363/sync"
	defaultReconnectBackoff  = "1s"
	defaultMaxReconnectDelay = "2m"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      defaultListenAddr,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Engine: EngineConfig{
			Seed:          defaultSeed,
			Gap:           defaultGap,
			Epsilon:       defaultEpsilon,
			AuditInterval: defaultAuditInterval,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Client: ClientConfig{
			ServerURL:         defaultServerURL,
			ReconnectBackoff:  defaultReconnectBackoff,
			MaxReconnectDelay: defaultMaxReconnectDelay,
		},
	}
}
