// Package config implements TOML configuration loading, validation, and
// hot reload for ranksync. It supports a four-layer override chain
// (defaults -> config file -> environment -> CLI flags); unknown keys in
// the config file are fatal errors with "did you mean?" suggestions.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Engine   EngineConfig   `toml:"engine"`
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
	Client   ClientConfig   `toml:"client"`
}

// ServerConfig controls the reconciliation server: listen address and
// graceful shutdown timing.
type ServerConfig struct {
	ListenAddr      string `toml:"listen_addr"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// EngineConfig controls the positioning calculator and the proactive scope
// auditor. Seed and gap set the spacing of fresh scopes and rebalances;
// epsilon is the adjacent-gap threshold below which a scope is considered
// precision-exhausted. An audit_interval of "0" disables the periodic scan.
type EngineConfig struct {
	Seed          float64 `toml:"seed"`
	Gap           float64 `toml:"gap"`
	Epsilon       float64 `toml:"epsilon"`
	AuditInterval string  `toml:"audit_interval"`
}

// DatabaseConfig controls where authoritative state lives.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig controls log output behavior: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// ClientConfig controls the offline client engine: which server to dial,
// the actor identity stamped on mutations, where the outbox database lives,
// and the reconnect backoff envelope.
type ClientConfig struct {
	ServerURL         string `toml:"server_url"`
	Actor             string `toml:"actor"`
	OutboxPath        string `toml:"outbox_path"`
	ReconnectBackoff  string `toml:"reconnect_backoff"`
	MaxReconnectDelay string `toml:"max_reconnect_delay"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	ListenAddr *string // --listen flag
	DBPath     *string // --db flag
	LogLevel   *string // --log-level flag
}
