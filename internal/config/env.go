package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "RANKSYNC_CONFIG"
	EnvListenAddr = "RANKSYNC_LISTEN_ADDR"
	EnvDBPath     = "RANKSYNC_DB_PATH"
	EnvLogLevel   = "RANKSYNC_LOG_LEVEL"
	EnvActor      = "RANKSYNC_ACTOR"
)

// EnvOverrides holds values derived from environment variables.
// These are resolved by ReadEnvOverrides and made available to callers.
type EnvOverrides struct {
	ConfigPath string // RANKSYNC_CONFIG: override config file path
	ListenAddr string // RANKSYNC_LISTEN_ADDR: server listen address
	DBPath     string // RANKSYNC_DB_PATH: state database path
	LogLevel   string // RANKSYNC_LOG_LEVEL: log level override
	Actor      string // RANKSYNC_ACTOR: client actor identity
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		ListenAddr: os.Getenv(EnvListenAddr),
		DBPath:     os.Getenv(EnvDBPath),
		LogLevel:   os.Getenv(EnvLogLevel),
		Actor:      os.Getenv(EnvActor),
	}
}
