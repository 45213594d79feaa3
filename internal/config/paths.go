package config

import (
	"os"
	"path/filepath"
)

const appDirName = "ranksync"

// DefaultConfigPath returns the platform default config file location,
// typically ~/.config/ranksync/config.toml on Linux.
func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", appDirName, "config.toml")
	}

	return filepath.Join(base, appDirName, "config.toml")
}

// DefaultStatePath returns the platform default location for the
// authoritative state database.
func DefaultStatePath() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName, "state.db")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", appDirName, "state.db")
	}

	return filepath.Join(home, ".local", "state", appDirName, "state.db")
}

// DefaultOutboxPath returns the platform default location for the client
// outbox database.
func DefaultOutboxPath() string {
	return filepath.Join(filepath.Dir(DefaultStatePath()), "outbox.db")
}
