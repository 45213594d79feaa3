package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	// maxEpsilon keeps the exhaustion threshold far below any freshly
	// seeded gap, so a just-rebalanced scope can never immediately
	// re-trigger.
	maxEpsilon         = 1e-3
	minAuditInterval   = 10 * time.Second
	minShutdownTimeout = 5 * time.Second
	minBackoff         = 100 * time.Millisecond
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validLogFormats = map[string]bool{
	"auto": true, "text": true, "json": true,
}

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateClient(&cfg.Client)...)

	return errors.Join(errs...)
}

func validateServer(cfg *ServerConfig) []error {
	var errs []error

	if cfg.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}

	if d, err := time.ParseDuration(cfg.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("invalid shutdown_timeout %q: %w", cfg.ShutdownTimeout, err))
	} else if d < minShutdownTimeout {
		errs = append(errs, fmt.Errorf("shutdown_timeout %s below minimum %s", d, minShutdownTimeout))
	}

	return errs
}

func validateEngine(cfg *EngineConfig) []error {
	var errs []error

	if cfg.Seed <= 0 {
		errs = append(errs, fmt.Errorf("seed must be positive, got %g", cfg.Seed))
	}

	if cfg.Gap <= 0 {
		errs = append(errs, fmt.Errorf("gap must be positive, got %g", cfg.Gap))
	}

	if cfg.Epsilon <= 0 || cfg.Epsilon > maxEpsilon {
		errs = append(errs, fmt.Errorf("epsilon must be in (0, %g], got %g", maxEpsilon, cfg.Epsilon))
	}

	if cfg.Gap > 0 && cfg.Epsilon >= cfg.Gap {
		errs = append(errs, fmt.Errorf("epsilon %g must be smaller than gap %g", cfg.Epsilon, cfg.Gap))
	}

	if d, err := time.ParseDuration(cfg.AuditInterval); err != nil {
		errs = append(errs, fmt.Errorf("invalid audit_interval %q: %w", cfg.AuditInterval, err))
	} else if d != 0 && d < minAuditInterval {
		errs = append(errs, fmt.Errorf("audit_interval %s below minimum %s (use \"0\" to disable)", d, minAuditInterval))
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("invalid log_level %q (debug, info, warn, error)", cfg.LogLevel))
	}

	if !validLogFormats[cfg.LogFormat] {
		errs = append(errs, fmt.Errorf("invalid log_format %q (auto, text, json)", cfg.LogFormat))
	}

	return errs
}

func validateClient(cfg *ClientConfig) []error {
	var errs []error

	if u, err := url.Parse(cfg.ServerURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid server_url %q: %w", cfg.ServerURL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("server_url scheme must be ws or wss, got %q", u.Scheme))
	}

	reconnect, err := time.ParseDuration(cfg.ReconnectBackoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid reconnect_backoff %q: %w", cfg.ReconnectBackoff, err))
	} else if reconnect < minBackoff {
		errs = append(errs, fmt.Errorf("reconnect_backoff %s below minimum %s", reconnect, minBackoff))
	}

	maxDelay, err := time.ParseDuration(cfg.MaxReconnectDelay)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid max_reconnect_delay %q: %w", cfg.MaxReconnectDelay, err))
	} else if reconnect > 0 && maxDelay < reconnect {
		errs = append(errs, fmt.Errorf("max_reconnect_delay %s below reconnect_backoff %s", maxDelay, reconnect))
	}

	return errs
}

// AuditIntervalDuration returns the parsed audit interval. Zero disables
// the periodic audit. Call only after validation.
func (c *EngineConfig) AuditIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.AuditInterval)
	return d
}

// ShutdownTimeoutDuration returns the parsed shutdown timeout. Call only
// after validation.
func (c *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ShutdownTimeout)
	return d
}
