package config

import "sync/atomic"

// Holder hands out the current *Config snapshot to every consumer. A hot
// reload swaps the pointer; readers never block and never see a partially
// applied config.
type Holder struct {
	cfg  atomic.Pointer[Config]
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial config and config file path.
func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	h.cfg.Store(cfg)

	return h
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Config {
	return h.cfg.Load()
}

// Path returns the config file path being watched.
func (h *Holder) Path() string {
	return h.path
}

// Update swaps in a new config snapshot.
func (h *Holder) Update(cfg *Config) {
	h.cfg.Store(cfg)
}
