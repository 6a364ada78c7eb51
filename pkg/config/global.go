package config

import "sync/atomic"

var cfg atomic.Value

// Init seeds the global config with defaults. Must be called once before
// Load from any other package; panics if client id generation fails since
// that draws from crypto/rand and is not expected to ever error.
func Init() {
	dcfg, err := defaultConfig()
	if err != nil {
		panic("config: generate client id: " + err.Error())
	}
	cfg.Store(&dcfg)
}

// Load returns the current config (treat as read-only).
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies a mutation on a copy and swaps it atomically.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the global config atomically with the provided value.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}
