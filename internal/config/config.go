// Package config loads and writes weft configuration.
//
// Configuration lives in TOML at .weft/config.toml, with a global file in
// the home directory and an optional per-workspace override. Environment
// variables prefixed WEFT_ override both.
package config

// Config represents the full weft configuration
type Config struct {
	// Device identifies this installation to the relay
	Device DeviceConfig `toml:"device" mapstructure:"device"`

	// Sync controls provider sync cycles
	Sync SyncConfig `toml:"sync" mapstructure:"sync"`

	// Relay configures the device sync connection
	Relay RelayConfig `toml:"relay" mapstructure:"relay"`

	// Providers holds per-provider adapter settings keyed by adapter name
	Providers map[string]map[string]string `toml:"providers" mapstructure:"providers"`

	// Log configures file logging
	Log LogConfig `toml:"log" mapstructure:"log"`
}

// DeviceConfig identifies this device
type DeviceConfig struct {
	// ID uniquely names this device. Generated on first init.
	ID string `toml:"id" mapstructure:"id"`
}

// SyncConfig controls sync cycle scheduling and conflict resolution
type SyncConfig struct {
	// IntervalSeconds between automatic provider sync cycles
	IntervalSeconds int `toml:"interval_seconds" mapstructure:"interval_seconds"`

	// ProviderPriority orders providers for description conflicts.
	// Providers not listed rank below listed ones, alphabetically.
	ProviderPriority []string `toml:"provider_priority" mapstructure:"provider_priority"`
}

// RelayConfig configures the device-to-device relay
type RelayConfig struct {
	// URL of the relay sync endpoint (empty disables device sync)
	URL string `toml:"url" mapstructure:"url"`

	// Port for `weft relay` to listen on
	Port int `toml:"port" mapstructure:"port"`

	// LogPath is the relay's durable frame log (empty means in-memory)
	LogPath string `toml:"log_path" mapstructure:"log_path"`
}

// LogConfig configures rotating file logs
type LogConfig struct {
	// File is the log path (empty logs to stderr only)
	File string `toml:"file" mapstructure:"file"`

	MaxSizeMB  int `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int `toml:"max_age_days" mapstructure:"max_age_days"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			IntervalSeconds: 300,
		},
		Relay: RelayConfig{
			Port: 9480,
		},
		Providers: make(map[string]map[string]string),
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
	}
}
