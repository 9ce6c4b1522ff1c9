package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load merges global config, workspace config, and WEFT_ environment
// variables, in that order of increasing precedence
func Load(workspaceDir string) (*Config, error) {
	cfg := DefaultConfig()

	if home, err := os.UserHomeDir(); err == nil {
		globalPath := filepath.Join(home, ".weft", "config.toml")
		if err := loadFile(globalPath, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", globalPath, err)
		}
	}

	if workspaceDir != "" {
		workspacePath := filepath.Join(workspaceDir, "config.toml")
		if err := loadFile(workspacePath, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", workspacePath, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return err
	}

	return v.Unmarshal(cfg)
}

// applyEnv overrides scalar settings from WEFT_ variables.
// Provider secrets follow the pattern WEFT_PROVIDERS_GITHUB_TOKEN.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WEFT_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}
	if v := os.Getenv("WEFT_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}

	const prefix = "WEFT_PROVIDERS_"
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(kv, prefix), "=")
		if !ok {
			continue
		}
		name, setting, ok := strings.Cut(key, "_")
		if !ok {
			continue
		}
		name = strings.ToLower(name)
		setting = strings.ToLower(setting)
		if cfg.Providers[name] == nil {
			cfg.Providers[name] = make(map[string]string)
		}
		cfg.Providers[name][setting] = value
	}
}

// GlobalConfigPath returns the path to the global config file
func GlobalConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".weft", "config.toml")
}

// FindWorkspace walks up from dir looking for a .weft directory.
// Returns "" when none is found.
func FindWorkspace(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(abs, ".weft")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return ""
		}
		abs = parent
	}
}
