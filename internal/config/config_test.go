package config

import (
	"os"
	"path/filepath"
	"testing"
)

// isolateHome points the global config lookup at a scratch directory
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeTOML(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Sync.IntervalSeconds != 300 {
		t.Errorf("IntervalSeconds = %d", cfg.Sync.IntervalSeconds)
	}
	if cfg.Relay.Port != 9480 {
		t.Errorf("Relay.Port = %d", cfg.Relay.Port)
	}
	if cfg.Log.MaxSizeMB != 10 || cfg.Log.MaxBackups != 3 {
		t.Errorf("Log defaults = %+v", cfg.Log)
	}
	if cfg.Providers == nil {
		t.Error("Providers map is nil")
	}
}

func TestLoadMissingFilesUsesDefaults(t *testing.T) {
	isolateHome(t)

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.IntervalSeconds != 300 {
		t.Errorf("IntervalSeconds = %d, defaults not applied", cfg.Sync.IntervalSeconds)
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Device.ID = "laptop-1234"
	cfg.Sync.IntervalSeconds = 60
	cfg.Sync.ProviderPriority = []string{"linear", "github"}
	cfg.Relay.URL = "ws://relay.example:9480/sync"
	cfg.Providers["github"] = map[string]string{
		"token": "ghp_test",
		"repo":  "acme/widgets",
	}

	if err := Write(filepath.Join(dir, "config.toml"), cfg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Device.ID != "laptop-1234" {
		t.Errorf("Device.ID = %q", loaded.Device.ID)
	}
	if loaded.Sync.IntervalSeconds != 60 {
		t.Errorf("IntervalSeconds = %d", loaded.Sync.IntervalSeconds)
	}
	if len(loaded.Sync.ProviderPriority) != 2 || loaded.Sync.ProviderPriority[0] != "linear" {
		t.Errorf("ProviderPriority = %v", loaded.Sync.ProviderPriority)
	}
	if loaded.Relay.URL != "ws://relay.example:9480/sync" {
		t.Errorf("Relay.URL = %q", loaded.Relay.URL)
	}
	if loaded.Providers["github"]["repo"] != "acme/widgets" {
		t.Errorf("Providers = %v", loaded.Providers)
	}
}

func TestWritePermissions(t *testing.T) {
	// Config files carry provider tokens
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Write(path, DefaultConfig()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

func TestWorkspaceOverridesGlobal(t *testing.T) {
	home := isolateHome(t)
	writeTOML(t, filepath.Join(home, ".weft", "config.toml"), `
[device]
id = "global-device"

[sync]
interval_seconds = 120
`)

	workspace := t.TempDir()
	writeTOML(t, filepath.Join(workspace, "config.toml"), `
[device]
id = "workspace-device"
`)

	cfg, err := Load(workspace)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Device.ID != "workspace-device" {
		t.Errorf("Device.ID = %q, workspace should win", cfg.Device.ID)
	}
	// Global settings the workspace does not mention survive the merge
	if cfg.Sync.IntervalSeconds != 120 {
		t.Errorf("IntervalSeconds = %d, global value lost", cfg.Sync.IntervalSeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	home := isolateHome(t)
	writeTOML(t, filepath.Join(home, ".weft", "config.toml"), `
[device]
id = "file-device"
`)

	t.Setenv("WEFT_DEVICE_ID", "env-device")
	t.Setenv("WEFT_RELAY_URL", "ws://env-relay:9480/sync")
	t.Setenv("WEFT_PROVIDERS_GITHUB_TOKEN", "ghp_from_env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Device.ID != "env-device" {
		t.Errorf("Device.ID = %q, env should win", cfg.Device.ID)
	}
	if cfg.Relay.URL != "ws://env-relay:9480/sync" {
		t.Errorf("Relay.URL = %q", cfg.Relay.URL)
	}
	if cfg.Providers["github"]["token"] != "ghp_from_env" {
		t.Errorf("github token = %q", cfg.Providers["github"]["token"])
	}
}

func TestFindWorkspace(t *testing.T) {
	root := t.TempDir()
	weftDir := filepath.Join(root, ".weft")
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(weftDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	if got := FindWorkspace(nested); got != weftDir {
		t.Errorf("FindWorkspace(%s) = %q, want %q", nested, got, weftDir)
	}
	if got := FindWorkspace(root); got != weftDir {
		t.Errorf("FindWorkspace(%s) = %q, want %q", root, got, weftDir)
	}

	outside := t.TempDir()
	if got := FindWorkspace(outside); got != "" {
		t.Errorf("FindWorkspace(%s) = %q, want empty", outside, got)
	}
}
