package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/weft-sync/weft/internal/config"
	"github.com/weft-sync/weft/internal/orchestrator"
	"github.com/weft-sync/weft/internal/provider"
	"github.com/weft-sync/weft/internal/resolve"
	"github.com/weft-sync/weft/internal/store"
)

// workspace bundles everything a command needs from the .weft directory
type workspace struct {
	dir   string
	cfg   *config.Config
	store *store.Store
}

// openWorkspace locates .weft, loads config, and opens the store.
// Callers must Close when done.
func openWorkspace() (*workspace, error) {
	dir := config.FindWorkspace(".")
	if dir == "" {
		return nil, fmt.Errorf(".weft directory not found (run 'weft init' first)")
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if cfg.Device.ID == "" {
		return nil, fmt.Errorf("config missing device.id (run 'weft init' to repair)")
	}

	st, err := store.Open(filepath.Join(dir, "weft.db"), cfg.NewLogger("[store] "))
	if err != nil {
		return nil, err
	}

	return &workspace{dir: dir, cfg: cfg, store: st}, nil
}

func (w *workspace) Close() error {
	return w.store.Close()
}

func (w *workspace) tasksDir() string {
	return filepath.Join(w.dir, "tasks")
}

// orchestrators builds one orchestrator per configured provider
func (w *workspace) orchestrators(logger *log.Logger) ([]*orchestrator.Orchestrator, error) {
	resolver := resolve.New(&resolve.Config{ProviderPriority: w.cfg.Sync.ProviderPriority})

	var out []*orchestrator.Orchestrator
	for name, settings := range w.cfg.Providers {
		adapter, err := provider.New(name, provider.Settings(settings))
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		out = append(out, orchestrator.New(w.store, adapter, resolver, logger))
	}
	return out, nil
}

// fail prints an error and exits, matching the style of subcommands that
// do their own error handling
func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
