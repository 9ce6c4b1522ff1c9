package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/weft-sync/weft/internal/config"
	"github.com/weft-sync/weft/internal/store"
	"github.com/weft-sync/weft/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "tasks",
	Short:   "Create a weft workspace in the current directory",
	Long: `Initialize a .weft directory with a task store and default config.

A device ID is generated on first init and preserved on re-runs. Edit
.weft/config.toml to configure providers and the relay.`,
	Run: func(cmd *cobra.Command, args []string) {
		dir := ".weft"
		if err := os.MkdirAll(filepath.Join(dir, "tasks"), 0o755); err != nil {
			fail("creating workspace: %v", err)
		}

		cfg, err := config.Load(dir)
		if err != nil {
			fail("loading config: %v", err)
		}
		if cfg.Device.ID == "" {
			cfg.Device.ID = uuid.NewString()
		}

		configPath := filepath.Join(dir, "config.toml")
		if err := config.Write(configPath, cfg); err != nil {
			fail("writing config: %v", err)
		}

		st, err := store.Open(filepath.Join(dir, "weft.db"), cfg.NewLogger("[store] "))
		if err != nil {
			fail("opening store: %v", err)
		}
		defer st.Close()

		if err := st.InitSchema(context.Background()); err != nil {
			fail("initializing schema: %v", err)
		}

		fmt.Printf("%s Initialized workspace in %s\n", ui.RenderPass("✓"), dir)
		fmt.Printf("  Device ID: %s\n", ui.RenderMuted(cfg.Device.ID))
		fmt.Printf("  Config:    %s\n", ui.RenderMuted(configPath))
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
