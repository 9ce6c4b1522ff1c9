package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/weft-sync/weft/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [provider]",
	GroupID: "sync",
	Short:   "Run one sync cycle",
	Long: `Run a single pull/reconcile/push cycle against configured providers.

With a provider name, only that provider syncs. Without one, all
configured providers sync in turn.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ws, err := openWorkspace()
		if err != nil {
			fail("%v", err)
		}
		defer ws.Close()

		orchs, err := ws.orchestrators(ws.cfg.NewLogger("[sync] "))
		if err != nil {
			fail("%v", err)
		}
		if len(orchs) == 0 {
			fail("no providers configured (edit %s/config.toml)", ws.dir)
		}

		only := ""
		if len(args) == 1 {
			only = args[0]
		}

		ctx := context.Background()
		failed := 0
		for _, orch := range orchs {
			name := orch.Provider()
			if only != "" && name != only {
				continue
			}

			fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("⇅"), name)
			start := time.Now()

			if err := orch.RunCycle(ctx); err != nil {
				fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), name, err)
				failed++
				continue
			}
			fmt.Printf("%s %s synced in %s\n", ui.RenderPass("✓"), name, time.Since(start).Round(time.Millisecond))
		}

		if failed > 0 {
			fail("%d provider(s) failed", failed)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
