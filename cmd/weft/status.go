package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/weft-sync/weft/internal/schema"
	"github.com/weft-sync/weft/internal/store"
	"github.com/weft-sync/weft/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show workspace and sync state",
	Run: func(cmd *cobra.Command, args []string) {
		ws, err := openWorkspace()
		if err != nil {
			fail("%v", err)
		}
		defer ws.Close()

		ctx := context.Background()

		entities, err := ws.store.ListEntities(ctx, store.ListFilter{})
		if err != nil {
			fail("listing tasks: %v", err)
		}
		byStatus := make(map[schema.Status]int)
		for _, e := range entities {
			byStatus[e.Status]++
		}

		fmt.Println(ui.RenderTitle("Workspace"))
		fmt.Printf("  Device:  %s\n", ws.cfg.Device.ID)
		fmt.Printf("  Tasks:   %d (%d pending, %d active, %d done)\n",
			len(entities), byStatus[schema.StatusPending], byStatus[schema.StatusActive], byStatus[schema.StatusDone])

		needsReview, err := ws.store.Conflicts(ctx, schema.ConflictNeedsReview)
		if err != nil {
			fail("listing conflicts: %v", err)
		}
		if len(needsReview) > 0 {
			fmt.Printf("  Review:  %s\n", ui.RenderWarn(fmt.Sprintf("%d conflict(s) need review", len(needsReview))))
		} else {
			fmt.Printf("  Review:  %s\n", ui.RenderPass("no conflicts pending"))
		}

		fmt.Println()
		fmt.Println(ui.RenderTitle("Providers"))
		if len(ws.cfg.Providers) == 0 {
			fmt.Println(ui.RenderMuted("  none configured"))
		}
		for name := range ws.cfg.Providers {
			cursor, err := ws.store.GetProviderCursor(ctx, name)
			if err != nil {
				fail("reading cursor for %s: %v", name, err)
			}

			pending, err := ws.store.PendingPushes(ctx, name)
			if err != nil {
				fail("reading pending pushes for %s: %v", name, err)
			}

			synced := ui.RenderMuted("never synced")
			if !cursor.LastSyncedAt.IsZero() {
				synced = fmt.Sprintf("synced %s ago", time.Since(cursor.LastSyncedAt).Round(time.Second))
			}
			fmt.Printf("  %s  %s, %d pending push(es)\n", ui.RenderAccent(name), synced, len(pending))
		}

		fmt.Println()
		fmt.Println(ui.RenderTitle("Relay"))
		if ws.cfg.Relay.URL == "" {
			fmt.Println(ui.RenderMuted("  disabled"))
			return
		}
		seq, err := ws.store.GetDeviceCursor(ctx, ws.cfg.Device.ID)
		if err != nil {
			fail("reading device cursor: %v", err)
		}
		fmt.Printf("  %s (resumes from seq %d)\n", ws.cfg.Relay.URL, seq)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
