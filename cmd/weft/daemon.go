package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/weft-sync/weft/internal/device"
	"github.com/weft-sync/weft/internal/mirror"
	"github.com/weft-sync/weft/internal/scheduler"
	"github.com/weft-sync/weft/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync continuously",
	Long: `Run the sync daemon until interrupted.

The daemon watches .weft/tasks/ for file edits, syncs providers on the
configured interval, and keeps a relay connection open for device sync
when relay.url is set.`,
	Run: func(cmd *cobra.Command, args []string) {
		ws, err := openWorkspace()
		if err != nil {
			fail("%v", err)
		}
		defer ws.Close()

		logger := ws.cfg.NewLogger("[daemon] ")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Provider sync
		sched := scheduler.New(&scheduler.Config{
			Interval: time.Duration(ws.cfg.Sync.IntervalSeconds) * time.Second,
			Logger:   ws.cfg.NewLogger("[scheduler] "),
		})
		orchs, err := ws.orchestrators(ws.cfg.NewLogger("[orchestrator] "))
		if err != nil {
			fail("%v", err)
		}
		for _, orch := range orchs {
			sched.Add(orch)
		}
		sched.Start()
		defer sched.Stop()

		// File mirror
		mir, err := mirror.New(ws.store, &mirror.Config{
			Dir:      ws.tasksDir(),
			DeviceID: ws.cfg.Device.ID,
			Logger:   ws.cfg.NewLogger("[mirror] "),
		})
		if err != nil {
			fail("%v", err)
		}
		if err := mir.Start(ctx); err != nil {
			fail("starting mirror: %v", err)
		}
		defer mir.Stop()

		// Device sync
		if ws.cfg.Relay.URL != "" {
			coord, err := device.NewCoordinator(ws.store, &device.Config{
				DeviceID:  ws.cfg.Device.ID,
				RelayURL:  ws.cfg.Relay.URL,
				OnConnect: sched.TriggerAll,
				Logger:    ws.cfg.NewLogger("[device] "),
			})
			if err != nil {
				fail("%v", err)
			}
			coord.Start()
			defer coord.Stop()
		}

		// Kick off an initial cycle rather than waiting a full interval
		sched.TriggerAll()

		fmt.Printf("%s Daemon running (%d providers, relay %s)\n",
			ui.RenderPass("✓"), len(orchs), relayLabel(ws.cfg.Relay.URL))
		logger.Printf("Daemon started (device %s)", ws.cfg.Device.ID)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		logger.Println("Shutting down")
	},
}

func relayLabel(url string) string {
	if url == "" {
		return "disabled"
	}
	return url
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
