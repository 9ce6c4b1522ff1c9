package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weft-sync/weft/internal/config"
	"github.com/weft-sync/weft/internal/relay"
	"github.com/weft-sync/weft/internal/ui"
)

var relayPort int

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "sync",
	Short:   "Run a device sync relay",
	Long: `Run the relay server devices connect to for device-to-device sync.

The relay stores change frames in an append-only log and replays them to
devices that reconnect. It never reads change contents.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(config.FindWorkspace("."))
		if err != nil {
			fail("loading config: %v", err)
		}
		if relayPort != 0 {
			cfg.Relay.Port = relayPort
		}

		server, err := relay.NewServer(&relay.Config{
			Port:    cfg.Relay.Port,
			LogPath: cfg.Relay.LogPath,
			Logger:  cfg.NewLogger("[relay] "),
		})
		if err != nil {
			fail("%v", err)
		}
		if err := server.Start(); err != nil {
			fail("starting relay: %v", err)
		}

		fmt.Printf("%s Relay listening on %s\n", ui.RenderPass("✓"), server.Addr())

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		if err := server.Stop(); err != nil {
			fail("stopping relay: %v", err)
		}
	},
}

func init() {
	relayCmd.Flags().IntVar(&relayPort, "port", 0, "override listen port")
	rootCmd.AddCommand(relayCmd)
}
