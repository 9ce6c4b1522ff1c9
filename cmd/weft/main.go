// Command weft is a local-first task sync tool.
//
// Tasks live in a local SQLite store and mirror to plain JSON files.
// Changes sync to external providers (GitHub issues) and to other devices
// through a relay, with deterministic conflict resolution.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// Register built-in provider adapters
	_ "github.com/weft-sync/weft/internal/provider/github"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Local-first task sync",
	Long: `weft keeps a local task store in sync with external providers and
with your other devices.

Tasks are stored in .weft/weft.db and mirrored to .weft/tasks/*.json for
editing with ordinary tools. Run 'weft daemon' to sync continuously, or
'weft sync' for a one-shot cycle.`,
	Version: version,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
