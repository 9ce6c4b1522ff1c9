package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weft-sync/weft/internal/schema"
	"github.com/weft-sync/weft/internal/store"
	"github.com/weft-sync/weft/internal/ui"
)

var (
	addPriority int
	addTags     []string
	listStatus  string
	listTag     string
)

var addCmd = &cobra.Command{
	Use:     "add <title>",
	GroupID: "tasks",
	Short:   "Create a task",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ws, err := openWorkspace()
		if err != nil {
			fail("%v", err)
		}
		defer ws.Close()

		entity := schema.NewEntity(strings.Join(args, " "))
		entity.Priority = addPriority
		entity.Tags = schema.MergeTags(addTags, nil)

		origin := schema.DeviceOrigin(ws.cfg.Device.ID)
		if _, err := ws.store.CreateEntity(context.Background(), entity, origin); err != nil {
			fail("creating task: %v", err)
		}

		fmt.Printf("%s Created %s\n", ui.RenderPass("✓"), entity.ID)
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "tasks",
	Short:   "List tasks",
	Run: func(cmd *cobra.Command, args []string) {
		ws, err := openWorkspace()
		if err != nil {
			fail("%v", err)
		}
		defer ws.Close()

		filter := store.ListFilter{Tag: listTag}
		if listStatus != "" {
			status := schema.Status(listStatus)
			if !status.Valid() {
				fail("invalid status %q", listStatus)
			}
			filter.Status = status
		}

		entities, err := ws.store.ListEntities(context.Background(), filter)
		if err != nil {
			fail("listing tasks: %v", err)
		}

		if len(entities) == 0 {
			fmt.Println(ui.RenderMuted("No tasks."))
			return
		}
		for _, e := range entities {
			status := renderStatus(e.Status)
			line := fmt.Sprintf("%s  %s  %s", ui.RenderMuted(e.ID[:8]), status, e.Title)
			if len(e.Tags) > 0 {
				line += "  " + ui.RenderMuted("["+strings.Join(e.Tags, ", ")+"]")
			}
			fmt.Println(line)
		}
	},
}

func renderStatus(s schema.Status) string {
	switch s {
	case schema.StatusDone:
		return ui.RenderPass(string(s))
	case schema.StatusActive:
		return ui.RenderAccent(string(s))
	case schema.StatusDeleted:
		return ui.RenderFail(string(s))
	default:
		return ui.RenderMuted(string(s))
	}
}

func init() {
	addCmd.Flags().IntVarP(&addPriority, "priority", "p", 2, "priority (0=critical, 4=backlog)")
	addCmd.Flags().StringSliceVarP(&addTags, "tag", "t", nil, "tags")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listTag, "tag", "", "filter by tag")
	rootCmd.AddCommand(addCmd, listCmd)
}
