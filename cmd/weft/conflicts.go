package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weft-sync/weft/internal/schema"
	"github.com/weft-sync/weft/internal/ui"
)

var (
	conflictsAll bool
	resolveSets  []string
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts awaiting review",
	Long: `List conflicts. By default only those needing review are shown;
--all includes auto-resolved and manually resolved conflicts, which are
retained as an audit trail.`,
	Run: func(cmd *cobra.Command, args []string) {
		ws, err := openWorkspace()
		if err != nil {
			fail("%v", err)
		}
		defer ws.Close()

		status := schema.ConflictNeedsReview
		if conflictsAll {
			status = ""
		}

		conflicts, err := ws.store.Conflicts(context.Background(), status)
		if err != nil {
			fail("listing conflicts: %v", err)
		}
		if len(conflicts) == 0 {
			fmt.Println(ui.RenderMuted("No conflicts."))
			return
		}

		for _, c := range conflicts {
			fmt.Printf("%s  %s  entity %s\n",
				ui.RenderMuted(c.ID[:8]), renderConflictStatus(c.Status), c.EntityID[:8])
			if len(c.ReviewFields) > 0 {
				fmt.Printf("      needs review: %s\n", ui.RenderWarn(strings.Join(c.ReviewFields, ", ")))
			}
			fmt.Printf("      local:  %s by %s\n", deltaSummary(c.Local.Deltas), c.Local.Origin)
			fmt.Printf("      remote: %s by %s\n", deltaSummary(c.Remote.Deltas), c.Remote.Origin)
		}
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict by choosing field values",
	Long: `Resolve a conflict needing review.

Each --set names a field and the value it should take, for example:

  weft conflicts resolve 4f21 --set description="merged text" --set priority=1

The chosen values are appended to the entity's change log as a new change
from this device, so they sync everywhere like any other edit.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ws, err := openWorkspace()
		if err != nil {
			fail("%v", err)
		}
		defer ws.Close()

		ctx := context.Background()
		conflict, err := findConflict(ctx, ws, args[0])
		if err != nil {
			fail("%v", err)
		}

		outcome, err := parseSets(resolveSets)
		if err != nil {
			fail("%v", err)
		}
		if len(outcome) == 0 {
			fail("nothing to apply (use --set field=value)")
		}

		origin := schema.DeviceOrigin(ws.cfg.Device.ID)
		rec, err := ws.store.ResolveConflict(ctx, conflict.ID, outcome, origin)
		if err != nil {
			fail("resolving conflict: %v", err)
		}

		fmt.Printf("%s Resolved %s (change %s)\n", ui.RenderPass("✓"), conflict.ID[:8], rec.ID[:8])
	},
}

// findConflict accepts a full ID or unique prefix
func findConflict(ctx context.Context, ws *workspace, idOrPrefix string) (*schema.Conflict, error) {
	conflicts, err := ws.store.Conflicts(ctx, "")
	if err != nil {
		return nil, err
	}

	var match *schema.Conflict
	for _, c := range conflicts {
		if c.ID == idOrPrefix {
			return c, nil
		}
		if strings.HasPrefix(c.ID, idOrPrefix) {
			if match != nil {
				return nil, fmt.Errorf("ambiguous conflict ID %q", idOrPrefix)
			}
			match = c
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no conflict matching %q", idOrPrefix)
	}
	return match, nil
}

// parseSets converts --set field=value pairs into typed deltas
func parseSets(sets []string) (schema.FieldDeltas, error) {
	deltas := make(schema.FieldDeltas)
	for _, s := range sets {
		field, value, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("malformed --set %q (want field=value)", s)
		}
		switch field {
		case schema.FieldTitle, schema.FieldDescription, schema.FieldStatus:
			deltas[field] = value
		case schema.FieldPriority:
			p, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("priority must be a number: %q", value)
			}
			deltas[field] = p
		case schema.FieldTags:
			deltas[field] = schema.MergeTags(strings.Split(value, ","), nil)
		default:
			return nil, fmt.Errorf("unknown field %q", field)
		}
	}
	return deltas, nil
}

func deltaSummary(d schema.FieldDeltas) string {
	return strings.Join(d.SortedFields(), ", ")
}

func renderConflictStatus(s schema.ConflictStatus) string {
	switch s {
	case schema.ConflictNeedsReview:
		return ui.RenderWarn(string(s))
	case schema.ConflictAutoResolved, schema.ConflictManual:
		return ui.RenderPass(string(s))
	default:
		return ui.RenderMuted(string(s))
	}
}

func init() {
	conflictsListCmd.Flags().BoolVar(&conflictsAll, "all", false, "include resolved conflicts")
	conflictsResolveCmd.Flags().StringArrayVar(&resolveSets, "set", nil, "field=value to apply")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
