// Package resolve implements deterministic conflict resolution between
// divergent change records.
//
// Resolution is policy, not inference. The policies are:
//   - scalar fields: most recent wall clock wins, ties broken by origin
//     priority (local device beats provider, so remote edits are never
//     echoed back out as local ones)
//   - tag sets: union of both sides, never a destructive overwrite
//   - status: the more advanced lattice state wins; deleted absorbs all
//   - free-text description: cannot be merged automatically; the higher
//     priority origin's value is kept and the conflict is flagged
//     needs_review rather than silently dropped
//
// Given two fixed records, Resolve always produces the same outcome.
package resolve

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/weft-sync/weft/internal/schema"
)

// Config tunes the resolver's tie-breaking.
type Config struct {
	// ProviderPriority orders providers for ties between two provider
	// origins editing the same field at the same instant. Providers not
	// listed rank below listed ones; remaining ties fall back to the
	// lexicographic origin ordering.
	ProviderPriority []string
}

// Resolver merges divergent change records.
type Resolver struct {
	providerRank map[string]int
}

// New creates a resolver. A nil config uses defaults (no provider
// ordering beyond the lexicographic fallback).
func New(cfg *Config) *Resolver {
	r := &Resolver{providerRank: make(map[string]int)}
	if cfg != nil {
		for i, p := range cfg.ProviderPriority {
			r.providerRank[p] = len(cfg.ProviderPriority) - i
		}
	}
	return r
}

// Outcome is the result of resolving two divergent records.
type Outcome struct {
	// Merged holds the field deltas to apply as the new authoritative
	// version. The caller wraps it in a ChangeRecord at the entity's
	// current version so the merge itself becomes the next version.
	Merged schema.FieldDeltas

	// Status is auto_resolved, or needs_review when at least one field
	// could not be merged automatically.
	Status schema.ConflictStatus

	// ReviewFields names the fields that need human review.
	ReviewFields []string
}

// Resolve merges a stale local record with the remote/foreign record it
// collided with.
//
// The merged delta set covers the union of both records' fields. Fields
// present on only one side carry through unchanged; fields present on
// both go through the per-field policy.
func (r *Resolver) Resolve(local, remote *schema.ChangeRecord) (Outcome, error) {
	if local.EntityID != remote.EntityID {
		return Outcome{}, fmt.Errorf("records target different entities: %s vs %s",
			local.EntityID, remote.EntityID)
	}

	out := Outcome{
		Merged: make(schema.FieldDeltas),
		Status: schema.ConflictAutoResolved,
	}

	fields := unionFields(local.Deltas, remote.Deltas)
	for _, field := range fields {
		lv, lok := local.Deltas[field]
		rv, rok := remote.Deltas[field]

		switch {
		case lok && !rok:
			out.Merged[field] = lv
			continue
		case rok && !lok:
			out.Merged[field] = rv
			continue
		}

		// Present on both sides.
		if equalValues(lv, rv) {
			out.Merged[field] = lv
			continue
		}

		switch field {
		case schema.FieldTags:
			lt, err := toTags(lv)
			if err != nil {
				return Outcome{}, fmt.Errorf("local tags: %w", err)
			}
			rt, err := toTags(rv)
			if err != nil {
				return Outcome{}, fmt.Errorf("remote tags: %w", err)
			}
			out.Merged[field] = schema.MergeTags(lt, rt)

		case schema.FieldStatus:
			ls, rs := schema.Status(fmt.Sprint(lv)), schema.Status(fmt.Sprint(rv))
			if !ls.Valid() || !rs.Valid() {
				return Outcome{}, fmt.Errorf("invalid status in conflict: %v vs %v", lv, rv)
			}
			out.Merged[field] = string(schema.MoreAdvanced(ls, rs))

		case schema.FieldDescription:
			// Free text edited differently on both sides cannot be
			// merged; keep the higher priority side and flag for review.
			if r.localWins(local, remote) {
				out.Merged[field] = lv
			} else {
				out.Merged[field] = rv
			}
			out.Status = schema.ConflictNeedsReview
			out.ReviewFields = append(out.ReviewFields, field)

		default:
			// Scalar: most recent wall clock wins.
			if r.localWins(local, remote) {
				out.Merged[field] = lv
			} else {
				out.Merged[field] = rv
			}
		}
	}

	sort.Strings(out.ReviewFields)
	return out, nil
}

// localWins decides the scalar tie policy: later wall clock first, then
// origin priority, then lexicographic origin as the final deterministic
// tie-break.
func (r *Resolver) localWins(local, remote *schema.ChangeRecord) bool {
	if !local.CreatedAt.Equal(remote.CreatedAt) {
		return local.CreatedAt.After(remote.CreatedAt)
	}
	lp, rp := r.originPriority(local.Origin), r.originPriority(remote.Origin)
	if lp != rp {
		return lp > rp
	}
	return local.Origin >= remote.Origin
}

// originPriority ranks origins: local devices above every provider,
// providers by the configured ordering.
func (r *Resolver) originPriority(o schema.Origin) int {
	if o.IsDevice() {
		return 1 << 16
	}
	return r.providerRank[o.Name()]
}

func unionFields(a, b schema.FieldDeltas) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var fields []string
	for f := range a {
		if !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	for f := range b {
		if !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)
	return fields
}

func equalValues(a, b any) bool {
	if ta, err := toTags(a); err == nil {
		tb, err := toTags(b)
		if err != nil {
			return false
		}
		return reflect.DeepEqual(schema.MergeTags(ta, nil), schema.MergeTags(tb, nil))
	}
	// Numbers may arrive as int or float64 depending on the JSON path.
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toTags(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string tag, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a tag list: %T", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
