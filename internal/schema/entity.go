// Package schema provides the entity and change model shared by the
// weft sync core.
//
// Entities are tasks/documents tracked for synchronization. Every local
// mutation is expressed as a ChangeRecord carrying field-level deltas
// against a known base version. The change store owns version counters;
// nothing else mutates entity fields directly.
package schema

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an entity.
//
// Statuses form a lattice used during conflict resolution: the more
// advanced state wins, and deleted absorbs everything.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusDone    Status = "done"
	StatusDeleted Status = "deleted"
)

// Rank returns the position of the status in the lattice.
// Higher ranks win merges. Deleted is absorbing.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	case StatusDone:
		return 2
	case StatusDeleted:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// MoreAdvanced returns the status that wins a merge between a and b.
func MoreAdvanced(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ExternalRef identifies an entity inside one remote provider.
type ExternalRef struct {
	// ID is the provider-side identifier (issue number, page id, ...)
	ID string `json:"id"`

	// URL is an optional human-facing link to the remote object
	URL string `json:"url,omitempty"`
}

// Entity is a task or document tracked for sync.
//
// The Version counter increases by exactly one per accepted mutation and
// never decreases. ProviderLinks maps provider names to the external
// identifier the entity has on that provider.
type Entity struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    int      `json:"priority"` // 0-4 (0=critical, 4=backlog)
	Tags        []string `json:"tags,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProviderLinks map[string]ExternalRef `json:"provider_links,omitempty"`
}

// NewEntity creates an entity with a fresh UUID at version zero.
// The entity has no recorded changes until the first append.
func NewEntity(title string) *Entity {
	now := time.Now().UTC()
	return &Entity{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    StatusPending,
		Priority:  2,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks that the entity has usable field values.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(e.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(e.Title))
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid status: %q", e.Status)
	}
	if e.Priority < 0 || e.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", e.Priority)
	}
	if e.Version < 0 {
		return fmt.Errorf("version must not be negative (got %d)", e.Version)
	}
	return nil
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Tags = append([]string(nil), e.Tags...)
	if e.ProviderLinks != nil {
		c.ProviderLinks = make(map[string]ExternalRef, len(e.ProviderLinks))
		for k, v := range e.ProviderLinks {
			c.ProviderLinks[k] = v
		}
	}
	return &c
}

// ApplyDeltas mutates the entity's fields from a delta map.
//
// It does NOT touch the version counter; that is the change store's job.
// Unknown fields are rejected so a corrupt remote record cannot smuggle
// arbitrary state into the entity.
func (e *Entity) ApplyDeltas(deltas FieldDeltas) error {
	for _, field := range deltas.SortedFields() {
		value := deltas[field]
		switch field {
		case FieldTitle:
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("field %q: expected string, got %T", field, value)
			}
			e.Title = s
		case FieldDescription:
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("field %q: expected string, got %T", field, value)
			}
			e.Description = s
		case FieldStatus:
			st, err := statusValue(value)
			if err != nil {
				return fmt.Errorf("field %q: %w", field, err)
			}
			// Deleted is absorbing: once deleted, no status delta revives it.
			if e.Status == StatusDeleted {
				continue
			}
			e.Status = st
		case FieldPriority:
			p, err := intValue(value)
			if err != nil {
				return fmt.Errorf("field %q: %w", field, err)
			}
			if p < 0 || p > 4 {
				return fmt.Errorf("field %q: priority out of range: %d", field, p)
			}
			e.Priority = p
		case FieldTags:
			tags, err := tagsValue(value)
			if err != nil {
				return fmt.Errorf("field %q: %w", field, err)
			}
			e.Tags = tags
		default:
			return fmt.Errorf("unknown field %q", field)
		}
	}
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// MergeTags returns the sorted union of two tag sets.
// Tag merging is never destructive: both sides' tags survive.
func MergeTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, set := range [][]string{a, b} {
		for _, t := range set {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func statusValue(v any) (Status, error) {
	switch s := v.(type) {
	case Status:
		if !s.Valid() {
			return "", fmt.Errorf("invalid status: %q", s)
		}
		return s, nil
	case string:
		st := Status(s)
		if !st.Valid() {
			return "", fmt.Errorf("invalid status: %q", s)
		}
		return st, nil
	default:
		return "", fmt.Errorf("expected status string, got %T", v)
	}
}

func intValue(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		// JSON round-trips deliver numbers as float64.
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func tagsValue(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...), nil
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
		return nil, fmt.Errorf("expected string list, got %T", v)
	}
}
