package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field names accepted in a FieldDeltas map.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldStatus      = "status"
	FieldPriority    = "priority"
	FieldTags        = "tags"
)

// FieldDeltas maps field names to their new values.
type FieldDeltas map[string]any

// SortedFields returns the delta field names in deterministic order.
func (d FieldDeltas) SortedFields() []string {
	fields := make([]string, 0, len(d))
	for f := range d {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Clone returns a shallow copy of the delta map.
// Values are immutable by convention (strings, ints, fresh tag slices).
func (d FieldDeltas) Clone() FieldDeltas {
	out := make(FieldDeltas, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Validate rejects deltas targeting unknown fields or carrying values of
// the wrong shape. Validation applies the deltas to a scratch entity.
func (d FieldDeltas) Validate() error {
	if len(d) == 0 {
		return fmt.Errorf("empty field deltas")
	}
	scratch := &Entity{Status: StatusPending}
	return scratch.ApplyDeltas(d)
}

// Origin identifies where a change came from: a local device or a
// remote provider. The distinction feeds the conflict resolver's
// tie-break (local device beats provider, so remote edits are never
// echoed back out as if they were ours).
type Origin string

// DeviceOrigin builds an origin for a local device id.
func DeviceOrigin(deviceID string) Origin {
	return Origin("device:" + deviceID)
}

// ProviderOrigin builds an origin for a remote provider name.
func ProviderOrigin(name string) Origin {
	return Origin("provider:" + name)
}

// IsDevice reports whether the origin is a local device.
func (o Origin) IsDevice() bool {
	return strings.HasPrefix(string(o), "device:")
}

// IsProvider reports whether the origin is a remote provider.
func (o Origin) IsProvider() bool {
	return strings.HasPrefix(string(o), "provider:")
}

// Name returns the device id or provider name without the prefix.
func (o Origin) Name() string {
	if i := strings.IndexByte(string(o), ':'); i >= 0 {
		return string(o)[i+1:]
	}
	return string(o)
}

// ChangeRecord is an immutable description of one mutation.
//
// BaseVersion is the entity version the change was derived from. A
// record whose base version does not match the entity's current version
// is stale and must go through conflict resolution instead of being
// applied blindly.
type ChangeRecord struct {
	ID          string      `json:"id"`
	EntityID    string      `json:"entity_id"`
	BaseVersion int64       `json:"base_version"`
	Deltas      FieldDeltas `json:"field_deltas"`
	Origin      Origin      `json:"origin"`
	CreatedAt   time.Time   `json:"created_at"`
}

// NewChangeRecord builds a record with a fresh UUID and the current time.
func NewChangeRecord(entityID string, baseVersion int64, deltas FieldDeltas, origin Origin) *ChangeRecord {
	return &ChangeRecord{
		ID:          uuid.NewString(),
		EntityID:    entityID,
		BaseVersion: baseVersion,
		Deltas:      deltas.Clone(),
		Origin:      origin,
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate checks structural integrity of the record.
func (r *ChangeRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("change id is required")
	}
	if r.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if r.BaseVersion < 0 {
		return fmt.Errorf("base version must not be negative (got %d)", r.BaseVersion)
	}
	if r.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if err := r.Deltas.Validate(); err != nil {
		return fmt.Errorf("invalid deltas: %w", err)
	}
	return nil
}

// ConflictStatus tracks how far a recorded conflict has progressed.
type ConflictStatus string

const (
	ConflictPending      ConflictStatus = "pending"
	ConflictAutoResolved ConflictStatus = "auto_resolved"
	ConflictNeedsReview  ConflictStatus = "needs_review"
	ConflictManual       ConflictStatus = "manually_resolved"
)

// Conflict records a detected divergence between two ChangeRecords
// targeting the same stale base version. Conflicts are retained for
// audit even after resolution.
type Conflict struct {
	ID       string         `json:"id"`
	EntityID string         `json:"entity_id"`
	Status   ConflictStatus `json:"status"`

	// Local and Remote are the two divergent records.
	Local  *ChangeRecord `json:"local"`
	Remote *ChangeRecord `json:"remote"`

	// Outcome is the merged delta set chosen by the resolver, or by a
	// human through manual resolution.
	Outcome FieldDeltas `json:"outcome,omitempty"`

	// ReviewFields lists fields the resolver could not merge
	// automatically (set only when Status is needs_review).
	ReviewFields []string `json:"review_fields,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// NewConflict builds a conflict entry for two divergent records.
func NewConflict(local, remote *ChangeRecord) *Conflict {
	return &Conflict{
		ID:        uuid.NewString(),
		EntityID:  local.EntityID,
		Status:    ConflictPending,
		Local:     local,
		Remote:    remote,
		CreatedAt: time.Now().UTC(),
	}
}
