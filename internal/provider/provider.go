// Package provider defines the adapter contract between the sync core
// and remote issue-tracking systems.
//
// One adapter exists per vendor (GitHub, GitLab, JIRA, ...). Adapters
// translate between the internal entity model and the vendor's remote
// representation; authentication, pagination cursors, and rate-limit
// headers are vendor-specific and live entirely inside the adapter. The
// core only sees the Pull/Push/MapFields contract and the error
// taxonomy defined here.
//
// Adapters must be idempotent under retry: a push retried after a
// timeout must not create a duplicate remote entity. The idempotency
// key derived from entity id + base version makes the duplicate
// detectable on the provider side.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/weft-sync/weft/internal/schema"
)

// Cursor is the provider-side pull bookmark. Its fields are opaque to
// the core; each adapter stores whatever it needs to resume a pull
// (ETag, updated-since timestamp, page token).
type Cursor struct {
	ETag  string
	Since string
}

// RemoteRecord is one remote object surfaced by a pull, still in the
// provider's shape. MapToLocal converts the payload to field deltas.
type RemoteRecord struct {
	// Ref identifies the object on the provider.
	Ref schema.ExternalRef

	// Payload is the provider's raw representation.
	Payload json.RawMessage

	// UpdatedAt is the provider-reported modification time, used as the
	// remote change's wall clock during conflict resolution.
	UpdatedAt time.Time
}

// Iterator walks a paginated pull result lazily. Pages are fetched on
// demand so a pull of a large remote set does not buffer everything.
type Iterator interface {
	// Next returns the next remote record, or (nil, nil) when the pull
	// is exhausted. Network errors surface here using the package's
	// error taxonomy.
	Next(ctx context.Context) (*RemoteRecord, error)

	// Cursor returns the bookmark covering everything successfully
	// consumed so far. Safe to persist after a partial pull: resuming
	// from it never loses records.
	Cursor() Cursor
}

// Adapter is the polymorphic interface each vendor implements.
type Adapter interface {
	// Name returns the provider's registered name ("github", ...).
	Name() string

	// Pull starts a lazy, paginated fetch of remote records modified
	// since the cursor.
	Pull(ctx context.Context, cursor Cursor) (Iterator, error)

	// Push writes a change to the provider. An empty ref.ID means the
	// entity has no remote counterpart yet and one must be created; the
	// idempotency key prevents a retried create from duplicating it.
	// Returns the (possibly new) external ref.
	Push(ctx context.Context, entity *schema.Entity, rec *schema.ChangeRecord, ref schema.ExternalRef) (schema.ExternalRef, error)

	// MapToLocal converts a remote record's payload to field deltas.
	MapToLocal(remote *RemoteRecord) (schema.FieldDeltas, error)

	// MapToRemote converts field deltas to the provider's payload shape.
	MapToRemote(deltas schema.FieldDeltas) (map[string]any, error)
}
