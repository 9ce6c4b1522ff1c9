package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weft-sync/weft/internal/schema"
)

// ErrStaleVersion signals that a record's base version no longer matches
// the entity's current version. This is expected control flow, not a
// failure: stale records are routed through conflict resolution.
var ErrStaleVersion = errors.New("stale base version")

// ApplyResult reports the outcome of Apply.
type ApplyResult int

const (
	// Applied means the record mutated the entity and bumped its version.
	Applied ApplyResult = iota

	// Stale means the record's base version did not match; nothing was
	// mutated. Duplicate relay deliveries surface here, which makes the
	// version check double as deduplication.
	Stale
)

// String returns a readable label for logging.
func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("ApplyResult(%d)", int(r))
	}
}

// Append records a local mutation against the entity's current version.
//
// The returned record carries base_version = current version; the
// entity's version is incremented by one in the same transaction, so a
// single mutation is all-or-nothing.
func (s *Store) Append(ctx context.Context, entityID string, deltas schema.FieldDeltas, origin schema.Origin) (*schema.ChangeRecord, error) {
	if err := deltas.Validate(); err != nil {
		return nil, fmt.Errorf("invalid deltas: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entity, err := getEntityTx(ctx, tx, entityID)
	if err != nil {
		return nil, err
	}

	rec := schema.NewChangeRecord(entityID, entity.Version, deltas, origin)
	if err := applyRecordTx(ctx, tx, entity, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Printf("Appended change %s to %s (v%d -> v%d)", rec.ID[:8], entityID, rec.BaseVersion, entity.Version)
	s.subs.publish(Notification{Record: rec, Version: entity.Version})
	return rec, nil
}

// SubmitChange is the consumer-facing mutation entry point. It is
// Append with validation of the caller-supplied deltas; the returned
// record is what downstream sync will propagate.
func (s *Store) SubmitChange(ctx context.Context, entityID string, deltas schema.FieldDeltas, origin schema.Origin) (*schema.ChangeRecord, error) {
	return s.Append(ctx, entityID, deltas, origin)
}

// Apply integrates a change produced elsewhere (a provider pull or a
// relay broadcast).
//
// If the record's base version does not match the entity's current
// version, Apply returns Stale without mutating anything and the caller
// must go through conflict resolution. A record for an unknown entity
// with base version 0 creates the entity.
func (s *Store) Apply(ctx context.Context, rec *schema.ChangeRecord) (ApplyResult, error) {
	if err := rec.Validate(); err != nil {
		return Stale, fmt.Errorf("invalid change record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return Stale, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	entity, err := getEntityTx(ctx, tx, rec.EntityID)
	switch {
	case errors.Is(err, ErrEntityNotFound):
		if rec.BaseVersion != 0 {
			// A non-genesis change for an entity we have never seen.
			// The catch-up path will deliver the genesis record first.
			return Stale, nil
		}
		entity = &schema.Entity{
			ID:        rec.EntityID,
			Status:    schema.StatusPending,
			Priority:  2,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.CreatedAt,
		}
		if err := entity.ApplyDeltas(rec.Deltas); err != nil {
			return Stale, fmt.Errorf("failed to materialize entity from genesis record: %w", err)
		}
		entity.Version = 1
		if err := insertEntity(ctx, tx, entity); err != nil {
			return Stale, err
		}
		if err := insertChange(ctx, tx, rec); err != nil {
			return Stale, err
		}
		if err := tx.Commit(); err != nil {
			return Stale, fmt.Errorf("failed to commit transaction: %w", err)
		}
		s.subs.publish(Notification{Record: rec, Version: 1})
		return Applied, nil

	case err != nil:
		return Stale, err
	}

	if rec.BaseVersion != entity.Version {
		return Stale, nil
	}

	if err := applyRecordTx(ctx, tx, entity, rec); err != nil {
		return Stale, err
	}
	if err := tx.Commit(); err != nil {
		return Stale, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Printf("Applied change %s to %s (v%d -> v%d, origin=%s)",
		rec.ID[:8], rec.EntityID, rec.BaseVersion, entity.Version, rec.Origin)
	s.subs.publish(Notification{Record: rec, Version: entity.Version})
	return Applied, nil
}

// CurrentVersion returns the entity's version counter.
func (s *Store) CurrentVersion(ctx context.Context, entityID string) (int64, error) {
	var v int64
	err := s.conn.QueryRowContext(ctx,
		"SELECT version FROM entities WHERE id = ?", entityID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read version: %w", err)
	}
	return v, nil
}

// applyRecordTx mutates the entity from the record's deltas and bumps
// the version, all inside the caller's transaction. The caller has
// verified rec.BaseVersion == entity.Version.
func applyRecordTx(ctx context.Context, tx *sql.Tx, entity *schema.Entity, rec *schema.ChangeRecord) error {
	if err := entity.ApplyDeltas(rec.Deltas); err != nil {
		return fmt.Errorf("failed to apply deltas: %w", err)
	}
	entity.Version++
	if err := updateEntity(ctx, tx, entity); err != nil {
		return err
	}
	return insertChange(ctx, tx, rec)
}

func insertChange(ctx context.Context, tx *sql.Tx, rec *schema.ChangeRecord) error {
	deltasJSON, err := json.Marshal(rec.Deltas)
	if err != nil {
		return fmt.Errorf("failed to marshal deltas: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO change_log (id, entity_id, base_version, deltas, origin, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntityID, rec.BaseVersion, string(deltasJSON),
		string(rec.Origin), rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert change record: %w", err)
	}
	return nil
}

func getEntityTx(ctx context.Context, tx *sql.Tx, id string) (*schema.Entity, error) {
	row := tx.QueryRowContext(ctx, `
	SELECT id, title, description, status, priority, tags, version,
	       provider_links, created_at, updated_at
	FROM entities WHERE id = ?`, id)

	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
		}
		return nil, err
	}
	return e, nil
}

// History iterates the entity's change log starting at sinceVersion.
//
// The iteration is lazy and restartable: rows are fetched in batches
// and the iterator can be rebuilt from the last seen base version after
// an interruption. Used for catch-up sync.
type History struct {
	store       *Store
	entityID    string
	nextVersion int64
	batchSize   int

	batch []*schema.ChangeRecord
	idx   int
	done  bool
}

// History returns an iterator over the entity's changes with
// base_version >= sinceVersion, in version order.
func (s *Store) History(entityID string, sinceVersion int64) *History {
	return &History{
		store:       s,
		entityID:    entityID,
		nextVersion: sinceVersion,
		batchSize:   100,
	}
}

// Next returns the next record, or nil when the history is exhausted.
func (h *History) Next(ctx context.Context) (*schema.ChangeRecord, error) {
	if h.idx >= len(h.batch) {
		if h.done {
			return nil, nil
		}
		if err := h.fetch(ctx); err != nil {
			return nil, err
		}
		if len(h.batch) == 0 {
			return nil, nil
		}
	}
	rec := h.batch[h.idx]
	h.idx++
	h.nextVersion = rec.BaseVersion + 1
	return rec, nil
}

func (h *History) fetch(ctx context.Context) error {
	rows, err := h.store.conn.QueryContext(ctx, `
	SELECT id, entity_id, base_version, deltas, origin, created_at
	FROM change_log
	WHERE entity_id = ? AND base_version >= ?
	ORDER BY base_version ASC
	LIMIT ?`, h.entityID, h.nextVersion, h.batchSize)
	if err != nil {
		return fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	h.batch = h.batch[:0]
	h.idx = 0
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return err
		}
		h.batch = append(h.batch, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating history: %w", err)
	}
	if len(h.batch) < h.batchSize {
		h.done = true
	}
	return nil
}

func scanChange(rows *sql.Rows) (*schema.ChangeRecord, error) {
	var rec schema.ChangeRecord
	var deltasJSON, origin, createdAt string

	if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.BaseVersion, &deltasJSON, &origin, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan change record: %w", err)
	}
	if err := json.Unmarshal([]byte(deltasJSON), &rec.Deltas); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deltas: %w", err)
	}
	rec.Origin = schema.Origin(origin)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	return &rec, nil
}
