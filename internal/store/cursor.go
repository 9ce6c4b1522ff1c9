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

// ProviderCursor is the per-provider pull bookmark: the ETag or
// timestamp the last successful pull advanced to.
type ProviderCursor struct {
	Provider     string
	ETag         string
	Since        string
	LastSyncedAt time.Time
}

// EntityCursor is the per-(entity, provider) push bookmark.
type EntityCursor struct {
	EntityID      string
	Provider      string
	ExternalRef   schema.ExternalRef
	PushedVersion int64
	LastSyncedAt  time.Time
}

// GetProviderCursor loads the pull bookmark for a provider. A provider
// that has never synced gets a zero cursor.
func (s *Store) GetProviderCursor(ctx context.Context, provider string) (ProviderCursor, error) {
	cur := ProviderCursor{Provider: provider}
	var lastSynced string
	err := s.conn.QueryRowContext(ctx, `
	SELECT etag, since, last_synced_at FROM provider_cursors WHERE provider = ?`,
		provider).Scan(&cur.ETag, &cur.Since, &lastSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return cur, fmt.Errorf("failed to load provider cursor: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, lastSynced); err == nil {
		cur.LastSyncedAt = t
	}
	return cur, nil
}

// PutProviderCursor stores the pull bookmark after a successful pull.
func (s *Store) PutProviderCursor(ctx context.Context, cur ProviderCursor) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO provider_cursors (provider, etag, since, last_synced_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(provider) DO UPDATE SET
		etag = excluded.etag,
		since = excluded.since,
		last_synced_at = excluded.last_synced_at`,
		cur.Provider, cur.ETag, cur.Since, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store provider cursor: %w", err)
	}
	return nil
}

// GetEntityCursor loads the push bookmark for an (entity, provider)
// pair. A pair that has never synced gets a zero cursor.
func (s *Store) GetEntityCursor(ctx context.Context, entityID, provider string) (EntityCursor, error) {
	cur := EntityCursor{EntityID: entityID, Provider: provider}
	var lastSynced string
	err := s.conn.QueryRowContext(ctx, `
	SELECT external_id, external_url, pushed_version, last_synced_at
	FROM sync_cursors WHERE entity_id = ? AND provider = ?`,
		entityID, provider).Scan(&cur.ExternalRef.ID, &cur.ExternalRef.URL,
		&cur.PushedVersion, &lastSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return cur, fmt.Errorf("failed to load entity cursor: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, lastSynced); err == nil {
		cur.LastSyncedAt = t
	}
	return cur, nil
}

// MarkSynced advances the push bookmark after a successful push and
// links the entity to its provider-side identity.
//
// The entity's provider_links map is updated in the same transaction so
// future pushes address the existing remote object instead of creating
// a new one.
func (s *Store) MarkSynced(ctx context.Context, entityID, provider string, version int64, ref schema.ExternalRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
	INSERT INTO sync_cursors (entity_id, provider, external_id, external_url, pushed_version, last_synced_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_id, provider) DO UPDATE SET
		external_id = excluded.external_id,
		external_url = excluded.external_url,
		pushed_version = MAX(pushed_version, excluded.pushed_version),
		last_synced_at = excluded.last_synced_at`,
		entityID, provider, ref.ID, ref.URL, version, now)
	if err != nil {
		return fmt.Errorf("failed to mark synced: %w", err)
	}

	entity, err := getEntityTx(ctx, tx, entityID)
	if err != nil {
		return err
	}
	if entity.ProviderLinks == nil {
		entity.ProviderLinks = make(map[string]schema.ExternalRef)
	}
	if entity.ProviderLinks[provider] != ref {
		entity.ProviderLinks[provider] = ref
		linksJSON, err := json.Marshal(entity.ProviderLinks)
		if err != nil {
			return fmt.Errorf("failed to marshal provider links: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE entities SET provider_links = ? WHERE id = ?",
			string(linksJSON), entityID); err != nil {
			return fmt.Errorf("failed to update provider links: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PendingPush pairs an entity snapshot with the unsynced changes that
// should be pushed to a provider.
type PendingPush struct {
	Entity  *schema.Entity
	Records []*schema.ChangeRecord
}

// PendingPushes finds entities with changes not yet pushed to the given
// provider.
//
// Changes whose origin is the provider itself are excluded so remote
// edits are not echoed back out. Re-running with no new changes returns
// nothing, which keeps the push phase idempotent.
func (s *Store) PendingPushes(ctx context.Context, provider string) ([]PendingPush, error) {
	providerOrigin := string(schema.ProviderOrigin(provider))

	rows, err := s.conn.QueryContext(ctx, `
	SELECT e.id, e.title, e.description, e.status, e.priority, e.tags,
	       e.version, e.provider_links, e.created_at, e.updated_at,
	       COALESCE(c.pushed_version, 0)
	FROM entities e
	LEFT JOIN sync_cursors c ON c.entity_id = e.id AND c.provider = ?
	WHERE e.version > COALESCE(c.pushed_version, 0)
	ORDER BY e.created_at ASC`, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entities: %w", err)
	}
	defer rows.Close()

	type pendingEntity struct {
		entity        *schema.Entity
		pushedVersion int64
	}
	var pendings []pendingEntity
	for rows.Next() {
		var pushed int64
		e, err := scanEntityWithExtra(rows, &pushed)
		if err != nil {
			return nil, err
		}
		pendings = append(pendings, pendingEntity{entity: e, pushedVersion: pushed})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending entities: %w", err)
	}

	var out []PendingPush
	for _, p := range pendings {
		recs, err := s.changesSince(ctx, p.entity.ID, p.pushedVersion, providerOrigin)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			continue
		}
		out = append(out, PendingPush{Entity: p.entity, Records: recs})
	}
	return out, nil
}

// changesSince loads change records at or after sinceVersion, excluding
// those authored by excludeOrigin.
func (s *Store) changesSince(ctx context.Context, entityID string, sinceVersion int64, excludeOrigin string) ([]*schema.ChangeRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, entity_id, base_version, deltas, origin, created_at
	FROM change_log
	WHERE entity_id = ? AND base_version >= ? AND origin != ?
	ORDER BY base_version ASC`, entityID, sinceVersion, excludeOrigin)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var recs []*schema.ChangeRecord
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}
	return recs, nil
}

// scanEntityWithExtra scans an entity row followed by extra columns.
func scanEntityWithExtra(rows *sql.Rows, extra ...any) (*schema.Entity, error) {
	var e schema.Entity
	var status, tagsJSON, linksJSON string
	var createdAt, updatedAt string

	dest := []any{
		&e.ID, &e.Title, &e.Description, &status, &e.Priority, &tagsJSON,
		&e.Version, &linksJSON, &createdAt, &updatedAt,
	}
	dest = append(dest, extra...)
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	e.Status = schema.Status(status)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	if tagsJSON != "" && tagsJSON != "null" {
		if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	if linksJSON != "" && linksJSON != "null" {
		if err := json.Unmarshal([]byte(linksJSON), &e.ProviderLinks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provider links: %w", err)
		}
	}
	return &e, nil
}

// FindEntityByExternalRef maps a provider-side identifier back to the
// local entity id. Returns ErrEntityNotFound if no entity is linked.
func (s *Store) FindEntityByExternalRef(ctx context.Context, provider, externalID string) (string, error) {
	var entityID string
	err := s.conn.QueryRowContext(ctx, `
	SELECT entity_id FROM sync_cursors
	WHERE provider = ? AND external_id = ?`, provider, externalID).Scan(&entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s/%s", ErrEntityNotFound, provider, externalID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up external ref: %w", err)
	}
	return entityID, nil
}

// GetDeviceCursor returns the last relay sequence number this device
// durably acknowledged. Zero if the device has never connected.
func (s *Store) GetDeviceCursor(ctx context.Context, deviceID string) (int64, error) {
	var seq int64
	err := s.conn.QueryRowContext(ctx,
		"SELECT last_sequence FROM device_cursor WHERE device_id = ?", deviceID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load device cursor: %w", err)
	}
	return seq, nil
}

// PutDeviceCursor durably records the relay resume point. Sequence
// numbers only move forward; a lower value is ignored.
func (s *Store) PutDeviceCursor(ctx context.Context, deviceID string, sequence int64) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO device_cursor (device_id, last_sequence, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		last_sequence = MAX(last_sequence, excluded.last_sequence),
		updated_at = excluded.updated_at`,
		deviceID, sequence, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store device cursor: %w", err)
	}
	return nil
}

// OutgoingChange pairs a change record with its change_log position,
// the bookmark used for relay publish bookkeeping.
type OutgoingChange struct {
	LogID  int64
	Record *schema.ChangeRecord
}

// UnpublishedChanges returns records with the given origin past the log
// position, oldest first. A negative limit means no limit. The relay
// publish loop walks these rather than an in-memory queue, so records
// produced while no coordinator was running (another process, a crash)
// are still picked up.
func (s *Store) UnpublishedChanges(ctx context.Context, origin schema.Origin, afterLogID int64, limit int) ([]OutgoingChange, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT rowid, id, entity_id, base_version, deltas, origin, created_at
	FROM change_log
	WHERE origin = ? AND rowid > ?
	ORDER BY rowid
	LIMIT ?`, string(origin), afterLogID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished changes: %w", err)
	}
	defer rows.Close()

	var out []OutgoingChange
	for rows.Next() {
		var oc OutgoingChange
		var rec schema.ChangeRecord
		var deltasJSON, recOrigin, createdAt string
		if err := rows.Scan(&oc.LogID, &rec.ID, &rec.EntityID, &rec.BaseVersion,
			&deltasJSON, &recOrigin, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan unpublished change: %w", err)
		}
		if err := json.Unmarshal([]byte(deltasJSON), &rec.Deltas); err != nil {
			return nil, fmt.Errorf("failed to unmarshal deltas: %w", err)
		}
		rec.Origin = schema.Origin(recOrigin)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = t
		}
		oc.Record = &rec
		out = append(out, oc)
	}
	return out, rows.Err()
}

// GetPublishCursor returns the last change_log position the relay has
// confirmed durable for this device. Zero if nothing was published yet.
func (s *Store) GetPublishCursor(ctx context.Context, deviceID string) (int64, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx,
		"SELECT last_log_id FROM publish_cursor WHERE device_id = ?", deviceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load publish cursor: %w", err)
	}
	return id, nil
}

// PutPublishCursor durably records the publish point. Forward-only,
// like the device cursor.
func (s *Store) PutPublishCursor(ctx context.Context, deviceID string, logID int64) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO publish_cursor (device_id, last_log_id, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		last_log_id = MAX(last_log_id, excluded.last_log_id),
		updated_at = excluded.updated_at`,
		deviceID, logID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store publish cursor: %w", err)
	}
	return nil
}
