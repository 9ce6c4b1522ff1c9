package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/weft-sync/weft/internal/schema"
)

// ErrEntityNotFound is returned when an entity id is unknown to the store.
var ErrEntityNotFound = errors.New("entity not found")

// CreateEntity inserts a new entity and records its creation as the
// first change-log entry (base version 0). The entity ends at version 1.
func (s *Store) CreateEntity(ctx context.Context, e *schema.Entity, origin schema.Origin) (*schema.ChangeRecord, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entity: %w", err)
	}

	deltas := schema.FieldDeltas{
		schema.FieldTitle:    e.Title,
		schema.FieldStatus:   string(e.Status),
		schema.FieldPriority: e.Priority,
	}
	if e.Description != "" {
		deltas[schema.FieldDescription] = e.Description
	}
	if len(e.Tags) > 0 {
		deltas[schema.FieldTags] = append([]string(nil), e.Tags...)
	}
	rec := schema.NewChangeRecord(e.ID, 0, deltas, origin)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	created := e.Clone()
	created.Version = 1
	if err := insertEntity(ctx, tx, created); err != nil {
		return nil, err
	}
	if err := insertChange(ctx, tx, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	*e = *created
	s.subs.publish(Notification{Record: rec, Version: 1})
	return rec, nil
}

// GetEntity retrieves a single entity by id.
func (s *Store) GetEntity(ctx context.Context, id string) (*schema.Entity, error) {
	row := s.conn.QueryRowContext(ctx, `
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

// ListFilter configures ListEntities.
type ListFilter struct {
	// Status filters by entity status (empty = all)
	Status schema.Status
	// Tag filters to entities carrying the tag (empty = all)
	Tag string
	// IncludeDeleted includes entities in the absorbing deleted state
	IncludeDeleted bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListEntities retrieves entities matching the filter, ordered by
// priority then creation time.
func (s *Store) ListEntities(ctx context.Context, filter ListFilter) ([]*schema.Entity, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "e.status = ?")
		args = append(args, string(filter.Status))
	} else if !filter.IncludeDeleted {
		conditions = append(conditions, "e.status != ?")
		args = append(args, string(schema.StatusDeleted))
	}

	selectClause := "SELECT"
	query := ` e.id, e.title, e.description, e.status, e.priority, e.tags,
	       e.version, e.provider_links, e.created_at, e.updated_at
	FROM entities e`

	if filter.Tag != "" {
		selectClause += " DISTINCT"
		query += `, json_each(e.tags)`
		conditions = append(conditions, "json_each.value = ?")
		args = append(args, filter.Tag)
	}

	full := selectClause + query
	if len(conditions) > 0 {
		full += " WHERE " + strings.Join(conditions, " AND ")
	}
	full += " ORDER BY e.priority ASC, e.created_at ASC"
	if filter.Limit > 0 {
		full += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, full, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*schema.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

// insertEntity writes a full entity row inside a transaction.
func insertEntity(ctx context.Context, tx *sql.Tx, e *schema.Entity) error {
	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	linksJSON, err := json.Marshal(e.ProviderLinks)
	if err != nil {
		return fmt.Errorf("failed to marshal provider links: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO entities (
		id, title, description, status, priority, tags, version,
		content_hash, provider_links, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Title, e.Description, string(e.Status), e.Priority,
		string(tagsJSON), e.Version, schema.ContentHash(e), string(linksJSON),
		e.CreatedAt.Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entity: %w", err)
	}
	return nil
}

// updateEntity rewrites the mutable columns of an entity row.
func updateEntity(ctx context.Context, tx *sql.Tx, e *schema.Entity) error {
	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	linksJSON, err := json.Marshal(e.ProviderLinks)
	if err != nil {
		return fmt.Errorf("failed to marshal provider links: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
	UPDATE entities SET
		title = ?, description = ?, status = ?, priority = ?, tags = ?,
		version = ?, content_hash = ?, provider_links = ?, updated_at = ?
	WHERE id = ? AND version = ?`,
		e.Title, e.Description, string(e.Status), e.Priority, string(tagsJSON),
		e.Version, schema.ContentHash(e), string(linksJSON),
		e.UpdatedAt.Format(time.RFC3339Nano),
		e.ID, e.Version-1,
	)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		// The WHERE version guard lost a race. The store mutex should
		// make this unreachable; treat it as corruption if it happens.
		return fmt.Errorf("version guard failed for entity %s at version %d", e.ID, e.Version)
	}
	return nil
}

// scannable covers *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanEntity(row scannable) (*schema.Entity, error) {
	var e schema.Entity
	var status, tagsJSON, linksJSON string
	var createdAt, updatedAt string

	err := row.Scan(
		&e.ID, &e.Title, &e.Description, &status, &e.Priority, &tagsJSON,
		&e.Version, &linksJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
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
