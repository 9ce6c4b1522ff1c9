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

// Conflict errors.
var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrConflictResolved = errors.New("conflict already resolved")
)

// RecordConflict persists a conflict entry. Conflicts are never
// deleted; resolved ones stay queryable for audit.
func (s *Store) RecordConflict(ctx context.Context, c *schema.Conflict) error {
	localJSON, err := json.Marshal(c.Local)
	if err != nil {
		return fmt.Errorf("failed to marshal local record: %w", err)
	}
	remoteJSON, err := json.Marshal(c.Remote)
	if err != nil {
		return fmt.Errorf("failed to marshal remote record: %w", err)
	}
	outcomeJSON, err := json.Marshal(c.Outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	reviewJSON, err := json.Marshal(c.ReviewFields)
	if err != nil {
		return fmt.Errorf("failed to marshal review fields: %w", err)
	}

	var resolvedAt any
	if c.ResolvedAt != nil {
		resolvedAt = c.ResolvedAt.Format(time.RFC3339Nano)
	}

	_, err = s.conn.ExecContext(ctx, `
	INSERT INTO conflicts (id, entity_id, status, local_record, remote_record,
	                       outcome, review_fields, created_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.EntityID, string(c.Status), string(localJSON), string(remoteJSON),
		string(outcomeJSON), string(reviewJSON),
		c.CreatedAt.Format(time.RFC3339Nano), resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}

	s.logger.Printf("Recorded conflict %s on %s (%s)", c.ID[:8], c.EntityID, c.Status)
	return nil
}

// Conflicts lists conflicts, optionally filtered by status.
// Pass "" to list all, including resolved ones.
func (s *Store) Conflicts(ctx context.Context, status schema.ConflictStatus) ([]*schema.Conflict, error) {
	query := `
	SELECT id, entity_id, status, local_record, remote_record,
	       outcome, review_fields, created_at, resolved_at
	FROM conflicts`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*schema.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// GetConflict retrieves one conflict by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*schema.Conflict, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, entity_id, status, local_record, remote_record,
	       outcome, review_fields, created_at, resolved_at
	FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error reading conflict: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	return scanConflict(rows)
}

// MarkConflictResolved updates a conflict's status and outcome.
func (s *Store) MarkConflictResolved(ctx context.Context, id string, status schema.ConflictStatus, outcome schema.FieldDeltas) error {
	outcomeJSON, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
	UPDATE conflicts SET status = ?, outcome = ?, resolved_at = ?
	WHERE id = ?`,
		string(status), string(outcomeJSON),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to update conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	return nil
}

// ResolveConflict applies a manually chosen outcome.
//
// The outcome becomes a new ChangeRecord appended at the entity's
// current version, so the resolution flows through the same sync paths
// as any other mutation. The conflict entry is marked
// manually_resolved and retained.
func (s *Store) ResolveConflict(ctx context.Context, id string, outcome schema.FieldDeltas, origin schema.Origin) (*schema.ChangeRecord, error) {
	c, err := s.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == schema.ConflictManual {
		return nil, fmt.Errorf("%w: %s", ErrConflictResolved, id)
	}

	rec, err := s.Append(ctx, c.EntityID, outcome, origin)
	if err != nil {
		return nil, fmt.Errorf("failed to apply resolution: %w", err)
	}

	if err := s.MarkConflictResolved(ctx, id, schema.ConflictManual, outcome); err != nil {
		return nil, err
	}
	return rec, nil
}

func scanConflict(rows *sql.Rows) (*schema.Conflict, error) {
	var c schema.Conflict
	var status, localJSON, remoteJSON string
	var outcomeJSON, reviewJSON sql.NullString
	var createdAt string
	var resolvedAt sql.NullString

	err := rows.Scan(&c.ID, &c.EntityID, &status, &localJSON, &remoteJSON,
		&outcomeJSON, &reviewJSON, &createdAt, &resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}

	c.Status = schema.ConflictStatus(status)
	if err := json.Unmarshal([]byte(localJSON), &c.Local); err != nil {
		return nil, fmt.Errorf("failed to unmarshal local record: %w", err)
	}
	if err := json.Unmarshal([]byte(remoteJSON), &c.Remote); err != nil {
		return nil, fmt.Errorf("failed to unmarshal remote record: %w", err)
	}
	if outcomeJSON.Valid && outcomeJSON.String != "null" {
		if err := json.Unmarshal([]byte(outcomeJSON.String), &c.Outcome); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outcome: %w", err)
		}
	}
	if reviewJSON.Valid && reviewJSON.String != "null" {
		if err := json.Unmarshal([]byte(reviewJSON.String), &c.ReviewFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal review fields: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		c.CreatedAt = t
	}
	if resolvedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
			c.ResolvedAt = &t
		}
	}
	return &c, nil
}
