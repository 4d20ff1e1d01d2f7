// ABOUTME: Generic owner-scoped JSON records backing inventory and billing
// ABOUTME: Plain data access; the system capabilities own the record shapes

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateRecord stores a record, assigning ID and CreatedAt when unset.
func (s *SQLiteStore) CreateRecord(ctx context.Context, r *Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, owner_id, kind, data_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.OwnerID, r.Kind, string(r.Data), formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	return nil
}

// ListRecords returns an owner's records of a kind, newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListRecords(ctx context.Context, ownerID, kind string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, data_json, created_at
		FROM records
		WHERE owner_id = ? AND kind = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, ownerID, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var (
			r         Record
			data      string
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Kind, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning record row: %w", err)
		}
		r.Data = []byte(data)
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating record rows: %w", err)
	}
	return out, nil
}

// DeleteRecord removes an owner's record.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, ownerID, kind, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE id = ? AND owner_id = ? AND kind = ?`, id, ownerID, kind)
	if err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return requireOneRow(result)
}
