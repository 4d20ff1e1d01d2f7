// ABOUTME: Session persistence for conversation turn windows and pending actions
// ABOUTME: Pending actions are stored inline with an indexed expiry for sweeping

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, owner_id, turns_json, metadata_json, pending_json, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`

	var (
		sess                 Session
		turnsJSON, metaJSON  string
		pendingJSON          sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID,
		&sess.OwnerID,
		&turnsJSON,
		&metaJSON,
		&pendingJSON,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if err := json.Unmarshal([]byte(turnsJSON), &sess.Turns); err != nil {
		return nil, fmt.Errorf("decoding turns: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if pendingJSON.Valid {
		var p PendingAction
		if err := json.Unmarshal([]byte(pendingJSON.String), &p); err != nil {
			return nil, fmt.Errorf("decoding pending action: %w", err)
		}
		sess.Pending = &p
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &sess, nil
}

// SaveSession inserts or replaces a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	turns := sess.Turns
	if turns == nil {
		turns = []Turn{}
	}
	turnsJSON, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encoding turns: %w", err)
	}
	meta := sess.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	var pendingJSON, pendingExpires sql.NullString
	if sess.Pending != nil {
		b, err := json.Marshal(sess.Pending)
		if err != nil {
			return fmt.Errorf("encoding pending action: %w", err)
		}
		pendingJSON = sql.NullString{String: string(b), Valid: true}
		pendingExpires = sql.NullString{String: formatTime(sess.Pending.ExpiresAt), Valid: true}
	}

	query := `
		INSERT INTO sessions (id, owner_id, turns_json, metadata_json, pending_json, pending_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			turns_json = excluded.turns_json,
			metadata_json = excluded.metadata_json,
			pending_json = excluded.pending_json,
			pending_expires_at = excluded.pending_expires_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		sess.OwnerID,
		string(turnsJSON),
		string(metaJSON),
		pendingJSON,
		pendingExpires,
		formatTime(sess.CreatedAt),
		formatTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// DeleteSession removes a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return requireOneRow(result)
}

// ListSessionsWithExpiredPending returns sessions holding a pending action that
// expired at or before now.
func (s *SQLiteStore) ListSessionsWithExpiredPending(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE pending_expires_at IS NOT NULL AND pending_expires_at <= ?
		ORDER BY pending_expires_at
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying expired pending actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session ids: %w", err)
	}
	return ids, nil
}
