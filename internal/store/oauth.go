// ABOUTME: OAuth state persistence with atomic one-time consumption
// ABOUTME: States are keyed by SHA-256 so raw anti-CSRF values never hit disk

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveOAuthState stores a freshly minted state.
func (s *SQLiteStore) SaveOAuthState(ctx context.Context, st *OAuthState) error {
	query := `
		INSERT INTO oauth_states (state_hash, owner_id, provider_id, connector_name, description, endpoint, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		hashToken(st.State),
		st.OwnerID,
		st.ProviderID,
		st.ConnectorName,
		st.Description,
		st.Endpoint,
		formatTime(st.CreatedAt),
		formatTime(st.ExpiresAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return errors.New("oauth state collision")
		}
		return fmt.Errorf("inserting oauth state: %w", err)
	}
	return nil
}

// ConsumeOAuthState deletes and returns the state in a single statement.
// Concurrent callers racing on the same value see exactly one success.
// Expiry is not checked here; the caller decides what an expired state means.
func (s *SQLiteStore) ConsumeOAuthState(ctx context.Context, state string) (*OAuthState, error) {
	query := `
		DELETE FROM oauth_states WHERE state_hash = ?
		RETURNING owner_id, provider_id, connector_name, description, endpoint, created_at, expires_at
	`

	st := OAuthState{State: state}
	var createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx, query, hashToken(state)).Scan(
		&st.OwnerID,
		&st.ProviderID,
		&st.ConnectorName,
		&st.Description,
		&st.Endpoint,
		&createdAt,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming oauth state: %w", err)
	}

	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if st.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &st, nil
}

// DeleteExpiredOAuthStates purges states that expired at or before now.
func (s *SQLiteStore) DeleteExpiredOAuthStates(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired oauth states: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}
