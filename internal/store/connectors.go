// ABOUTME: Connector persistence for user-registered tool servers
// ABOUTME: Owner-scoped CRUD with an atomic active-connector limit

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const connectorColumns = `id, owner_id, name, description, endpoint, auth_mode, credential_blob,
	provider_id, active, verified, tools_json, last_verified_at, created_at, updated_at`

// CreateConnector inserts a new active connector. The active count check and the
// insert are one INSERT ... SELECT statement so concurrent creates cannot both
// slip under the limit.
func (s *SQLiteStore) CreateConnector(ctx context.Context, c *Connector, maxActive int) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Active = true

	toolsJSON, err := marshalTools(c.Tools)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO connectors (` + connectorColumns + `)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM connectors WHERE owner_id = ? AND active = 1) < ?
	`

	result, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.OwnerID,
		c.Name,
		c.Description,
		c.Endpoint,
		string(c.AuthMode),
		nullString(c.CredentialBlob),
		c.ProviderID,
		boolToInt(c.Verified),
		toolsJSON,
		nullTime(c.LastVerifiedAt),
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
		c.OwnerID,
		maxActive,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("connector %q already exists", c.ID)
		}
		return fmt.Errorf("inserting connector: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLimitExceeded
	}

	s.logger.Debug("created connector", "id", c.ID, "owner_id", c.OwnerID, "tools", len(c.Tools))
	return nil
}

// GetConnector retrieves a connector by ID for its owner.
// Returns ErrNotFound if it doesn't exist or belongs to someone else.
func (s *SQLiteStore) GetConnector(ctx context.Context, ownerID, id string) (*Connector, error) {
	query := `SELECT ` + connectorColumns + ` FROM connectors WHERE id = ? AND owner_id = ?`
	c, err := scanConnector(s.db.QueryRowContext(ctx, query, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connector: %w", err)
	}
	return c, nil
}

// ListConnectors returns all of an owner's connectors, oldest first.
func (s *SQLiteStore) ListConnectors(ctx context.Context, ownerID string) ([]*Connector, error) {
	query := `SELECT ` + connectorColumns + ` FROM connectors WHERE owner_id = ? ORDER BY created_at, id`
	return s.queryConnectors(ctx, query, ownerID)
}

// ListActiveVerifiedConnectors returns the connectors that contribute capabilities.
func (s *SQLiteStore) ListActiveVerifiedConnectors(ctx context.Context, ownerID string) ([]*Connector, error) {
	query := `SELECT ` + connectorColumns + ` FROM connectors
		WHERE owner_id = ? AND active = 1 AND verified = 1 ORDER BY created_at, id`
	return s.queryConnectors(ctx, query, ownerID)
}

// FindConnectorByEndpoint finds an owner's connector for the endpoint and OAuth provider.
func (s *SQLiteStore) FindConnectorByEndpoint(ctx context.Context, ownerID, endpoint, providerID string) (*Connector, error) {
	query := `SELECT ` + connectorColumns + ` FROM connectors
		WHERE owner_id = ? AND endpoint = ? AND provider_id = ? ORDER BY created_at LIMIT 1`
	c, err := scanConnector(s.db.QueryRowContext(ctx, query, ownerID, endpoint, providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connector by endpoint: %w", err)
	}
	return c, nil
}

// UpdateConnector writes every mutable field except the active flag,
// which only changes through SetConnectorActive.
func (s *SQLiteStore) UpdateConnector(ctx context.Context, c *Connector) error {
	c.UpdatedAt = time.Now().UTC()

	toolsJSON, err := marshalTools(c.Tools)
	if err != nil {
		return err
	}

	query := `
		UPDATE connectors
		SET name = ?, description = ?, endpoint = ?, auth_mode = ?, credential_blob = ?,
			provider_id = ?, verified = ?, tools_json = ?, last_verified_at = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		c.Name,
		c.Description,
		c.Endpoint,
		string(c.AuthMode),
		nullString(c.CredentialBlob),
		c.ProviderID,
		boolToInt(c.Verified),
		toolsJSON,
		nullTime(c.LastVerifiedAt),
		formatTime(c.UpdatedAt),
		c.ID,
		c.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("updating connector: %w", err)
	}
	return requireOneRow(result)
}

// SetConnectorActive toggles a connector. Activating is refused with
// ErrLimitExceeded when the owner is already at maxActive.
func (s *SQLiteStore) SetConnectorActive(ctx context.Context, ownerID, id string, active bool, maxActive int) error {
	now := formatTime(time.Now())

	var (
		result sql.Result
		err    error
	)
	if active {
		result, err = s.db.ExecContext(ctx, `
			UPDATE connectors SET active = 1, updated_at = ?
			WHERE id = ? AND owner_id = ?
				AND (active = 1 OR (SELECT COUNT(*) FROM connectors WHERE owner_id = ? AND active = 1) < ?)
		`, now, id, ownerID, ownerID, maxActive)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE connectors SET active = 0, updated_at = ? WHERE id = ? AND owner_id = ?
		`, now, id, ownerID)
	}
	if err != nil {
		return fmt.Errorf("setting connector active: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Nothing changed: either the connector is missing or the limit blocked it.
	if _, err := s.GetConnector(ctx, ownerID, id); err != nil {
		return err
	}
	return ErrLimitExceeded
}

// DeleteConnector hard-deletes a connector.
func (s *SQLiteStore) DeleteConnector(ctx context.Context, ownerID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM connectors WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting connector: %w", err)
	}
	if err := requireOneRow(result); err != nil {
		return err
	}
	s.logger.Debug("deleted connector", "id", id, "owner_id", ownerID)
	return nil
}

// CountActiveConnectors returns how many active connectors the owner has.
func (s *SQLiteStore) CountActiveConnectors(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM connectors WHERE owner_id = ? AND active = 1`, ownerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active connectors: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) queryConnectors(ctx context.Context, query string, args ...any) ([]*Connector, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connector row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connector rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnector(row rowScanner) (*Connector, error) {
	var (
		c                    Connector
		authMode             string
		credential           sql.NullString
		active, verified     int
		toolsJSON            string
		lastVerified         sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.Name,
		&c.Description,
		&c.Endpoint,
		&authMode,
		&credential,
		&c.ProviderID,
		&active,
		&verified,
		&toolsJSON,
		&lastVerified,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	c.AuthMode = AuthMode(authMode)
	c.CredentialBlob = credential.String
	c.Active = active == 1
	c.Verified = verified == 1

	if err := json.Unmarshal([]byte(toolsJSON), &c.Tools); err != nil {
		return nil, fmt.Errorf("decoding tools for connector %s: %w", c.ID, err)
	}

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if lastVerified.Valid {
		t, err := parseTime(lastVerified.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_verified_at: %w", err)
		}
		c.LastVerifiedAt = &t
	}
	return &c, nil
}

func marshalTools(tools []ToolInfo) (string, error) {
	if tools == nil {
		tools = []ToolInfo{}
	}
	b, err := json.Marshal(tools)
	if err != nil {
		return "", fmt.Errorf("encoding tools: %w", err)
	}
	return string(b), nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func requireOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
