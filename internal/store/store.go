// ABOUTME: Store interfaces and data types for coven-connect persistence
// ABOUTME: Defines Connector, Session, OAuthState, Record and their store contracts

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
// (or exists but belongs to a different owner).
var ErrNotFound = errors.New("not found")

// ErrLimitExceeded is returned when an insert or activation would exceed
// the per-owner active connector limit.
var ErrLimitExceeded = errors.New("active connector limit exceeded")

// AuthMode is how a connector authenticates against its tool server.
type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeOAuth  AuthMode = "oauth"
	AuthModeAPIKey AuthMode = "api_key"
)

// Valid reports whether m is a known auth mode.
func (m AuthMode) Valid() bool {
	switch m {
	case AuthModeNone, AuthModeOAuth, AuthModeAPIKey:
		return true
	}
	return false
}

// RequiresCredentials reports whether connectors in this mode carry a credential blob.
func (m AuthMode) RequiresCredentials() bool {
	return m == AuthModeOAuth || m == AuthModeAPIKey
}

// ToolInfo is one entry of a capability catalog: what a source exposes.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Connector is a user-owned registration of an external tool server.
type Connector struct {
	ID             string
	OwnerID        string
	Name           string
	Description    string
	Endpoint       string
	AuthMode       AuthMode
	CredentialBlob string // vault ciphertext; empty for AuthModeNone
	ProviderID     string // oauth provider, empty otherwise
	Active         bool
	Verified       bool
	Tools          []ToolInfo
	LastVerifiedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConnectorStore persists connectors. Every read and write is scoped to an owner.
type ConnectorStore interface {
	// CreateConnector inserts an active connector unless the owner already has
	// maxActive active connectors, in which case ErrLimitExceeded is returned.
	// The check and the insert happen in one statement.
	CreateConnector(ctx context.Context, c *Connector, maxActive int) error
	GetConnector(ctx context.Context, ownerID, id string) (*Connector, error)
	ListConnectors(ctx context.Context, ownerID string) ([]*Connector, error)
	ListActiveVerifiedConnectors(ctx context.Context, ownerID string) ([]*Connector, error)
	FindConnectorByEndpoint(ctx context.Context, ownerID, endpoint, providerID string) (*Connector, error)
	UpdateConnector(ctx context.Context, c *Connector) error
	// SetConnectorActive flips the active flag. Activation is subject to maxActive.
	SetConnectorActive(ctx context.Context, ownerID, id string, active bool, maxActive int) error
	DeleteConnector(ctx context.Context, ownerID, id string) error
	CountActiveConnectors(ctx context.Context, ownerID string) (int, error)
}

// Turn roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Turn is one entry in a session's rolling history.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingAction is an irreversible invocation waiting for the user to confirm.
type PendingAction struct {
	Capability string          `json:"capability"`
	Args       json.RawMessage `json:"args,omitempty"`
	Prompt     string          `json:"prompt"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Expired reports whether the action is past its deadline at now.
func (p *PendingAction) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Session is a conversation context with a bounded turn window.
type Session struct {
	ID        string
	OwnerID   string
	Turns     []Turn
	Metadata  map[string]string
	Pending   *PendingAction
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AppendTurn adds a turn and evicts the oldest turns beyond limit.
func (s *Session) AppendTurn(t Turn, limit int) {
	s.Turns = append(s.Turns, t)
	if limit > 0 && len(s.Turns) > limit {
		drop := len(s.Turns) - limit
		s.Turns = append([]Turn(nil), s.Turns[drop:]...)
	}
}

// SessionStore persists sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error
	// ListSessionsWithExpiredPending returns IDs of sessions whose pending action
	// expired at or before now.
	ListSessionsWithExpiredPending(ctx context.Context, now time.Time) ([]string, error)
}

// OAuthState is a one-time anti-CSRF token binding an authorization redirect
// to the owner who started it, plus what to create on success.
type OAuthState struct {
	State         string
	OwnerID       string
	ProviderID    string
	ConnectorName string
	Description   string
	Endpoint      string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// OAuthStateStore persists OAuth states.
type OAuthStateStore interface {
	SaveOAuthState(ctx context.Context, s *OAuthState) error
	// ConsumeOAuthState looks up and deletes a state in one atomic step.
	// A second call with the same value returns ErrNotFound.
	ConsumeOAuthState(ctx context.Context, state string) (*OAuthState, error)
	DeleteExpiredOAuthStates(ctx context.Context, now time.Time) (int, error)
}

// Record is a generic owner-scoped JSON document used by the inventory
// and billing services behind the system capabilities.
type Record struct {
	ID        string
	OwnerID   string
	Kind      string
	Data      json.RawMessage
	CreatedAt time.Time
}

// RecordStore persists records.
type RecordStore interface {
	CreateRecord(ctx context.Context, r *Record) error
	ListRecords(ctx context.Context, ownerID, kind string, limit int) ([]*Record, error)
	DeleteRecord(ctx context.Context, ownerID, kind, id string) error
}
