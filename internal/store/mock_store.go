// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same limit and one-time semantics

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory implementation of every store interface.
type MockStore struct {
	mu          sync.RWMutex
	connectors  map[string]*Connector  // keyed by connector ID
	sessions    map[string]*Session    // keyed by session ID
	oauthStates map[string]*OAuthState // keyed by state hash
	records     map[string]*Record     // keyed by record ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		connectors:  make(map[string]*Connector),
		sessions:    make(map[string]*Session),
		oauthStates: make(map[string]*OAuthState),
		records:     make(map[string]*Record),
	}
}

func (m *MockStore) countActiveLocked(ownerID string) int {
	n := 0
	for _, c := range m.connectors {
		if c.OwnerID == ownerID && c.Active {
			n++
		}
	}
	return n
}

func copyConnector(c *Connector) *Connector {
	cp := *c
	cp.Tools = append([]ToolInfo(nil), c.Tools...)
	if c.LastVerifiedAt != nil {
		t := *c.LastVerifiedAt
		cp.LastVerifiedAt = &t
	}
	return &cp
}

// CreateConnector stores a new active connector subject to maxActive.
func (m *MockStore) CreateConnector(ctx context.Context, c *Connector, maxActive int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.countActiveLocked(c.OwnerID) >= maxActive {
		return ErrLimitExceeded
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Active = true

	m.connectors[c.ID] = copyConnector(c)
	return nil
}

// GetConnector retrieves an owner's connector.
func (m *MockStore) GetConnector(ctx context.Context, ownerID, id string) (*Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.connectors[id]
	if !ok || c.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return copyConnector(c), nil
}

func (m *MockStore) listConnectors(ownerID string, keep func(*Connector) bool) []*Connector {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Connector
	for _, c := range m.connectors {
		if c.OwnerID == ownerID && keep(c) {
			out = append(out, copyConnector(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListConnectors returns all of an owner's connectors, oldest first.
func (m *MockStore) ListConnectors(ctx context.Context, ownerID string) ([]*Connector, error) {
	return m.listConnectors(ownerID, func(*Connector) bool { return true }), nil
}

// ListActiveVerifiedConnectors returns active, verified connectors.
func (m *MockStore) ListActiveVerifiedConnectors(ctx context.Context, ownerID string) ([]*Connector, error) {
	return m.listConnectors(ownerID, func(c *Connector) bool { return c.Active && c.Verified }), nil
}

// FindConnectorByEndpoint finds a connector by endpoint and provider.
func (m *MockStore) FindConnectorByEndpoint(ctx context.Context, ownerID, endpoint, providerID string) (*Connector, error) {
	found := m.listConnectors(ownerID, func(c *Connector) bool {
		return c.Endpoint == endpoint && c.ProviderID == providerID
	})
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found[0], nil
}

// UpdateConnector replaces mutable fields, preserving the active flag.
func (m *MockStore) UpdateConnector(ctx context.Context, c *Connector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.connectors[c.ID]
	if !ok || existing.OwnerID != c.OwnerID {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now().UTC()
	cp := copyConnector(c)
	cp.Active = existing.Active
	cp.CreatedAt = existing.CreatedAt
	m.connectors[c.ID] = cp
	return nil
}

// SetConnectorActive flips the active flag subject to maxActive.
func (m *MockStore) SetConnectorActive(ctx context.Context, ownerID, id string, active bool, maxActive int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connectors[id]
	if !ok || c.OwnerID != ownerID {
		return ErrNotFound
	}
	if active && !c.Active && m.countActiveLocked(ownerID) >= maxActive {
		return ErrLimitExceeded
	}
	c.Active = active
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteConnector removes a connector.
func (m *MockStore) DeleteConnector(ctx context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connectors[id]
	if !ok || c.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.connectors, id)
	return nil
}

// CountActiveConnectors returns the owner's active connector count.
func (m *MockStore) CountActiveConnectors(ctx context.Context, ownerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countActiveLocked(ownerID), nil
}

func copySession(s *Session) *Session {
	cp := *s
	cp.Turns = append([]Turn(nil), s.Turns...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	if s.Pending != nil {
		p := *s.Pending
		p.Args = append(json.RawMessage(nil), s.Pending.Args...)
		cp.Pending = &p
	}
	return &cp
}

// GetSession retrieves a session.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// SaveSession upserts a session.
func (m *MockStore) SaveSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.sessions[s.ID] = copySession(s)
	return nil
}

// DeleteSession removes a session.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

// ListSessionsWithExpiredPending returns sessions whose pending action has expired.
func (m *MockStore) ListSessionsWithExpiredPending(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, s := range m.sessions {
		if s.Pending != nil && s.Pending.Expired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveOAuthState stores a state.
func (m *MockStore) SaveOAuthState(ctx context.Context, st *OAuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *st
	m.oauthStates[hashToken(st.State)] = &cp
	return nil
}

// ConsumeOAuthState returns and removes a state.
func (m *MockStore) ConsumeOAuthState(ctx context.Context, state string) (*OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := hashToken(state)
	st, ok := m.oauthStates[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.oauthStates, key)
	return st, nil
}

// DeleteExpiredOAuthStates purges expired states.
func (m *MockStore) DeleteExpiredOAuthStates(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, st := range m.oauthStates {
		if !now.Before(st.ExpiresAt) {
			delete(m.oauthStates, k)
			n++
		}
	}
	return n, nil
}

// CreateRecord stores a record.
func (m *MockStore) CreateRecord(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cp := *r
	cp.Data = append(json.RawMessage(nil), r.Data...)
	m.records[r.ID] = &cp
	return nil
}

// ListRecords returns an owner's records of a kind, newest first.
func (m *MockStore) ListRecords(ctx context.Context, ownerID, kind string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []*Record
	for _, r := range m.records {
		if r.OwnerID == ownerID && r.Kind == kind {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteRecord removes a record.
func (m *MockStore) DeleteRecord(ctx context.Context, ownerID, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.OwnerID != ownerID || r.Kind != kind {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

var (
	_ ConnectorStore  = (*MockStore)(nil)
	_ SessionStore    = (*MockStore)(nil)
	_ OAuthStateStore = (*MockStore)(nil)
	_ RecordStore     = (*MockStore)(nil)
)
