// ABOUTME: Owner-scoped connector CRUD that validates before persisting
// ABOUTME: Enforces the active connector cap and keeps credentials encrypted at rest

package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/coven-connect/internal/mcp"
	"github.com/2389/coven-connect/internal/packs"
	"github.com/2389/coven-connect/internal/store"
	"github.com/2389/coven-connect/internal/vault"
)

// DefaultMaxActive is the per-owner cap on active connectors.
const DefaultMaxActive = 10

var validate = validator.New()

// CreateRequest describes a connector to register. OAuth connectors are
// created through OAuthManager instead.
type CreateRequest struct {
	Name        string         `json:"name" validate:"required,max=100"`
	Description string         `json:"description" validate:"max=500"`
	Endpoint    string         `json:"endpoint" validate:"required,max=2048"`
	AuthMode    store.AuthMode `json:"auth_mode" validate:"required,oneof=none api_key"`
	Auth        AuthConfig     `json:"auth"`
}

// UpdateRequest edits display fields. Nil fields are left unchanged.
type UpdateRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description" validate:"omitempty,max=500"`
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Store     store.ConnectorStore
	Vault     *vault.Vault
	Validator *Validator
	MaxActive int
	Logger    *slog.Logger
}

// Registry manages connectors for their owners.
type Registry struct {
	store     store.ConnectorStore
	vault     *vault.Vault
	validator *Validator
	maxActive int
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]cachedClient
}

// cachedClient is reused until the connector record changes.
type cachedClient struct {
	updatedAt time.Time
	client    *mcp.Client
}

// NewRegistry creates a registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("connector store is required")
	}
	if cfg.Vault == nil {
		return nil, errors.New("vault is required")
	}
	if cfg.Validator == nil {
		cfg.Validator = NewValidator(ValidatorConfig{Logger: cfg.Logger})
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		store:     cfg.Store,
		vault:     cfg.Vault,
		validator: cfg.Validator,
		maxActive: cfg.MaxActive,
		logger:    cfg.Logger.With("component", "connector.registry"),
		clients:   make(map[string]cachedClient),
	}, nil
}

// MaxActive returns the active connector cap.
func (r *Registry) MaxActive() int {
	return r.maxActive
}

// Test runs a validation probe without storing anything.
func (r *Registry) Test(ctx context.Context, endpoint string, mode store.AuthMode, auth AuthConfig) *ValidationResult {
	return r.validator.Validate(ctx, endpoint, mode, auth)
}

// Create validates the endpoint and stores the connector only if the probe
// succeeds. The returned result carries any warning, or the failure when
// err is a validation *Error.
func (r *Registry) Create(ctx context.Context, ownerID string, req CreateRequest) (*store.Connector, *ValidationResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := r.checkNameAvailable(ctx, ownerID, req.Name, ""); err != nil {
		return nil, nil, err
	}

	// Fail fast before probing; the insert below repeats the check atomically.
	active, err := r.store.CountActiveConnectors(ctx, ownerID)
	if err != nil {
		return nil, nil, fmt.Errorf("counting active connectors: %w", err)
	}
	if active >= r.maxActive {
		return nil, nil, limitError(store.ErrLimitExceeded)
	}

	result := r.validator.Validate(ctx, req.Endpoint, req.AuthMode, req.Auth)
	if !result.Success {
		return nil, result, result.Err()
	}

	c := &store.Connector{
		OwnerID:     ownerID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Endpoint:    req.Endpoint,
		AuthMode:    req.AuthMode,
		Verified:    true,
		Tools:       result.Tools,
	}
	now := time.Now().UTC()
	c.LastVerifiedAt = &now

	if req.AuthMode.RequiresCredentials() {
		blob, err := r.vault.Encrypt(req.Auth.Payload())
		if err != nil {
			return nil, nil, fmt.Errorf("encrypting credentials: %w", err)
		}
		c.CredentialBlob = blob
	}

	if err := r.store.CreateConnector(ctx, c, r.maxActive); err != nil {
		if errors.Is(err, store.ErrLimitExceeded) {
			return nil, nil, limitError(err)
		}
		return nil, nil, fmt.Errorf("creating connector: %w", err)
	}

	r.logger.Info("connector created",
		"owner_id", ownerID,
		"connector_id", c.ID,
		"auth_mode", c.AuthMode,
		"tools", len(c.Tools),
	)
	return c, result, nil
}

// Get returns one of the owner's connectors.
func (r *Registry) Get(ctx context.Context, ownerID, id string) (*store.Connector, error) {
	return r.store.GetConnector(ctx, ownerID, id)
}

// List returns all of the owner's connectors.
func (r *Registry) List(ctx context.Context, ownerID string) ([]*store.Connector, error) {
	return r.store.ListConnectors(ctx, ownerID)
}

// ListLoadable returns the owner's active, verified connectors.
func (r *Registry) ListLoadable(ctx context.Context, ownerID string) ([]*store.Connector, error) {
	return r.store.ListActiveVerifiedConnectors(ctx, ownerID)
}

// Update edits the connector's display fields.
func (r *Registry) Update(ctx context.Context, ownerID, id string, req UpdateRequest) (*store.Connector, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	c, err := r.store.GetConnector(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if err := r.checkNameAvailable(ctx, ownerID, name, id); err != nil {
			return nil, err
		}
		c.Name = name
	}
	if req.Description != nil {
		c.Description = *req.Description
	}
	if err := r.store.UpdateConnector(ctx, c); err != nil {
		return nil, fmt.Errorf("updating connector: %w", err)
	}
	return c, nil
}

// Reverify re-runs validation with the stored credentials and refreshes the
// cached catalog. A failed probe clears the verified flag.
func (r *Registry) Reverify(ctx context.Context, ownerID, id string) (*store.Connector, *ValidationResult, error) {
	c, err := r.store.GetConnector(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	auth, err := r.Credentials(c)
	if err != nil {
		return nil, nil, err
	}

	result := r.validator.Validate(ctx, c.Endpoint, c.AuthMode, auth)
	c.Verified = result.Success
	if result.Success {
		c.Tools = result.Tools
		now := time.Now().UTC()
		c.LastVerifiedAt = &now
	}
	if err := r.store.UpdateConnector(ctx, c); err != nil {
		return nil, nil, fmt.Errorf("updating connector: %w", err)
	}
	r.forget(id)

	r.logger.Info("connector reverified", "owner_id", ownerID, "connector_id", id, "verified", c.Verified)
	return c, result, nil
}

// SetActive enables or disables a connector without re-validating.
func (r *Registry) SetActive(ctx context.Context, ownerID, id string, active bool) (*store.Connector, error) {
	if err := r.store.SetConnectorActive(ctx, ownerID, id, active, r.maxActive); err != nil {
		if errors.Is(err, store.ErrLimitExceeded) {
			return nil, limitError(err)
		}
		return nil, err
	}
	return r.store.GetConnector(ctx, ownerID, id)
}

// Toggle flips the active flag.
func (r *Registry) Toggle(ctx context.Context, ownerID, id string) (*store.Connector, error) {
	c, err := r.store.GetConnector(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return r.SetActive(ctx, ownerID, id, !c.Active)
}

// Delete removes a connector permanently.
func (r *Registry) Delete(ctx context.Context, ownerID, id string) error {
	if err := r.store.DeleteConnector(ctx, ownerID, id); err != nil {
		return err
	}
	r.forget(id)
	r.logger.Info("connector deleted", "owner_id", ownerID, "connector_id", id)
	return nil
}

// Credentials decrypts a connector's credential blob.
func (r *Registry) Credentials(c *store.Connector) (AuthConfig, error) {
	if !c.AuthMode.RequiresCredentials() {
		return AuthConfig{}, nil
	}
	payload, err := r.vault.Decrypt(c.CredentialBlob)
	if err != nil {
		r.logger.Warn("connector credentials unreadable", "connector_id", c.ID)
		return AuthConfig{}, decryptionError(err)
	}
	return AuthConfigFromPayload(payload), nil
}

// Client returns an MCP client for the connector, reusing one built for the
// same revision of the record.
func (r *Registry) Client(c *store.Connector) (*mcp.Client, error) {
	r.mu.Lock()
	cached, ok := r.clients[c.ID]
	r.mu.Unlock()
	if ok && cached.updatedAt.Equal(c.UpdatedAt) {
		return cached.client, nil
	}

	auth, err := r.Credentials(c)
	if err != nil {
		return nil, err
	}
	client := r.validator.NewClient(c.Endpoint, c.AuthMode, auth)

	r.mu.Lock()
	r.clients[c.ID] = cachedClient{updatedAt: c.UpdatedAt, client: client}
	r.mu.Unlock()
	return client, nil
}

// Timeout is the per-call deadline applied to connector traffic.
func (r *Registry) Timeout() time.Duration {
	return r.validator.Timeout()
}

// ConnectOAuth stores the result of a completed OAuth flow. An existing
// connector for the same endpoint and provider is updated and re-verified
// instead of duplicated.
func (r *Registry) ConnectOAuth(ctx context.Context, st *store.OAuthState, auth AuthConfig) (*store.Connector, *ValidationResult, error) {
	result := r.validator.Validate(ctx, st.Endpoint, store.AuthModeOAuth, auth)
	if !result.Success {
		return nil, result, result.Err()
	}

	blob, err := r.vault.Encrypt(auth.Payload())
	if err != nil {
		return nil, nil, fmt.Errorf("encrypting credentials: %w", err)
	}
	now := time.Now().UTC()

	existing, err := r.store.FindConnectorByEndpoint(ctx, st.OwnerID, st.Endpoint, st.ProviderID)
	switch {
	case err == nil:
		existing.CredentialBlob = blob
		existing.Tools = result.Tools
		existing.Verified = true
		existing.LastVerifiedAt = &now
		if err := r.store.UpdateConnector(ctx, existing); err != nil {
			return nil, nil, fmt.Errorf("updating connector: %w", err)
		}
		r.forget(existing.ID)
		r.logger.Info("oauth connector reconnected", "owner_id", st.OwnerID, "connector_id", existing.ID)
		return existing, result, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, nil, fmt.Errorf("finding connector: %w", err)
	}

	name := strings.TrimSpace(st.ConnectorName)
	if name == "" {
		name = st.ProviderID
	}
	if err := r.checkNameAvailable(ctx, st.OwnerID, name, ""); err != nil {
		return nil, nil, err
	}

	c := &store.Connector{
		OwnerID:        st.OwnerID,
		Name:           name,
		Description:    st.Description,
		Endpoint:       st.Endpoint,
		AuthMode:       store.AuthModeOAuth,
		CredentialBlob: blob,
		ProviderID:     st.ProviderID,
		Verified:       true,
		Tools:          result.Tools,
		LastVerifiedAt: &now,
	}
	if err := r.store.CreateConnector(ctx, c, r.maxActive); err != nil {
		if errors.Is(err, store.ErrLimitExceeded) {
			return nil, nil, limitError(err)
		}
		return nil, nil, fmt.Errorf("creating connector: %w", err)
	}
	r.logger.Info("oauth connector created", "owner_id", st.OwnerID, "connector_id", c.ID, "provider", st.ProviderID)
	return c, result, nil
}

// CheckName rejects connector names that cannot serve as a capability
// namespace: blank names, and names containing the namespace separator,
// which would let "A: b" + "c" collide with "A" + "b: c".
func CheckName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name must not be blank", ErrInvalidInput)
	}
	if strings.Contains(name, packs.NamespaceSeparator) {
		return fmt.Errorf("%w: name must not contain %q", ErrInvalidInput, packs.NamespaceSeparator)
	}
	return nil
}

// checkNameAvailable rejects an unusable name or one already used by another
// of the owner's connectors, since names become capability namespaces.
func (r *Registry) checkNameAvailable(ctx context.Context, ownerID, name, exceptID string) error {
	if err := CheckName(name); err != nil {
		return err
	}
	existing, err := r.store.ListConnectors(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("listing connectors: %w", err)
	}
	for _, c := range existing {
		if c.ID != exceptID && strings.EqualFold(c.Name, strings.TrimSpace(name)) {
			return fmt.Errorf("%w: a connector named %q already exists", ErrInvalidInput, c.Name)
		}
	}
	return nil
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}
