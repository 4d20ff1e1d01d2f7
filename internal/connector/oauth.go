// ABOUTME: OAuth authorization flow for connectors with one-time anti-CSRF state
// ABOUTME: Callback consumes the state, exchanges the code, and stores an encrypted token

package connector

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/2389/coven-connect/internal/store"
)

// Defaults for the OAuth flow.
const (
	DefaultStateTTL        = 10 * time.Minute
	DefaultExchangeTimeout = 10 * time.Second
	stateBytes             = 32
)

// InitiateRequest describes the connector to create once the flow completes.
type InitiateRequest struct {
	ConnectorName string `json:"name" validate:"max=100"`
	Description   string `json:"description" validate:"max=500"`
	Endpoint      string `json:"endpoint" validate:"required,max=2048"`
}

// Authorization is where to send the user's browser.
type Authorization struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// OAuthConfig configures an OAuthManager.
type OAuthConfig struct {
	States    store.OAuthStateStore
	Providers *Providers
	Registry  *Registry
	// StateTTL bounds how long a user has to finish authorizing.
	StateTTL        time.Duration
	ExchangeTimeout time.Duration
	// HTTPClient is used for the token exchange when set.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// OAuthManager runs the authorization code flow for connectors.
type OAuthManager struct {
	states          store.OAuthStateStore
	providers       *Providers
	registry        *Registry
	stateTTL        time.Duration
	exchangeTimeout time.Duration
	httpClient      *http.Client
	logger          *slog.Logger
	now             func() time.Time
}

// NewOAuthManager creates an OAuth manager.
func NewOAuthManager(cfg OAuthConfig) (*OAuthManager, error) {
	if cfg.States == nil {
		return nil, errors.New("oauth state store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("connector registry is required")
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &OAuthManager{
		states:          cfg.States,
		providers:       cfg.Providers,
		registry:        cfg.Registry,
		stateTTL:        cfg.StateTTL,
		exchangeTimeout: cfg.ExchangeTimeout,
		httpClient:      cfg.HTTPClient,
		logger:          cfg.Logger.With("component", "connector.oauth"),
		now:             cfg.Now,
	}, nil
}

// Providers returns the configured provider catalog.
func (m *OAuthManager) Providers() []ProviderInfo {
	return m.providers.List()
}

// Initiate mints a state bound to the owner and returns the provider's
// authorization URL.
func (m *OAuthManager) Initiate(ctx context.Context, ownerID, providerID string, req InitiateRequest) (*Authorization, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.ConnectorName != "" {
		if err := CheckName(req.ConnectorName); err != nil {
			return nil, err
		}
	}
	if err := CheckEndpoint(req.Endpoint); err != nil {
		return nil, NewError(CodeInvalidURL, err.Error(), nil)
	}
	provider, err := m.providers.Get(providerID)
	if err != nil {
		return nil, err
	}

	state, err := newState()
	if err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}
	now := m.now().UTC()
	st := &store.OAuthState{
		State:         state,
		OwnerID:       ownerID,
		ProviderID:    providerID,
		ConnectorName: req.ConnectorName,
		Description:   req.Description,
		Endpoint:      req.Endpoint,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.stateTTL),
	}
	if err := m.states.SaveOAuthState(ctx, st); err != nil {
		return nil, fmt.Errorf("saving oauth state: %w", err)
	}

	m.logger.Info("oauth flow started", "owner_id", ownerID, "provider", providerID)
	return &Authorization{
		URL:   provider.OAuth2.AuthCodeURL(state, oauth2.AccessTypeOffline),
		State: state,
	}, nil
}

// HandleCallback completes a flow. The state is consumed before anything
// else so it can never be replayed, whatever the outcome. An empty code
// means the user or provider denied the request.
func (m *OAuthManager) HandleCallback(ctx context.Context, providerID, code, state string) (*store.Connector, *ValidationResult, error) {
	if state == "" {
		return nil, nil, invalidState("missing state")
	}
	st, err := m.states.ConsumeOAuthState(ctx, state)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("oauth callback with unknown or used state", "provider", providerID)
			return nil, nil, invalidState("authorization request is unknown or was already used")
		}
		return nil, nil, fmt.Errorf("consuming oauth state: %w", err)
	}
	if !m.now().Before(st.ExpiresAt) {
		return nil, nil, invalidState("authorization request expired; start again")
	}
	if st.ProviderID != providerID {
		m.logger.Warn("oauth callback provider mismatch", "owner_id", st.OwnerID, "provider", providerID)
		return nil, nil, invalidState("authorization request does not match this provider")
	}
	if code == "" {
		return nil, nil, NewError(CodeAuthFailed, "authorization was denied", nil)
	}

	provider, err := m.providers.Get(providerID)
	if err != nil {
		return nil, nil, err
	}

	token, err := m.exchange(ctx, provider, code)
	if err != nil {
		// The exchange error can echo provider responses; log only its class.
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			m.logger.Warn("oauth token exchange rejected", "provider", providerID, "error_code", retrieveErr.ErrorCode)
		} else {
			m.logger.Warn("oauth token exchange failed", "provider", providerID)
		}
		return nil, nil, NewError(CodeAuthFailed, "the provider did not issue a token", err)
	}

	auth := AuthConfig{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}
	return m.registry.ConnectOAuth(ctx, st, auth)
}

// PurgeExpired removes states past their TTL.
func (m *OAuthManager) PurgeExpired(ctx context.Context) (int, error) {
	return m.states.DeleteExpiredOAuthStates(ctx, m.now())
}

func (m *OAuthManager) exchange(ctx context.Context, provider *Provider, code string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, m.exchangeTimeout)
	defer cancel()
	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	return provider.OAuth2.Exchange(ctx, code)
}

func invalidState(msg string) *Error {
	return NewError(CodeInvalidState, msg, nil)
}

// newState returns 256 bits of randomness, base64url encoded.
func newState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
