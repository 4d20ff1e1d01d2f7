// ABOUTME: OAuth provider catalog built from process configuration
// ABOUTME: Endpoints are explicit or resolved once at startup by OIDC discovery

package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ProviderConfig describes one OAuth provider. Client secrets only ever
// come from here.
type ProviderConfig struct {
	ID           string   `validate:"required"`
	Name         string   `validate:"required"`
	ClientID     string   `validate:"required"`
	ClientSecret string   `validate:"required"`
	AuthURL      string   `validate:"required_without=IssuerURL"`
	TokenURL     string   `validate:"required_without=IssuerURL"`
	IssuerURL    string   `validate:"omitempty,url"`
	RedirectURL  string   `validate:"required,url"`
	Scopes       []string
}

// Provider is a ready-to-use OAuth client configuration.
type Provider struct {
	ID     string
	Name   string
	OAuth2 *oauth2.Config
}

// ProviderInfo is the public view of a provider.
type ProviderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Providers indexes configured providers by ID.
type Providers struct {
	byID map[string]*Provider
}

// NewProviders builds the catalog. Providers with an issuer URL are resolved
// through OIDC discovery, which needs network access at startup.
func NewProviders(ctx context.Context, cfgs []ProviderConfig, logger *slog.Logger) (*Providers, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "connector.providers")

	p := &Providers{byID: make(map[string]*Provider, len(cfgs))}
	for _, cfg := range cfgs {
		if err := validate.Struct(cfg); err != nil {
			return nil, fmt.Errorf("oauth provider %q: %w", cfg.ID, err)
		}
		if _, dup := p.byID[cfg.ID]; dup {
			return nil, fmt.Errorf("oauth provider %q configured twice", cfg.ID)
		}

		endpoint := oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL}
		if cfg.IssuerURL != "" && (cfg.AuthURL == "" || cfg.TokenURL == "") {
			discovered, err := oidc.NewProvider(ctx, cfg.IssuerURL)
			if err != nil {
				return nil, fmt.Errorf("oauth provider %q: discovery: %w", cfg.ID, err)
			}
			endpoint = discovered.Endpoint()
			logger.Info("discovered oauth provider endpoints", "provider", cfg.ID, "issuer", cfg.IssuerURL)
		}

		p.byID[cfg.ID] = &Provider{
			ID:   cfg.ID,
			Name: cfg.Name,
			OAuth2: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				Endpoint:     endpoint,
				RedirectURL:  cfg.RedirectURL,
				Scopes:       cfg.Scopes,
			},
		}
	}
	return p, nil
}

// Get returns a provider by ID.
func (p *Providers) Get(id string) (*Provider, error) {
	if p != nil {
		if prov, ok := p.byID[id]; ok {
			return prov, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
}

// List returns the public view of all providers, sorted by ID.
func (p *Providers) List() []ProviderInfo {
	if p == nil {
		return nil
	}
	out := make([]ProviderInfo, 0, len(p.byID))
	for _, prov := range p.byID {
		out = append(out, ProviderInfo{ID: prov.ID, Name: prov.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
