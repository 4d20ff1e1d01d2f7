// ABOUTME: Configuration loading and parsing for coven-connect
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config represents the complete coven-connect configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Redis      RedisConfig      `yaml:"redis" toml:"redis"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Vault      VaultConfig      `yaml:"vault" toml:"vault"`
	OAuth      OAuthConfig      `yaml:"oauth" toml:"oauth"`
	Connectors ConnectorsConfig `yaml:"connectors" toml:"connectors"`
	Sessions   SessionsConfig   `yaml:"sessions" toml:"sessions"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// BaseURL is the external URL used to build OAuth redirect URLs when a
	// provider does not set one.
	BaseURL string `yaml:"base_url" toml:"base_url" validate:"omitempty,url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS via Funnel
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" validate:"required"`
}

// RedisConfig enables the Redis OAuth state store when URL is set.
type RedisConfig struct {
	URL string `yaml:"url" toml:"url" validate:"omitempty,url"`
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" validate:"required,min=32"`
}

// VaultConfig holds the credential vault key. Set Key, or Passphrase and Salt.
type VaultConfig struct {
	Key        string `yaml:"key" toml:"key"`
	Passphrase string `yaml:"passphrase" toml:"passphrase"`
	Salt       string `yaml:"salt" toml:"salt"`
	Iterations int    `yaml:"iterations" toml:"iterations" validate:"gte=0"`
}

// OAuthConfig holds OAuth providers for connector authorization
type OAuthConfig struct {
	StateTTL    time.Duration `yaml:"-" toml:"-"`
	StateTTLRaw string        `yaml:"state_ttl" toml:"state_ttl"`

	Providers []ProviderConfig `yaml:"providers" toml:"providers" validate:"dive"`
}

// ProviderConfig is one OAuth provider. Endpoints come from AuthURL and
// TokenURL, or from OIDC discovery on IssuerURL.
type ProviderConfig struct {
	ID           string   `yaml:"id" toml:"id" validate:"required"`
	Name         string   `yaml:"name" toml:"name"`
	ClientID     string   `yaml:"client_id" toml:"client_id" validate:"required"`
	ClientSecret string   `yaml:"client_secret" toml:"client_secret" validate:"required"`
	AuthURL      string   `yaml:"auth_url" toml:"auth_url" validate:"required_without=IssuerURL"`
	TokenURL     string   `yaml:"token_url" toml:"token_url" validate:"required_without=IssuerURL"`
	IssuerURL    string   `yaml:"issuer_url" toml:"issuer_url" validate:"omitempty,url"`
	RedirectURL  string   `yaml:"redirect_url" toml:"redirect_url" validate:"omitempty,url"`
	Scopes       []string `yaml:"scopes" toml:"scopes"`
}

// ConnectorsConfig holds connector limits and network timing
type ConnectorsConfig struct {
	MaxActive int `yaml:"max_active" toml:"max_active" validate:"gte=1,lte=100"`

	ValidateTimeout time.Duration `yaml:"-" toml:"-"`
	QueryTimeout    time.Duration `yaml:"-" toml:"-"`
	RetryDelay      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ValidateTimeoutRaw string `yaml:"validate_timeout" toml:"validate_timeout"`
	QueryTimeoutRaw    string `yaml:"query_timeout" toml:"query_timeout"`
	RetryDelayRaw      string `yaml:"retry_delay" toml:"retry_delay"`
}

// SessionsConfig holds conversation session settings
type SessionsConfig struct {
	HistorySize int `yaml:"history_size" toml:"history_size" validate:"gte=1,lte=1000"`

	ConfirmationTTL time.Duration `yaml:"-" toml:"-"`
	SweepInterval   time.Duration `yaml:"-" toml:"-"`
	ReplayWindow    time.Duration `yaml:"-" toml:"-"`

	ConfirmationTTLRaw string `yaml:"confirmation_ttl" toml:"confirmation_ttl"`
	SweepIntervalRaw   string `yaml:"sweep_interval" toml:"sweep_interval"`
	ReplayWindowRaw    string `yaml:"replay_window" toml:"replay_window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=text json"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path" validate:"startswith=/"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(expandEnvVars(string(data)), strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes already-expanded configuration text, applies defaults, and
// validates the result.
func Parse(text string, isTOML bool) (*Config, error) {
	var cfg Config
	if isTOML {
		if _, err := toml.Decode(text, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// envPattern matches ${VAR_NAME}.
var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// applyDefaults fills unset values.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = ":8080"
	}
	if c.OAuth.StateTTL == 0 {
		c.OAuth.StateTTL = 10 * time.Minute
	}
	if c.Connectors.MaxActive == 0 {
		c.Connectors.MaxActive = 10
	}
	if c.Connectors.ValidateTimeout == 0 {
		c.Connectors.ValidateTimeout = 10 * time.Second
	}
	if c.Connectors.QueryTimeout == 0 {
		c.Connectors.QueryTimeout = 10 * time.Second
	}
	if c.Connectors.RetryDelay == 0 {
		c.Connectors.RetryDelay = 3 * time.Second
	}
	if c.Sessions.HistorySize == 0 {
		c.Sessions.HistorySize = 20
	}
	if c.Sessions.ConfirmationTTL == 0 {
		c.Sessions.ConfirmationTTL = 5 * time.Minute
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = time.Minute
	}
	if c.Sessions.ReplayWindow == 0 {
		c.Sessions.ReplayWindow = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation", fieldPath(fe.Namespace()), fe.Tag())
		}
		return err
	}

	switch {
	case c.Vault.Key != "" && c.Vault.Passphrase != "":
		return errors.New("vault: set either key or passphrase, not both")
	case c.Vault.Key == "" && c.Vault.Passphrase == "":
		return errors.New("vault.key or vault.passphrase is required")
	case c.Vault.Passphrase != "" && len(c.Vault.Salt) < 16:
		return errors.New("vault.salt must be at least 16 characters when using a passphrase")
	}

	seen := make(map[string]bool, len(c.OAuth.Providers))
	for _, p := range c.OAuth.Providers {
		if seen[p.ID] {
			return fmt.Errorf("oauth.providers: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
		if p.RedirectURL == "" && c.Server.BaseURL == "" {
			return fmt.Errorf("oauth.providers[%s]: redirect_url is required when server.base_url is not set", p.ID)
		}
	}
	return nil
}

// RedirectURL returns the OAuth callback URL for a provider.
func (c *Config) RedirectURL(p ProviderConfig) string {
	if p.RedirectURL != "" {
		return p.RedirectURL
	}
	return strings.TrimRight(c.Server.BaseURL, "/") + "/api/oauth/" + p.ID + "/callback"
}

// fieldPath turns "Config.Auth.JWTSecret" into "Auth.JWTSecret".
func fieldPath(namespace string) string {
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return rest
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"oauth.state_ttl", cfg.OAuth.StateTTLRaw, &cfg.OAuth.StateTTL},
		{"connectors.validate_timeout", cfg.Connectors.ValidateTimeoutRaw, &cfg.Connectors.ValidateTimeout},
		{"connectors.query_timeout", cfg.Connectors.QueryTimeoutRaw, &cfg.Connectors.QueryTimeout},
		{"connectors.retry_delay", cfg.Connectors.RetryDelayRaw, &cfg.Connectors.RetryDelay},
		{"sessions.confirmation_ttl", cfg.Sessions.ConfirmationTTLRaw, &cfg.Sessions.ConfirmationTTL},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"sessions.replay_window", cfg.Sessions.ReplayWindowRaw, &cfg.Sessions.ReplayWindow},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
