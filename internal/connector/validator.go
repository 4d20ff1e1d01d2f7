// ABOUTME: Probes a candidate tool server and classifies the outcome into a stable code
// ABOUTME: Used both for ad-hoc connection tests and as the gate before any connector is stored

package connector

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/coven-connect/internal/mcp"
	"github.com/2389/coven-connect/internal/metrics"
	"github.com/2389/coven-connect/internal/store"
)

// DefaultValidateTimeout bounds a single validation probe.
const DefaultValidateTimeout = 10 * time.Second

// NoToolsWarning is attached to a successful result whose catalog is empty.
const NoToolsWarning = "server exposes no tools"

// Credential payload keys stored inside the vault blob.
const (
	credAPIKey       = "api_key"
	credHeader       = "header"
	credAccessToken  = "access_token"
	credRefreshToken = "refresh_token"
	credTokenType    = "token_type"
	credExpiry       = "expiry"
)

// AuthConfig holds the plaintext credentials for one connector. It only
// lives in memory; at rest it is a vault blob.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty"`
	// Header carries the API key instead of Authorization: Bearer when set.
	Header string `json:"header,omitempty"`

	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"-"`
	Expiry       time.Time `json:"-"`
}

// Payload flattens the config into the map the vault encrypts.
func (a AuthConfig) Payload() map[string]string {
	p := make(map[string]string)
	if a.APIKey != "" {
		p[credAPIKey] = a.APIKey
	}
	if a.Header != "" {
		p[credHeader] = a.Header
	}
	if a.AccessToken != "" {
		p[credAccessToken] = a.AccessToken
	}
	if a.RefreshToken != "" {
		p[credRefreshToken] = a.RefreshToken
	}
	if a.TokenType != "" {
		p[credTokenType] = a.TokenType
	}
	if !a.Expiry.IsZero() {
		p[credExpiry] = a.Expiry.UTC().Format(time.RFC3339)
	}
	return p
}

// AuthConfigFromPayload is the inverse of Payload.
func AuthConfigFromPayload(p map[string]string) AuthConfig {
	a := AuthConfig{
		APIKey:       p[credAPIKey],
		Header:       p[credHeader],
		AccessToken:  p[credAccessToken],
		RefreshToken: p[credRefreshToken],
		TokenType:    p[credTokenType],
	}
	if exp, err := time.Parse(time.RFC3339, p[credExpiry]); err == nil {
		a.Expiry = exp
	}
	return a
}

// hasCredentials reports whether the config carries what mode needs.
func (a AuthConfig) hasCredentials(mode store.AuthMode) bool {
	switch mode {
	case store.AuthModeAPIKey:
		return a.APIKey != ""
	case store.AuthModeOAuth:
		return a.AccessToken != ""
	}
	return true
}

// clientOptions turns the config into MCP client auth headers.
func (a AuthConfig) clientOptions(mode store.AuthMode) []mcp.ClientOption {
	switch mode {
	case store.AuthModeAPIKey:
		if a.Header != "" && !strings.EqualFold(a.Header, "Authorization") {
			return []mcp.ClientOption{mcp.WithHeader(a.Header, a.APIKey)}
		}
		return []mcp.ClientOption{mcp.WithBearerToken(a.APIKey)}
	case store.AuthModeOAuth:
		return []mcp.ClientOption{mcp.WithBearerToken(a.AccessToken)}
	}
	return nil
}

// ValidationResult is the outcome of one probe.
type ValidationResult struct {
	Success      bool             `json:"success"`
	ErrorCode    Code             `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Warning      string           `json:"warning,omitempty"`
	Tools        []store.ToolInfo `json:"tools,omitempty"`
}

// Err returns the failure as a *Error, or nil on success.
func (r *ValidationResult) Err() error {
	if r.Success {
		return nil
	}
	return NewError(r.ErrorCode, r.ErrorMessage, nil)
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// Timeout bounds each probe; zero means DefaultValidateTimeout.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Validator probes tool servers.
type Validator struct {
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewValidator creates a validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultValidateTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Validator{
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger.With("component", "connector.validator"),
	}
}

// Timeout returns the per-probe deadline.
func (v *Validator) Timeout() time.Duration {
	return v.timeout
}

// NewClient builds an MCP client for endpoint carrying auth's credentials.
func (v *Validator) NewClient(endpoint string, mode store.AuthMode, auth AuthConfig) *mcp.Client {
	opts := append([]mcp.ClientOption{
		mcp.WithHTTPClient(v.httpClient),
		mcp.WithLogger(v.logger),
	}, auth.clientOptions(mode)...)
	return mcp.NewClient(endpoint, opts...)
}

// Validate probes endpoint and returns its capability catalog. It never
// returns nil and never panics on a hostile server.
func (v *Validator) Validate(ctx context.Context, endpoint string, mode store.AuthMode, auth AuthConfig) *ValidationResult {
	start := time.Now()
	result := v.validate(ctx, endpoint, mode, auth)

	code := "OK"
	if !result.Success {
		code = string(result.ErrorCode)
	}
	metrics.ValidationsTotal.WithLabelValues(code).Inc()
	metrics.ValidationDuration.Observe(time.Since(start).Seconds())

	v.logger.Info("validated connector endpoint",
		"host", hostOf(endpoint),
		"auth_mode", mode,
		"code", code,
		"tools", len(result.Tools),
		"duration", time.Since(start),
	)
	return result
}

func (v *Validator) validate(ctx context.Context, endpoint string, mode store.AuthMode, auth AuthConfig) *ValidationResult {
	if err := CheckEndpoint(endpoint); err != nil {
		return failure(CodeInvalidURL, err.Error())
	}
	if !mode.Valid() {
		return failure(CodeInvalidInput, "unknown auth mode")
	}
	if mode.RequiresCredentials() && !auth.hasCredentials(mode) {
		return failure(CodeAuthFailed, "credentials are required for this auth mode")
	}

	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	tools, err := v.NewClient(endpoint, mode, auth).ListTools(probeCtx)
	if err != nil {
		return v.classify(err, mode)
	}

	result := &ValidationResult{Success: true, Tools: tools}
	if len(tools) == 0 {
		result.Warning = NoToolsWarning
	}
	return result
}

// classify maps a discovery failure to a result. Raw errors are logged at
// debug level only; messages returned to callers are fixed strings.
func (v *Validator) classify(err error, mode store.AuthMode) *ValidationResult {
	v.logger.Debug("connector probe failed", "error", err)

	switch {
	case errors.Is(err, mcp.ErrTimeout):
		return failure(CodeTimeout, "the server did not respond within "+v.timeout.String())
	case errors.Is(err, mcp.ErrConnection):
		return failure(CodeConnectionFailed, "could not connect to the server")
	case errors.Is(err, mcp.ErrUnauthorized):
		if mode == store.AuthModeNone {
			return failure(CodeAuthFailed, "the server requires authentication; choose an auth mode")
		}
		return failure(CodeAuthFailed, "the server rejected the provided credentials")
	}
	// JSON-RPC errors, malformed payloads, and unexpected statuses all land here.
	return failure(CodeInvalidServer, "the server did not answer as a tool server")
}

func failure(code Code, msg string) *ValidationResult {
	return &ValidationResult{ErrorCode: code, ErrorMessage: msg}
}

// CheckEndpoint verifies endpoint is an absolute http(s) URL with a host
// and no embedded credentials.
func CheckEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return errors.New("endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return errors.New("endpoint is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("endpoint must use http or https")
	}
	if u.Hostname() == "" {
		return errors.New("endpoint must include a host")
	}
	if u.User != nil {
		return errors.New("endpoint must not embed credentials")
	}
	return nil
}

// hostOf returns the endpoint host for logs, never the full URL.
func hostOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Host
}
