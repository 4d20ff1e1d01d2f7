// ABOUTME: Contract tests for the HTTP route surface to detect breaking API changes.
// ABOUTME: Every published method and path must stay routed on the gateway handler.

package contract

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-connect/internal/config"
	"github.com/2389/coven-connect/internal/gateway"
	"github.com/2389/coven-connect/internal/vault"
)

// expectedRoutes is the published HTTP surface. A missing route answers
// 404 and a method change answers 405; anything else means it is routed.
var expectedRoutes = []struct {
	method string
	path   string
}{
	{http.MethodGet, "/health"},
	{http.MethodGet, "/health/ready"},
	{http.MethodGet, "/metrics"},
	{http.MethodPost, "/mcp"},

	{http.MethodGet, "/api/connectors"},
	{http.MethodPost, "/api/connectors"},
	{http.MethodPost, "/api/connectors/test"},
	{http.MethodGet, "/api/connectors/c1"},
	{http.MethodPatch, "/api/connectors/c1"},
	{http.MethodDelete, "/api/connectors/c1"},
	{http.MethodPost, "/api/connectors/c1/toggle"},
	{http.MethodPost, "/api/connectors/c1/verify"},

	{http.MethodGet, "/api/oauth/providers"},
	{http.MethodGet, "/api/oauth/github/start"},
	{http.MethodGet, "/api/oauth/github/callback"},

	{http.MethodGet, "/api/capabilities"},
	{http.MethodGet, "/api/system-capabilities"},
	{http.MethodPost, "/api/chat"},
	{http.MethodGet, "/api/sessions/s1"},
	{http.MethodGet, "/api/sessions/s1/events"},
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)

	github := config.ProviderConfig{
		ID:           "github",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthURL:      "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
	}
	cfg := &config.Config{
		Server:     config.ServerConfig{HTTPAddr: "127.0.0.1:0", BaseURL: "http://connect.test"},
		Database:   config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "connect.db")},
		Auth:       config.AuthConfig{JWTSecret: "contract-secret-that-is-at-least-32-bytes"},
		Vault:      config.VaultConfig{Key: key},
		OAuth:      config.OAuthConfig{StateTTL: time.Minute, Providers: []config.ProviderConfig{github}},
		Connectors: config.ConnectorsConfig{MaxActive: 10, ValidateTimeout: time.Second, QueryTimeout: time.Second, RetryDelay: time.Millisecond},
		Sessions:   config.SessionsConfig{HistorySize: 20, ConfirmationTTL: time.Minute, SweepInterval: time.Minute, ReplayWindow: time.Minute},
		Logging:    config.LoggingConfig{Level: "error", Format: "text"},
		Metrics:    config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	gw, err := gateway.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return srv
}

func TestRouteSurface(t *testing.T) {
	srv := newTestServer(t)

	for _, rt := range expectedRoutes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			req, err := http.NewRequest(rt.method, srv.URL+rt.path, strings.NewReader("{}"))
			require.NoError(t, err)
			req.Header.Set("Content-Type", "application/json")

			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			assert.NotEqual(t, http.StatusNotFound, resp.StatusCode, "route should exist")
			assert.NotEqual(t, http.StatusMethodNotAllowed, resp.StatusCode, "method should be allowed")
		})
	}
}

// TestAPIRequiresAuth checks that only the OAuth callback is reachable
// without a bearer token.
func TestAPIRequiresAuth(t *testing.T) {
	srv := newTestServer(t)

	for _, rt := range expectedRoutes {
		if !strings.HasPrefix(rt.path, "/api/") || strings.HasSuffix(rt.path, "/callback") {
			continue
		}
		req, err := http.NewRequest(rt.method, srv.URL+rt.path, nil)
		require.NoError(t, err)
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", rt.method, rt.path)
	}
}
