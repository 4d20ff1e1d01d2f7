// ABOUTME: Shared fixtures for gateway tests
// ABOUTME: Builds a real gateway on a temp SQLite file plus fake tool and token servers

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-connect/internal/config"
	"github.com/2389/coven-connect/internal/vault"
)

const testJWTSecret = "test-secret-that-is-at-least-32-bytes-long"

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freeAddr finds an available local TCP address.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a complete config backed by a temp database.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)

	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: freeAddr(t), BaseURL: "http://connect.test"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "connect.db")},
		Auth:     config.AuthConfig{JWTSecret: testJWTSecret},
		Vault:    config.VaultConfig{Key: key},
		OAuth:    config.OAuthConfig{StateTTL: 10 * time.Minute},
		Connectors: config.ConnectorsConfig{
			MaxActive:       2,
			ValidateTimeout: 2 * time.Second,
			QueryTimeout:    2 * time.Second,
			RetryDelay:      10 * time.Millisecond,
		},
		Sessions: config.SessionsConfig{
			HistorySize:     20,
			ConfirmationTTL: 5 * time.Minute,
			SweepInterval:   time.Minute,
			ReplayWindow:    5 * time.Minute,
		},
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// testEnv is a gateway served by httptest.
type testEnv struct {
	gw  *Gateway
	srv *httptest.Server
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	gw, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return &testEnv{gw: gw, srv: srv}
}

func (e *testEnv) token(t *testing.T, owner string) string {
	t.Helper()
	tok, err := e.gw.verifier.Generate(owner, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request and returns the status and body. body may be nil, a
// string, or any JSON-encodable value.
func (e *testEnv) do(t *testing.T, method, path, token string, body any, header ...string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

// fakeToolServer answers MCP JSON-RPC with one tool and echoes calls.
type fakeToolServer struct {
	mu    sync.Mutex
	token string // required bearer token when set
	calls []string
}

func (f *fakeToolServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	token := f.token
	f.mu.Unlock()
	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params struct {
			Name string `json:"name"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(req.ID) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result any
	switch req.Method {
	case "initialize":
		result = map[string]any{"protocolVersion": "2025-11-25", "capabilities": map[string]any{}}
	case "tools/list":
		result = map[string]any{"tools": []map[string]any{{
			"name":        "list_repos",
			"description": "List repositories",
			"inputSchema": map[string]any{"type": "object"},
		}}}
	case "tools/call":
		f.mu.Lock()
		f.calls = append(f.calls, req.Params.Name)
		f.mu.Unlock()
		result = map[string]any{"content": []map[string]any{{"type": "text", "text": `{"repos":["coven"]}`}}}
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32601, "message": "method not found"},
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func (f *fakeToolServer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newFakeToolServer(t *testing.T, token string) (*fakeToolServer, string) {
	t.Helper()
	f := &fakeToolServer{token: token}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv.URL
}

// newTokenServer issues "issued-token" for the authorization code "good-code".
func newTokenServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "issued-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}
