// ABOUTME: Shared fixtures for connector tests
// ABOUTME: A minimal MCP tool server over httptest plus registry construction

package connector

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-connect/internal/store"
	"github.com/2389/coven-connect/internal/vault"
)

// fakeToolServer answers MCP JSON-RPC with a fixed tool list.
type fakeToolServer struct {
	mu         sync.Mutex
	tools      []map[string]any
	wantHeader string // header that must be present
	wantValue  string
	hits       atomic.Int32
}

func (f *fakeToolServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	f.mu.Lock()
	tools, wantHeader, wantValue := f.tools, f.wantHeader, f.wantValue
	f.mu.Unlock()

	if wantHeader != "" && r.Header.Get(wantHeader) != wantValue {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
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
		if tools == nil {
			tools = []map[string]any{}
		}
		result = map[string]any{"tools": tools}
	case "tools/call":
		result = map[string]any{"content": []map[string]any{{"type": "text", "text": `{"ok":true}`}}}
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

// set swaps the tool list and required auth header.
func (f *fakeToolServer) set(tools []map[string]any, header, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools, f.wantHeader, f.wantValue = tools, header, value
}

func newFakeToolServer(t *testing.T, f *fakeToolServer) string {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv.URL
}

func oneTool() []map[string]any {
	return []map[string]any{{
		"name":        "list_repos",
		"description": "List repositories",
		"inputSchema": map[string]any{"type": "object"},
	}}
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.NewFromBase64(key)
	require.NoError(t, err)
	return v
}

func newTestRegistry(t *testing.T, s store.ConnectorStore) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryConfig{
		Store:     s,
		Vault:     newTestVault(t),
		Validator: NewValidator(ValidatorConfig{Timeout: 2 * time.Second}),
	})
	require.NoError(t, err)
	return r
}
