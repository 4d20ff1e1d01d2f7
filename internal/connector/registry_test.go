// ABOUTME: Tests for connector registry CRUD, limits, and credential handling
// ABOUTME: Uses the in-memory store and fake tool servers

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-connect/internal/store"
)

func createN(t *testing.T, r *Registry, owner, url string, n int) []*store.Connector {
	t.Helper()
	var out []*store.Connector
	for i := 0; i < n; i++ {
		c, _, err := r.Create(context.Background(), owner, CreateRequest{
			Name:     fmt.Sprintf("conn-%d", i),
			Endpoint: url,
			AuthMode: store.AuthModeNone,
		})
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func TestRegistry_CreateStoresVerifiedConnector(t *testing.T) {
	url := newFakeToolServer(t, &fakeToolServer{tools: oneTool()})
	r := newTestRegistry(t, store.NewMockStore())

	c, result, err := r.Create(context.Background(), "alice", CreateRequest{
		Name:     "GitHub",
		Endpoint: url,
		AuthMode: store.AuthModeNone,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, c.Active)
	assert.True(t, c.Verified)
	assert.NotNil(t, c.LastVerifiedAt)
	require.Len(t, c.Tools, 1)
	assert.Empty(t, c.CredentialBlob)

	got, err := r.Get(context.Background(), "alice", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "GitHub", got.Name)
}

func TestRegistry_CreateFailsValidationPersistsNothing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := store.NewMockStore()
	r := newTestRegistry(t, s)

	_, result, err := r.Create(context.Background(), "alice", CreateRequest{
		Name:     "Broken",
		Endpoint: url,
		AuthMode: store.AuthModeNone,
	})
	require.Error(t, err)
	assert.Equal(t, CodeConnectionFailed, CodeOf(err))
	assert.Equal(t, CodeConnectionFailed, result.ErrorCode)

	list, err := r.List(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRegistry_CreateRejectsBadInput(t *testing.T) {
	r := newTestRegistry(t, store.NewMockStore())

	_, _, err := r.Create(context.Background(), "alice", CreateRequest{Endpoint: "https://x.example.com", AuthMode: store.AuthModeNone})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, _, err = r.Create(context.Background(), "alice", CreateRequest{Name: "x", Endpoint: "https://x.example.com", AuthMode: "oauth"})
	assert.True(t, errors.Is(err, ErrInvalidInput), "oauth connectors are created through the oauth flow")

	_, _, err = r.Create(context.Background(), "alice", CreateRequest{Name: "x", Endpoint: "ftp://x", AuthMode: store.AuthModeNone})
	assert.Equal(t, CodeInvalidURL, CodeOf(err))
}

func TestRegistry_ActiveLimit(t *testing.T) {
	url := newFakeToolServer(t, &fakeToolServer{tools: oneTool()})
	r := newTestRegistry(t, store.NewMockStore())

	createN(t, r, "alice", url, DefaultMaxActive)

	_, _, err := r.Create(context.Background(), "alice", CreateRequest{Name: "eleventh", Endpoint: url, AuthMode: store.AuthModeNone})
	require.Error(t, err)
	assert.Equal(t, CodeLimitExceeded, CodeOf(err))

	// Other owners are unaffected.
	_, _, err = r.Create(context.Background(), "bob", CreateRequest{Name: "first", Endpoint: url, AuthMode: store.AuthModeNone})
	assert.NoError(t, err)
}

func TestRegistry_ToggleRespectsLimit(t *testing.T) {
	url := newFakeToolServer(t, &fakeToolServer{tools: oneTool()})
	r := newTestRegistry(t, store.NewMockStore())
	ctx := context.Background()

	conns := createN(t, r, "alice", url, DefaultMaxActive)

	off, err := r.Toggle(ctx, "alice", conns[0].ID)
	require.NoError(t, err)
	assert.False(t, off.Active)

	_, _, err = r.Create(ctx, "alice", CreateRequest{Name: "replacement", Endpoint: url, AuthMode: store.AuthModeNone})
	require.NoError(t, err)

	_, err = r.Toggle(ctx, "alice", conns[0].ID)
	assert.Equal(t, CodeLimitExceeded, CodeOf(err))
}

func TestRegistry_OwnerScoping(t *testing.T) {
	url := newFakeToolServer(t, &fakeToolServer{tools: oneTool()})
	r := newTestRegistry(t, store.NewMockStore())
	ctx := context.Background()

	c := createN(t, r, "alice", url, 1)[0]

	_, err := r.Get(ctx, "mallory", c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = r.Toggle(ctx, "mallory", c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, r.Delete(ctx, "mallory", c.ID), store.ErrNotFound)

	list, err := r.List(ctx, "mallory")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRegistry_APIKeyEncryptedAtRest(t *testing.T) {
	url := newFakeToolServer(t, &fakeToolServer{tools: oneTool(), wantHeader: "Authorization", wantValue: "Bearer sk-live-secret"})
	s := store.NewMockStore()
	r := newTestRegistry(t, s)
	ctx := context.Background()

	c, _, err := r.Create(ctx, "alice", CreateRequest{
		Name:     "Billing API",
		Endpoint: url,
		AuthMode: store.AuthModeAPIKey,
		Auth:     AuthConfig{APIKey: "sk-live-secret"},
	})
	require.NoError(t, err)

	stored, err := s.GetConnector(ctx, "alice", c.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.CredentialBlob)
	assert.False(t, strings.Contains(stored.CredentialBlob, "sk-live-secret"))

	auth, err := r.Credentials(stored)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-secret", auth.APIKey)

	client, err := r.Client(stored)
	require.NoError(t, err)
	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 1)

	again, err := r.Client(stored)
	require.NoError(t, err)
	assert.Same(t, client, again)
}

func TestRegistry_TamperedCredentials(t *testing.T) {
	url := newFakeToolServer(t, &fakeToolServer{tools: oneTool(), wantHeader: "Authorization", wantValue: "Bearer k"})
	s := store.NewMockStore()
	r := newTestRegistry(t, s)
	ctx := context.Background()

	c, _, err := r.Create(ctx, "alice", CreateRequest{Name: "A", Endpoint: url, AuthMode: store.AuthModeAPIKey, Auth: AuthConfig{APIKey: "k"}})
	require.NoError(t, err)

	c.CredentialBlob = c.CredentialBlob[:len(c.CredentialBlob)-4] + "AAAA"
	require.NoError(t, s.UpdateConnector(ctx, c))

	_, err = r.Credentials(c)
	assert.Equal(t, CodeDecryptionError, CodeOf(err))

	_, _, err = r.Reverify(ctx, "alice", c.ID)
	assert.Equal(t, CodeDecryptionError, CodeOf(err))
}

func TestRegistry_UpdateAndDuplicateNames(t *testing.T) {
	url := newFakeToolServer(t, &fakeToolServer{tools: oneTool()})
	r := newTestRegistry(t, store.NewMockStore())
	ctx := context.Background()

	conns := createN(t, r, "alice", url, 2)

	name := "Renamed"
	desc := "new description"
	updated, err := r.Update(ctx, "alice", conns[0].ID, UpdateRequest{Name: &name, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, "new description", updated.Description)
	assert.True(t, updated.Active)

	clash := "RENAMED"
	_, err = r.Update(ctx, "alice", conns[1].ID, UpdateRequest{Name: &clash})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = r.Create(ctx, "alice", CreateRequest{Name: "renamed", Endpoint: url, AuthMode: store.AuthModeNone})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegistry_NamesCannotContainNamespaceSeparator(t *testing.T) {
	url := newFakeToolServer(t, &fakeToolServer{tools: oneTool()})
	r := newTestRegistry(t, store.NewMockStore())
	ctx := context.Background()

	_, _, err := r.Create(ctx, "alice", CreateRequest{Name: "Shop: orders", Endpoint: url, AuthMode: store.AuthModeNone})
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), ": ")

	c, _, err := r.Create(ctx, "alice", CreateRequest{Name: "Shop", Endpoint: url, AuthMode: store.AuthModeNone})
	require.NoError(t, err)

	bad := "Shop: orders"
	_, err = r.Update(ctx, "alice", c.ID, UpdateRequest{Name: &bad})
	assert.ErrorIs(t, err, ErrInvalidInput)

	// A colon alone is fine; only the separator is reserved.
	ok := "Shop:EU"
	_, err = r.Update(ctx, "alice", c.ID, UpdateRequest{Name: &ok})
	assert.NoError(t, err)
}

func TestCheckName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"GitHub", false},
		{"Shop:EU", false},
		{"  ", true},
		{"Shop: orders", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckName(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_Reverify(t *testing.T) {
	fake := &fakeToolServer{tools: oneTool()}
	url := newFakeToolServer(t, fake)
	r := newTestRegistry(t, store.NewMockStore())
	ctx := context.Background()

	c := createN(t, r, "alice", url, 1)[0]

	twoTools := append(oneTool(), map[string]any{"name": "create_issue"})
	fake.set(twoTools, "", "")
	c, result, err := r.Reverify(ctx, "alice", c.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, c.Verified)
	assert.Len(t, c.Tools, 2)

	fake.set(twoTools, "Authorization", "Bearer nope")
	c, result, err = r.Reverify(ctx, "alice", c.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, c.Verified)
	assert.Len(t, c.Tools, 2, "a failed probe keeps the last good catalog")

	loadable, err := r.ListLoadable(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, loadable)
}

func TestRegistry_DeleteIsHard(t *testing.T) {
	url := newFakeToolServer(t, &fakeToolServer{tools: oneTool()})
	r := newTestRegistry(t, store.NewMockStore())
	ctx := context.Background()

	c := createN(t, r, "alice", url, 1)[0]
	require.NoError(t, r.Delete(ctx, "alice", c.ID))

	_, err := r.Get(ctx, "alice", c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
