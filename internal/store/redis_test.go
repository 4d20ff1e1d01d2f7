// ABOUTME: Integration tests for the Redis OAuth state store
// ABOUTME: Skipped unless COVEN_CONNECT_TEST_REDIS_URL points at a disposable server

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisOAuthStateStore {
	t.Helper()

	url := os.Getenv("COVEN_CONNECT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COVEN_CONNECT_TEST_REDIS_URL not set")
	}
	s, err := NewRedisOAuthStateStore(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisOAuthState_ConsumeOnce(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	state := uuid.New().String()
	now := time.Now().UTC()
	require.NoError(t, s.SaveOAuthState(ctx, &OAuthState{
		State: state, OwnerID: "owner-1", ProviderID: "github", ConnectorName: "GitHub",
		Endpoint: "https://x", CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}))

	got, err := s.ConsumeOAuthState(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, state, got.State)

	_, err = s.ConsumeOAuthState(ctx, state)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisOAuthState_RejectsCollision(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	st := &OAuthState{State: uuid.New().String(), OwnerID: "o", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, s.SaveOAuthState(ctx, st))
	assert.Error(t, s.SaveOAuthState(ctx, st))
}

func TestNewRedisOAuthStateStore_BadURL(t *testing.T) {
	_, err := NewRedisOAuthStateStore(context.Background(), "not a url")
	assert.Error(t, err)
}
