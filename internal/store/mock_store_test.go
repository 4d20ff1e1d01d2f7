// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on limit enforcement, owner scoping, and one-time state consumption

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_CreateConnector_Limit(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.CreateConnector(ctx, newTestConnector("owner-1", fmt.Sprintf("c%d", i)), 10))
	}
	err := store.CreateConnector(ctx, newTestConnector("owner-1", "extra"), 10)
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestMockStore_OwnerScoping(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	c := newTestConnector("owner-1", "a")
	require.NoError(t, store.CreateConnector(ctx, c, 10))

	_, err := store.GetConnector(ctx, "owner-2", c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := store.ListConnectors(ctx, "owner-2")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	c := newTestConnector("owner-1", "a")
	c.Tools = []ToolInfo{{Name: "t1"}}
	require.NoError(t, store.CreateConnector(ctx, c, 10))

	got, err := store.GetConnector(ctx, "owner-1", c.ID)
	require.NoError(t, err)
	got.Name = "mutated"
	got.Tools[0].Name = "mutated"

	again, err := store.GetConnector(ctx, "owner-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Name)
	assert.Equal(t, "t1", again.Tools[0].Name)
}

func TestMockStore_SetConnectorActive(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	a := newTestConnector("owner-1", "a")
	require.NoError(t, store.CreateConnector(ctx, a, 1))
	require.NoError(t, store.SetConnectorActive(ctx, "owner-1", a.ID, false, 1))

	b := newTestConnector("owner-1", "b")
	require.NoError(t, store.CreateConnector(ctx, b, 1))

	assert.ErrorIs(t, store.SetConnectorActive(ctx, "owner-1", a.ID, true, 1), ErrLimitExceeded)
	assert.ErrorIs(t, store.SetConnectorActive(ctx, "owner-1", "missing", true, 1), ErrNotFound)
}

func TestMockStore_ConsumeOAuthStateOnce(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	require.NoError(t, store.SaveOAuthState(ctx, &OAuthState{State: "s", OwnerID: "o", ExpiresAt: time.Now().Add(time.Minute)}))

	_, err := store.ConsumeOAuthState(ctx, "s")
	require.NoError(t, err)
	_, err = store.ConsumeOAuthState(ctx, "s")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_ExpiredPending(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.SaveSession(ctx, &Session{ID: "a", Pending: &PendingAction{ExpiresAt: now.Add(-time.Second)}}))
	require.NoError(t, store.SaveSession(ctx, &Session{ID: "b", Pending: &PendingAction{ExpiresAt: now.Add(time.Minute)}}))

	ids, err := store.ListSessionsWithExpiredPending(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}
