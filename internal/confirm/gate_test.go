// ABOUTME: Tests for the confirmation gate decisions, expiry, and sweep.
// ABOUTME: Uses an in-memory session updater backed by the mock store.

package confirm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-connect/internal/store"
)

type storeUpdater struct {
	store *store.MockStore
}

func (u storeUpdater) ExpiredPending(ctx context.Context, now time.Time) ([]string, error) {
	return u.store.ListSessionsWithExpiredPending(ctx, now)
}

func (u storeUpdater) Update(ctx context.Context, id string, fn func(*store.Session) error) error {
	s, err := u.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	return u.store.SaveSession(ctx, s)
}

func TestRequiresConfirmation(t *testing.T) {
	g := NewGate(Config{})

	tests := []struct {
		name         string
		irreversible bool
		want         bool
	}{
		{"create_issue", false, true},
		{"createIssue", false, true},
		{"delete", false, true},
		{"send-email", false, true},
		{"Pay_invoice", false, true},
		{"list_issues", false, false},
		{"address_lookup", false, false},
		{"sender_info", false, false},
		{"updates_feed", false, false},
		{"get_report", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.RequiresConfirmation(tt.name, tt.irreversible))
		})
	}
}

func TestHoldSetsAbsoluteExpiry(t *testing.T) {
	g := NewGate(Config{TTL: 5 * time.Minute})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &store.Session{ID: "s1"}

	action := g.Hold(s, "GitHub: create_issue", json.RawMessage(`{"title":"Bug"}`), now)

	assert.Same(t, action, s.Pending)
	assert.Equal(t, now.Add(5*time.Minute), action.ExpiresAt)
	assert.Contains(t, action.Prompt, "GitHub: create_issue")
	assert.Contains(t, action.Prompt, `"title": "Bug"`)
	assert.Contains(t, action.Prompt, "5 minutes")
}

func TestResolve(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		reply     string
		at        time.Duration
		want      State
		keepsHold bool
	}{
		{"yes", time.Minute, StateConfirmed, false},
		{"  Do   it! ", time.Minute, StateConfirmed, false},
		{"OK.", time.Minute, StateConfirmed, false},
		{"no", time.Minute, StateCancelled, false},
		{"Never mind", time.Minute, StateCancelled, false},
		{"don’t", time.Minute, StateCancelled, false},
		{"what does it do?", time.Minute, StatePending, true},
		{"yes", 5 * time.Minute, StateExpired, false},
		{"maybe", 6 * time.Minute, StateExpired, false},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			g := NewGate(Config{})
			s := &store.Session{ID: "s1"}
			action := g.Hold(s, "Billing: create_bill", nil, now)

			d := g.Resolve(s, tt.reply, now.Add(tt.at))

			assert.Equal(t, tt.want, d.State)
			assert.Same(t, action, d.Action)
			if tt.keepsHold {
				require.NotNil(t, s.Pending)
				assert.Equal(t, now.Add(DefaultTTL), s.Pending.ExpiresAt)
				assert.Contains(t, d.Message, "yes")
			} else {
				assert.Nil(t, s.Pending)
			}
		})
	}
}

func TestResolveWithoutPending(t *testing.T) {
	g := NewGate(Config{})
	d := g.Resolve(&store.Session{ID: "s1"}, "yes", time.Now())
	assert.Equal(t, StateNone, d.State)
	assert.Nil(t, d.Action)
}

func TestHoldReplacesEarlierAction(t *testing.T) {
	g := NewGate(Config{})
	now := time.Now()
	s := &store.Session{ID: "s1"}
	g.Hold(s, "A: delete_thing", nil, now)
	second := g.Hold(s, "B: send_mail", nil, now.Add(time.Minute))

	d := g.Resolve(s, "yes", now.Add(2*time.Minute))
	assert.Equal(t, StateConfirmed, d.State)
	assert.Same(t, second, d.Action)
}

func TestSweepIsIdempotent(t *testing.T) {
	ms := store.NewMockStore()
	g := NewGate(Config{Sessions: storeUpdater{store: ms}})
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	expired := &store.Session{ID: "old", OwnerID: "alice"}
	g.Hold(expired, "X: delete_all", nil, now.Add(-10*time.Minute))
	live := &store.Session{ID: "new", OwnerID: "alice"}
	g.Hold(live, "X: delete_one", nil, now)
	require.NoError(t, ms.SaveSession(ctx, expired))
	require.NoError(t, ms.SaveSession(ctx, live))

	n, err := g.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = g.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := ms.GetSession(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got.Pending)
	got, err = ms.GetSession(ctx, "new")
	require.NoError(t, err)
	assert.NotNil(t, got.Pending)
}

func TestSweepWithoutUpdater(t *testing.T) {
	_, err := NewGate(Config{}).Sweep(context.Background(), time.Now())
	assert.Error(t, err)
}
