// ABOUTME: Session access serialized per session ID with a keyed mutex
// ABOUTME: Independent sessions proceed in parallel; one session's turns run one at a time

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-connect/internal/store"
)

// DefaultHistorySize is how many turns a session keeps.
const DefaultHistorySize = 20

// SessionsConfig configures Sessions.
type SessionsConfig struct {
	Store       store.SessionStore
	HistorySize int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Sessions loads and saves sessions, holding a per-session lock while a
// caller works on one.
type Sessions struct {
	store       store.SessionStore
	historySize int
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewSessions creates a session manager.
func NewSessions(cfg SessionsConfig) *Sessions {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sessions{
		store:       cfg.Store,
		historySize: cfg.HistorySize,
		logger:      cfg.Logger.With("component", "sessions"),
		now:         cfg.Now,
		locks:       make(map[string]*sessionLock),
	}
}

// HistorySize returns the turn window.
func (s *Sessions) HistorySize() int {
	return s.historySize
}

// lock acquires the session's mutex and returns its release func.
func (s *Sessions) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sessionLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// Get returns an owner's session. Sessions of other owners are reported as
// store.ErrNotFound.
func (s *Sessions) Get(ctx context.Context, ownerID, id string) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

// With runs fn on the owner's session under its lock and saves the result.
// An empty id starts a new session; an unknown id is created with that ID.
// The session is not saved when fn fails.
func (s *Sessions) With(ctx context.Context, ownerID, id string, fn func(*store.Session) error) (*store.Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	release := s.lock(id)
	defer release()

	sess, err := s.store.GetSession(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sess = &store.Session{ID: id, OwnerID: ownerID, Metadata: map[string]string{}, CreatedAt: s.now()}
		s.logger.Debug("session started", "session_id", id, "owner_id", ownerID)
	case err != nil:
		return nil, fmt.Errorf("loading session: %w", err)
	case sess.OwnerID != ownerID:
		return nil, store.ErrNotFound
	}

	if err := fn(sess); err != nil {
		return nil, err
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	return sess, nil
}

// Update applies fn to an existing session under its lock.
func (s *Sessions) Update(ctx context.Context, id string, fn func(*store.Session) error) error {
	release := s.lock(id)
	defer release()

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(sess); err != nil {
		return err
	}
	return s.store.SaveSession(ctx, sess)
}

// ExpiredPending lists sessions whose pending action expired by now.
func (s *Sessions) ExpiredPending(ctx context.Context, now time.Time) ([]string, error) {
	return s.store.ListSessionsWithExpiredPending(ctx, now)
}

// Append adds a turn, evicting the oldest beyond the history size.
func (s *Sessions) Append(sess *store.Session, role, content string) {
	sess.AppendTurn(store.Turn{Role: role, Content: content, CreatedAt: s.now()}, s.historySize)
}
