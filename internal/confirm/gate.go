// ABOUTME: Confirmation gate that holds irreversible invocations until the user approves
// ABOUTME: Pending actions live on the session and expire a fixed TTL after creation

package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/2389/coven-connect/internal/metrics"
	"github.com/2389/coven-connect/internal/store"
)

// DefaultTTL is how long a pending action waits for an answer.
const DefaultTTL = 5 * time.Minute

// maxPromptArgs bounds the argument preview shown in a prompt.
const maxPromptArgs = 600

// State is the gate state of a session.
type State string

const (
	StateNone      State = "none"
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// destructiveVerbs start raw capability names that always need confirmation.
var destructiveVerbs = []string{"create", "add", "delete", "remove", "send", "update", "pay", "cancel", "drop"}

var affirmatives = map[string]bool{
	"yes": true, "y": true, "confirm": true, "confirmed": true, "ok": true,
	"okay": true, "sure": true, "proceed": true, "do it": true,
}

var negatives = map[string]bool{
	"no": true, "n": true, "cancel": true, "stop": true, "abort": true,
	"nevermind": true, "never mind": true, "don't": true,
}

// Decision is the outcome of resolving a user reply against a session.
type Decision struct {
	State State
	// Action is the pending action this decision is about. For
	// StateConfirmed the caller executes it.
	Action  *store.PendingAction
	Message string
}

// SessionUpdater gives the sweep serialized access to sessions.
type SessionUpdater interface {
	// ExpiredPending returns IDs of sessions whose pending action expired by now.
	ExpiredPending(ctx context.Context, now time.Time) ([]string, error)
	// Update loads a session, applies fn under the session's lock, and saves it.
	Update(ctx context.Context, id string, fn func(*store.Session) error) error
}

// Config configures a Gate.
type Config struct {
	TTL      time.Duration
	Sessions SessionUpdater
	Logger   *slog.Logger
}

// Gate decides which invocations pause for confirmation and tracks them.
type Gate struct {
	ttl      time.Duration
	sessions SessionUpdater
	logger   *slog.Logger
}

// NewGate creates a gate.
func NewGate(cfg Config) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		ttl:      cfg.TTL,
		sessions: cfg.Sessions,
		logger:   cfg.Logger.With("component", "confirm"),
	}
}

// TTL returns the pending action lifetime.
func (g *Gate) TTL() time.Duration {
	return g.ttl
}

// RequiresConfirmation reports whether an invocation must pause. rawName is
// the capability name without its connector namespace.
func (g *Gate) RequiresConfirmation(rawName string, irreversible bool) bool {
	if irreversible {
		return true
	}
	name := strings.ToLower(rawName)
	for _, verb := range destructiveVerbs {
		if !strings.HasPrefix(name, verb) {
			continue
		}
		rest := name[len(verb):]
		// "add_item" and "addItem" match; "address_lookup" does not.
		if rest == "" || rest[0] == '_' || rest[0] == '-' || rest[0] == '.' || unicode.IsUpper(rune(rawName[len(verb)])) {
			return true
		}
	}
	return false
}

// Hold parks an invocation on the session, replacing any earlier pending
// action. The expiry is fixed at creation.
func (g *Gate) Hold(s *store.Session, capability string, args json.RawMessage, now time.Time) *store.PendingAction {
	action := &store.PendingAction{
		Capability: capability,
		Args:       args,
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.ttl),
	}
	action.Prompt = g.prompt(action)
	if s.Pending != nil {
		g.logger.Debug("replacing pending action", "session_id", s.ID, "previous", s.Pending.Capability)
	}
	s.Pending = action

	metrics.ConfirmationsTotal.WithLabelValues(string(StatePending)).Inc()
	g.logger.Info("confirmation required", "session_id", s.ID, "capability", capability)
	return action
}

// Resolve interprets a reply against the session's pending action. Terminal
// outcomes clear the pending action; an unclear reply re-prompts and leaves
// the deadline unchanged.
func (g *Gate) Resolve(s *store.Session, reply string, now time.Time) Decision {
	action := s.Pending
	if action == nil {
		return Decision{State: StateNone}
	}

	var d Decision
	switch answer := normalize(reply); {
	case action.Expired(now):
		d = Decision{State: StateExpired, Action: action,
			Message: fmt.Sprintf("The request to run %s expired before it was confirmed. Ask again if you still want it.", action.Capability)}
	case affirmatives[answer]:
		d = Decision{State: StateConfirmed, Action: action}
	case negatives[answer]:
		d = Decision{State: StateCancelled, Action: action,
			Message: fmt.Sprintf("Cancelled. %s was not run.", action.Capability)}
	default:
		return Decision{State: StatePending, Action: action,
			Message: "Please reply yes to proceed or no to cancel.\n\n" + action.Prompt}
	}

	s.Pending = nil
	metrics.ConfirmationsTotal.WithLabelValues(string(d.State)).Inc()
	g.logger.Info("confirmation resolved", "session_id", s.ID, "capability", action.Capability, "state", d.State)
	return d
}

// Sweep clears expired pending actions across sessions. Running it again
// finds nothing new to do.
func (g *Gate) Sweep(ctx context.Context, now time.Time) (int, error) {
	if g.sessions == nil {
		return 0, errors.New("confirm: no session updater configured")
	}
	ids, err := g.sessions.ExpiredPending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing expired pending actions: %w", err)
	}

	cleared := 0
	for _, id := range ids {
		err := g.sessions.Update(ctx, id, func(s *store.Session) error {
			// Re-check under the lock; the user may have answered meanwhile.
			if s.Pending != nil && s.Pending.Expired(now) {
				s.Pending = nil
				cleared++
				metrics.ConfirmationsTotal.WithLabelValues(string(StateExpired)).Inc()
			}
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return cleared, fmt.Errorf("sweeping session %s: %w", id, err)
		}
	}
	if cleared > 0 {
		g.logger.Info("expired pending actions swept", "count", cleared)
	}
	return cleared, nil
}

// prompt renders the confirmation request as Markdown.
func (g *Gate) prompt(a *store.PendingAction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** is about to run", a.Capability)
	if preview := previewArgs(a.Args); preview != "" {
		fmt.Fprintf(&b, " with:\n\n```json\n%s\n```\n\n", preview)
	} else {
		b.WriteString(".\n\n")
	}
	fmt.Fprintf(&b, "This can't be undone. Reply **yes** to proceed or **no** to cancel. The request expires in %s.", humanDuration(g.ttl))
	return b.String()
}

func previewArgs(args json.RawMessage) string {
	if len(args) == 0 || string(args) == "null" || string(args) == "{}" {
		return ""
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return ""
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ""
	}
	if len(pretty) > maxPromptArgs {
		return string(pretty[:maxPromptArgs]) + "\n…"
	}
	return string(pretty)
}

func humanDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}

// normalize lowercases a reply and drops surrounding punctuation and spacing.
func normalize(reply string) string {
	s := strings.ToLower(strings.TrimSpace(reply))
	s = strings.TrimRightFunc(s, func(r rune) bool { return r == '.' || r == '!' || r == ',' })
	s = strings.Join(strings.Fields(s), " ")
	// Curly apostrophes from mobile keyboards.
	return strings.ReplaceAll(s, "’", "'")
}
