// ABOUTME: Service runs one chat turn: resolve a pending confirmation or plan and invoke
// ABOUTME: Everything for a turn happens under the session lock, then events are persisted and fanned out

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-connect/internal/confirm"
	"github.com/2389/coven-connect/internal/connector"
	"github.com/2389/coven-connect/internal/packs"
	"github.com/2389/coven-connect/internal/store"
)

var (
	// ErrEmptyMessage is returned for a turn with neither a message nor a capability hint.
	ErrEmptyMessage = errors.New("message or capability_hint is required")
	// ErrDuplicateMessage is returned when a client message ID was already handled.
	ErrDuplicateMessage = errors.New("message already received")
)

// maxToolTurn bounds how much of a result is kept in session history.
const maxToolTurn = 2000

// ReplayGuard remembers recently handled client message IDs.
type ReplayGuard interface {
	// CheckAndMark reports whether key was already seen, marking it if not.
	CheckAndMark(key string) bool
	// Forget unmarks key so a failed turn can be retried.
	Forget(key string)
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Sessions    *Sessions
	Loader      *packs.Loader
	Gate        *confirm.Gate
	Planner     Planner
	Replay      ReplayGuard
	Broadcaster *Broadcaster
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service handles chat turns.
type Service struct {
	sessions    *Sessions
	loader      *packs.Loader
	gate        *confirm.Gate
	planner     Planner
	replay      ReplayGuard
	broadcaster *Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a conversation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Sessions == nil || cfg.Loader == nil || cfg.Gate == nil {
		return nil, errors.New("conversation: sessions, loader, and gate are required")
	}
	if cfg.Planner == nil {
		cfg.Planner = MenuPlanner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		sessions:    cfg.Sessions,
		loader:      cfg.Loader,
		gate:        cfg.Gate,
		planner:     cfg.Planner,
		replay:      cfg.Replay,
		broadcaster: cfg.Broadcaster,
		logger:      cfg.Logger.With("component", "conversation"),
		now:         cfg.Now,
	}, nil
}

// Sessions returns the session manager.
func (s *Service) Sessions() *Sessions {
	return s.sessions
}

// Broadcaster returns the event broadcaster, which may be nil.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// TurnRequest is one user message from the widget. CapabilityHint bypasses
// the planner and names the capability to run with Args.
type TurnRequest struct {
	OwnerID         string
	SessionID       string
	Message         string
	CapabilityHint  string
	Args            json.RawMessage
	ClientMessageID string
}

// TurnResult is the outcome of a turn.
type TurnResult struct {
	SessionID string  `json:"session_id"`
	Events    []Event `json:"events"`
}

// turn collects events while a turn runs.
type turn struct {
	events []Event
}

func (t *turn) emit(ev Event) {
	t.events = append(t.events, ev)
}

// HandleTurn processes a message. Capability failures are reported as error
// events; the returned error is for failures of the turn itself.
func (s *Service) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Message) == "" && req.CapabilityHint == "" {
		return nil, ErrEmptyMessage
	}

	replayKey := ""
	if s.replay != nil && req.ClientMessageID != "" {
		replayKey = req.OwnerID + "\x00" + req.ClientMessageID
		if s.replay.CheckAndMark(replayKey) {
			s.logger.Info("duplicate message rejected", "owner_id", req.OwnerID, "session_id", req.SessionID)
			return nil, ErrDuplicateMessage
		}
	}

	var (
		t           *turn
		unavailable []string
	)
	sess, err := s.sessions.With(ctx, req.OwnerID, req.SessionID, func(sess *store.Session) error {
		t = &turn{}
		unavailable = nil

		userText := req.Message
		if userText == "" {
			userText = req.CapabilityHint
		}
		s.sessions.Append(sess, store.RoleUser, userText)

		if sess.Pending != nil {
			s.resolvePending(ctx, sess, req, t)
		} else {
			var err error
			unavailable, err = s.plan(ctx, sess, req, t)
			if err != nil {
				return err
			}
		}

		if summary := summarize(t.events); summary != "" {
			s.sessions.Append(sess, store.RoleAssistant, summary)
		}
		return nil
	})
	if err != nil {
		if replayKey != "" {
			s.replay.Forget(replayKey)
		}
		return nil, err
	}

	t.emit(Event{Type: EventDone, SessionID: sess.ID, Unavailable: unavailable})
	if s.broadcaster != nil {
		s.broadcaster.Publish(sess.ID, t.events...)
	}
	return &TurnResult{SessionID: sess.ID, Events: t.events}, nil
}

// resolvePending treats the message as an answer to the held action.
func (s *Service) resolvePending(ctx context.Context, sess *store.Session, req TurnRequest, t *turn) {
	d := s.gate.Resolve(sess, req.Message, s.now())
	switch d.State {
	case confirm.StateConfirmed:
		capability, err := s.loader.Resolve(ctx, req.OwnerID, d.Action.Capability)
		if err != nil {
			t.emit(errorEvent(d.Action.Capability, err))
			return
		}
		s.execute(ctx, sess, req.OwnerID, capability, d.Action.Args, t)
	case confirm.StateCancelled:
		t.emit(textEvent(d.Message))
	case confirm.StateExpired:
		t.emit(Event{
			Type:       EventError,
			Code:       string(connector.CodeConfirmationExpired),
			Capability: d.Action.Capability,
			Text:       d.Message,
		})
	case confirm.StatePending:
		t.emit(confirmationEvent(d.Action, d.Message))
	}
}

// plan loads capabilities, asks the planner, and acts on its decision.
func (s *Service) plan(ctx context.Context, sess *store.Session, req TurnRequest, t *turn) ([]string, error) {
	caps, err := s.loader.LoadCapabilities(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("loading capabilities: %w", err)
	}
	if len(caps.Unavailable) > 0 {
		t.emit(textEvent(fmt.Sprintf("Some connectors are unavailable right now and were skipped: %s.",
			strings.Join(caps.Unavailable, ", "))))
	}

	var p *Plan
	if req.CapabilityHint != "" {
		p = &Plan{Capability: req.CapabilityHint, Args: req.Args}
	} else {
		p, err = s.planner.Plan(ctx, PlanRequest{
			OwnerID:      req.OwnerID,
			Message:      req.Message,
			History:      sess.Turns,
			Capabilities: caps,
		})
		if err != nil {
			return nil, fmt.Errorf("planning: %w", err)
		}
	}

	if p.Reply != "" {
		t.emit(textEvent(p.Reply))
	}
	if p.Capability == "" {
		return caps.Unavailable, nil
	}

	capability, ok := caps.Lookup(p.Capability)
	if !ok {
		t.emit(errorEvent(p.Capability, fmt.Errorf("%w: %s", packs.ErrToolNotFound, p.Capability)))
		return caps.Unavailable, nil
	}
	args := p.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := s.loader.ValidateArgs(capability, args); err != nil {
		t.emit(errorEvent(capability.Name, err))
		return caps.Unavailable, nil
	}

	if s.gate.RequiresConfirmation(capability.RawName, capability.Irreversible) {
		action := s.gate.Hold(sess, capability.Name, args, s.now())
		t.emit(confirmationEvent(action, action.Prompt))
		return caps.Unavailable, nil
	}
	s.execute(ctx, sess, req.OwnerID, capability, args, t)
	return caps.Unavailable, nil
}

func (s *Service) execute(ctx context.Context, sess *store.Session, ownerID string, capability *packs.Capability, args json.RawMessage, t *turn) {
	result, err := s.loader.Execute(ctx, ownerID, capability, args)
	if err != nil {
		t.emit(errorEvent(capability.Name, err))
		return
	}
	t.emit(Event{
		Type:       EventInvocation,
		Capability: capability.Name,
		Args:       args,
		Result:     result,
	})
	s.sessions.Append(sess, store.RoleTool, capability.Name+": "+truncateUTF8(string(result), maxToolTurn))
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func textEvent(md string) Event {
	return Event{Type: EventText, Text: md, HTML: renderMarkdown(md)}
}

func confirmationEvent(a *store.PendingAction, md string) Event {
	expires := a.ExpiresAt
	return Event{
		Type:       EventConfirmationRequired,
		Capability: a.Capability,
		Args:       a.Args,
		Text:       md,
		HTML:       renderMarkdown(md),
		ExpiresAt:  &expires,
	}
}

// summarize is the assistant's side of the turn as kept in history.
func summarize(events []Event) string {
	var parts []string
	for _, ev := range events {
		switch ev.Type {
		case EventText, EventConfirmationRequired:
			parts = append(parts, ev.Text)
		case EventError:
			parts = append(parts, fmt.Sprintf("[%s] %s", ev.Code, ev.Text))
		case EventInvocation:
			parts = append(parts, "Ran "+ev.Capability+".")
		}
	}
	return strings.Join(parts, "\n\n")
}
