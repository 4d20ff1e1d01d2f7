// ABOUTME: HTTP handlers for capability listing, chat turns, and session state
// ABOUTME: Turns answer as JSON or, when the client accepts it, as a server-sent event stream

package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-connect/internal/auth"
	"github.com/2389/coven-connect/internal/conversation"
	"github.com/2389/coven-connect/internal/packs"
	"github.com/2389/coven-connect/internal/store"
)

// sseKeepalive is how often an idle event stream gets a comment line.
const sseKeepalive = 30 * time.Second

// chatRequest is one message from the chat widget.
type chatRequest struct {
	SessionID       string          `json:"session_id" validate:"max=128"`
	Message         string          `json:"message" validate:"max=20000"`
	CapabilityHint  string          `json:"capability_hint" validate:"max=300"`
	Args            json.RawMessage `json:"args"`
	ClientMessageID string          `json:"client_message_id" validate:"max=128"`
}

// systemPackView lists one built-in pack's capabilities.
type systemPackView struct {
	ID           string                    `json:"id"`
	Capabilities []*packs.SystemCapability `json:"capabilities"`
}

// sessionView is the API representation of a session.
type sessionView struct {
	ID        string               `json:"id"`
	Turns     []store.Turn         `json:"turns"`
	Pending   *store.PendingAction `json:"pending,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func (g *Gateway) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := g.loader.LoadCapabilities(r.Context(), auth.OwnerID(r.Context()))
	if err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	g.sendJSON(w, http.StatusOK, caps)
}

func (g *Gateway) handleSystemCapabilities(w http.ResponseWriter, r *http.Request) {
	packList := g.packRegistry.ListBuiltinPacks()
	views := make([]systemPackView, 0, len(packList))
	for _, p := range packList {
		views = append(views, systemPackView{ID: p.ID, Capabilities: p.Capabilities})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"packs": views})
}

// handleChat runs one turn. Capability failures are events in a successful
// response; only failures of the turn itself are HTTP errors.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.sendError(w, r, err, nil)
		return
	}

	result, err := g.conversation.HandleTurn(r.Context(), conversation.TurnRequest{
		OwnerID:         auth.OwnerID(r.Context()),
		SessionID:       req.SessionID,
		Message:         req.Message,
		CapabilityHint:  req.CapabilityHint,
		Args:            req.Args,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		g.sendError(w, r, err, nil)
		return
	}

	if !wantsEventStream(r) {
		g.sendJSON(w, http.StatusOK, result)
		return
	}
	flusher, ok := startSSE(w)
	if !ok {
		g.sendJSON(w, http.StatusOK, result)
		return
	}
	for _, ev := range result.Events {
		g.writeSSEEvent(w, string(ev.Type), ev)
	}
	flusher.Flush()
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.conversation.Sessions().Get(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"))
	if err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	turns := sess.Turns
	if turns == nil {
		turns = []store.Turn{}
	}
	g.sendJSON(w, http.StatusOK, sessionView{
		ID:        sess.ID,
		Turns:     turns,
		Pending:   sess.Pending,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	})
}

// handleSessionEvents streams every turn event of a session, so other tabs
// of the same owner follow the conversation.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := g.conversation.Sessions().Get(ctx, auth.OwnerID(ctx), r.PathValue("id"))
	if err != nil {
		g.sendError(w, r, err, nil)
		return
	}
	flusher, ok := startSSE(w)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, codeInternal, "streaming not supported")
		return
	}
	events, _ := g.broadcaster.Subscribe(ctx, sess.ID)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
