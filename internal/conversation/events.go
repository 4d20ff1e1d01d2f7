// ABOUTME: Turn events returned to the chat widget for each user message.
// ABOUTME: Confirmation prompts carry Markdown plus goldmark-rendered HTML.

package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/coven-connect/internal/connector"
	"github.com/2389/coven-connect/internal/packs"
)

// EventType identifies a turn event.
type EventType string

const (
	EventText                 EventType = "text"
	EventInvocation           EventType = "capability_invocation"
	EventConfirmationRequired EventType = "confirmation_required"
	EventError                EventType = "error"
	EventDone                 EventType = "done"
)

// Event is one step of a turn as seen by the widget.
type Event struct {
	Type EventType `json:"type"`

	// Text is Markdown; HTML is its rendering when present.
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`

	Capability string          `json:"capability,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	Code      string     `json:"code,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Set on the done event.
	SessionID   string   `json:"session_id,omitempty"`
	Unavailable []string `json:"unavailable,omitempty"`
}

// Codes for errors that have no connector code.
const (
	CodeToolNotFound     = "TOOL_NOT_FOUND"
	CodeInvocationFailed = "INVOCATION_FAILED"
)

type codedError interface {
	ErrorCode() string
}

// errorEvent turns err into a user-safe event. Messages from coded errors are
// written for users; anything else gets a generic line.
func errorEvent(capability string, err error) Event {
	ev := Event{Type: EventError, Capability: capability}

	var ce *connector.Error
	var coded codedError
	switch {
	case errors.As(err, &ce):
		ev.Code, ev.Text = string(ce.Code), ce.Message
	case errors.Is(err, packs.ErrToolNotFound):
		ev.Code, ev.Text = CodeToolNotFound, "That capability is not available right now."
	case errors.As(err, &coded):
		ev.Code, ev.Text = coded.ErrorCode(), err.Error()
	default:
		ev.Code = string(connector.CodeOf(err))
		if ev.Code == "" {
			ev.Code = CodeInvocationFailed
		}
		ev.Text = "The capability could not be completed. Try again in a moment."
	}
	return ev
}

// renderMarkdown converts Markdown to HTML. Raw HTML in the source is
// omitted by goldmark's default renderer.
func renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return ""
	}
	return buf.String()
}
