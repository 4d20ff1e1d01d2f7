// ABOUTME: JSON helpers and error mapping shared by the HTTP API handlers
// ABOUTME: Coded errors become {code, message}; anything else is a generic 500

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/coven-connect/internal/connector"
	"github.com/2389/coven-connect/internal/conversation"
	"github.com/2389/coven-connect/internal/store"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

var validate = validator.New()

// Error codes for failures that carry no connector code.
const (
	codeInvalidInput = "INVALID_INPUT"
	codeNotFound     = "NOT_FOUND"
	codeDuplicate    = "DUPLICATE_MESSAGE"
	codeInternal     = "INTERNAL"
)

// errorResponse is the body of every API error.
type errorResponse struct {
	Code       string                      `json:"code"`
	Message    string                      `json:"message"`
	Validation *connector.ValidationResult `json:"validation,omitempty"`
}

// connectorView is the API representation of a connector. Credentials
// never leave the store.
type connectorView struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	Endpoint       string           `json:"endpoint"`
	AuthMode       store.AuthMode   `json:"auth_mode"`
	ProviderID     string           `json:"provider_id,omitempty"`
	Active         bool             `json:"active"`
	Verified       bool             `json:"verified"`
	Tools          []store.ToolInfo `json:"tools"`
	LastVerifiedAt *time.Time       `json:"last_verified_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func newConnectorView(c *store.Connector) connectorView {
	tools := c.Tools
	if tools == nil {
		tools = []store.ToolInfo{}
	}
	return connectorView{
		ID:             c.ID,
		Name:           c.Name,
		Description:    c.Description,
		Endpoint:       c.Endpoint,
		AuthMode:       c.AuthMode,
		ProviderID:     c.ProviderID,
		Active:         c.Active,
		Verified:       c.Verified,
		Tools:          tools,
		LastVerifiedAt: c.LastVerifiedAt,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

// connectorResponse pairs a connector with the probe that produced it.
type connectorResponse struct {
	Connector  connectorView               `json:"connector"`
	Validation *connector.ValidationResult `json:"validation,omitempty"`
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	g.sendJSON(w, status, errorResponse{Code: code, Message: message})
}

// sendError maps err onto a status and a user-safe body. result, when it
// describes a failed probe, is returned alongside the code.
func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error, result *connector.ValidationResult) {
	var ce *connector.Error
	switch {
	case errors.As(err, &ce):
		resp := errorResponse{Code: string(ce.Code), Message: ce.Message}
		if result != nil && !result.Success {
			resp.Validation = result
		}
		g.sendJSON(w, statusForCode(ce.Code), resp)
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, codeNotFound, "not found")
	case errors.Is(err, connector.ErrUnknownProvider):
		g.sendJSONError(w, http.StatusNotFound, codeNotFound, "unknown oauth provider")
	case errors.Is(err, connector.ErrInvalidInput):
		g.sendJSONError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
	case errors.Is(err, conversation.ErrEmptyMessage):
		g.sendJSONError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
	case errors.Is(err, conversation.ErrDuplicateMessage):
		g.sendJSONError(w, http.StatusConflict, codeDuplicate, err.Error())
	default:
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}

func statusForCode(code connector.Code) int {
	switch code {
	case connector.CodeInvalidURL, connector.CodeInvalidInput, connector.CodeInvalidState:
		return http.StatusBadRequest
	case connector.CodeLimitExceeded, connector.CodeDecryptionError:
		return http.StatusConflict
	case connector.CodeConfirmationExpired:
		return http.StatusGone
	case connector.CodeConnectionFailed, connector.CodeTimeout, connector.CodeAuthFailed, connector.CodeInvalidServer:
		// The remote tool server failed the probe, not this request.
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

// decodeJSON parses a bounded JSON body into v and validates its struct
// tags. An empty body leaves v untouched when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON body", connector.ErrInvalidInput)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q validation", connector.ErrInvalidInput, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", connector.ErrInvalidInput, err)
	}
	return nil
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = io.WriteString(w, formatSSEEvent(event, string(dataJSON)))
}

// startSSE sets the streaming headers, or reports that the writer cannot
// stream.
func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}
