// ABOUTME: Stable error codes surfaced to API callers and the chat agent
// ABOUTME: Maps store, vault, and MCP client failures onto a single taxonomy

package connector

import (
	"errors"

	"github.com/2389/coven-connect/internal/mcp"
	"github.com/2389/coven-connect/internal/store"
	"github.com/2389/coven-connect/internal/vault"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeInvalidURL          Code = "INVALID_URL"
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeConnectionFailed    Code = "CONNECTION_FAILED"
	CodeTimeout             Code = "TIMEOUT"
	CodeAuthFailed          Code = "AUTH_FAILED"
	CodeInvalidServer       Code = "INVALID_SERVER"
	CodeLimitExceeded       Code = "LIMIT_EXCEEDED"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeDecryptionError     Code = "DECRYPTION_ERROR"
	CodeConfirmationExpired Code = "CONFIRMATION_EXPIRED"
)

// Sentinel errors for input problems that have no stable code.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnknownProvider = errors.New("unknown oauth provider")
)

// Error carries a Code plus a message that is safe to show a user.
// Err holds the underlying cause for logs and errors.Is; it is never shown.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode exposes the code to packages that only know the method set.
func (e *Error) ErrorCode() string {
	return string(e.Code)
}

// NewError creates a coded error.
func NewError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the stable code from err, or "" when it has none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, store.ErrLimitExceeded):
		return CodeLimitExceeded
	case errors.Is(err, vault.ErrDecryption):
		return CodeDecryptionError
	case errors.Is(err, mcp.ErrTimeout):
		return CodeTimeout
	case errors.Is(err, mcp.ErrConnection):
		return CodeConnectionFailed
	case errors.Is(err, mcp.ErrUnauthorized):
		return CodeAuthFailed
	case errors.Is(err, mcp.ErrInvalidResponse):
		return CodeInvalidServer
	}
	return ""
}

// limitError is the user-facing guidance for the active connector cap.
func limitError(err error) *Error {
	return NewError(CodeLimitExceeded,
		"you already have the maximum number of active connectors; deactivate or delete one first", err)
}

// decryptionError hides vault details behind a fixed message.
func decryptionError(err error) *Error {
	return NewError(CodeDecryptionError, "stored credentials could not be read; reconnect this connector", err)
}
