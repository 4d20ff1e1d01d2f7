// ABOUTME: System capabilities that execute in-process alongside user connectors.
// ABOUTME: Defined in code and grouped into packs; adding one needs no data migration.

package packs

import (
	"context"
	"encoding/json"

	"github.com/2389/coven-connect/internal/store"
)

// ToolHandler executes a system capability for the calling owner.
// It receives the tool input as JSON and returns the result as JSON.
type ToolHandler func(ctx context.Context, ownerID string, input json.RawMessage) (json.RawMessage, error)

// SystemCapability is a developer-defined capability. ID is the name the
// agent invokes it by; Name is for display.
type SystemCapability struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Icon        string          `json:"icon,omitempty"`
	Category    string          `json:"category"`
	AuthMode    store.AuthMode  `json:"auth_mode"`
	Enabled     bool            `json:"enabled"`
	Beta        bool            `json:"beta"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// Irreversible marks capabilities that always need user confirmation.
	Irreversible bool        `json:"irreversible"`
	Handler      ToolHandler `json:"-"`
}

// BuiltinPack is a collection of system capabilities with a pack ID.
type BuiltinPack struct {
	ID           string
	Capabilities []*SystemCapability
}

// builtinEntry stores a system capability with its pack ID for registry lookup.
type builtinEntry struct {
	Capability *SystemCapability
	PackID     string
}
