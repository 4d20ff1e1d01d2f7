// ABOUTME: Exposes an owner's capability set to external MCP clients.
// ABOUTME: Irreversible capabilities are refused since MCP has no confirmation round-trip.

package packs

import (
	"context"
	"encoding/json"

	"github.com/2389/coven-connect/internal/store"
)

// ConfirmPolicy reports whether a capability must be confirmed by the owner.
type ConfirmPolicy func(c *Capability) bool

// ToolProvider adapts a Loader to the MCP server's tool provider interface.
type ToolProvider struct {
	loader  *Loader
	confirm ConfirmPolicy
}

// NewToolProvider creates a provider. A nil policy confirms nothing.
func NewToolProvider(loader *Loader, confirm ConfirmPolicy) *ToolProvider {
	if confirm == nil {
		confirm = func(*Capability) bool { return false }
	}
	return &ToolProvider{loader: loader, confirm: confirm}
}

// ListTools returns the owner's current capability set.
func (p *ToolProvider) ListTools(ctx context.Context, ownerID string) ([]store.ToolInfo, error) {
	caps, err := p.loader.LoadCapabilities(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return caps.ToolInfos(), nil
}

// CallTool invokes a capability unless it needs confirmation.
func (p *ToolProvider) CallTool(ctx context.Context, ownerID, name string, args json.RawMessage) (json.RawMessage, error) {
	capability, err := p.loader.Resolve(ctx, ownerID, name)
	if err != nil {
		return nil, err
	}
	if p.confirm(capability) {
		return nil, &ConfirmationRequiredError{Capability: capability.Name}
	}
	return p.loader.Execute(ctx, ownerID, capability, args)
}
