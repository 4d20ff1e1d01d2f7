// ABOUTME: The planner picks what to do with a user message given the capability set
// ABOUTME: MenuPlanner is a deterministic stand-in used when no model-backed planner is wired

package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/coven-connect/internal/packs"
	"github.com/2389/coven-connect/internal/store"
)

// PlanRequest is what a planner sees for one turn.
type PlanRequest struct {
	OwnerID      string
	Message      string
	History      []store.Turn
	Capabilities *packs.Capabilities
}

// Plan is the planner's decision. Reply is shown to the user; when
// Capability is set it is invoked with Args.
type Plan struct {
	Reply      string
	Capability string
	Args       json.RawMessage
}

// Planner chooses a capability for a message, or answers directly.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*Plan, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, req PlanRequest) (*Plan, error)

// Plan calls f.
func (f PlannerFunc) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	return f(ctx, req)
}

// MenuPlanner invokes a capability when the message names it exactly, with
// an optional JSON object after the name. Otherwise it lists what is
// available.
type MenuPlanner struct{}

// Plan implements Planner.
func (MenuPlanner) Plan(_ context.Context, req PlanRequest) (*Plan, error) {
	msg := strings.TrimSpace(req.Message)
	if req.Capabilities != nil {
		for _, c := range req.Capabilities.Tools {
			if len(msg) < len(c.Name) || !strings.EqualFold(msg[:len(c.Name)], c.Name) {
				continue
			}
			rest := strings.TrimSpace(msg[len(c.Name):])
			if rest == "" {
				return &Plan{Capability: c.Name}, nil
			}
			if json.Valid([]byte(rest)) && strings.HasPrefix(rest, "{") {
				return &Plan{Capability: c.Name, Args: json.RawMessage(rest)}, nil
			}
		}
	}

	if req.Capabilities == nil || len(req.Capabilities.Tools) == 0 {
		return &Plan{Reply: "No capabilities are available yet. Add a connector to get started."}, nil
	}
	var b strings.Builder
	b.WriteString("Here is what I can do:\n\n")
	for _, c := range req.Capabilities.Tools {
		if c.Description != "" {
			fmt.Fprintf(&b, "- **%s**: %s\n", c.Name, c.Description)
		} else {
			fmt.Fprintf(&b, "- **%s**\n", c.Name)
		}
	}
	return &Plan{Reply: b.String()}, nil
}
