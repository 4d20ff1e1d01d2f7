// ABOUTME: Tests for the system capability registry.
// ABOUTME: Covers registration, collision detection, and enabled filtering.

package packs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func noopHandler(ctx context.Context, ownerID string, input json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func testCapability(id string, enabled bool) *SystemCapability {
	return &SystemCapability{
		ID:          id,
		Name:        id,
		Description: "test capability " + id,
		Category:    "test",
		AuthMode:    "none",
		Enabled:     enabled,
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler:     noopHandler,
	}
}

func TestRegistryRegisterBuiltinPack(t *testing.T) {
	t.Run("registers capabilities", func(t *testing.T) {
		r := NewRegistry(slog.Default())
		err := r.RegisterBuiltinPack(&BuiltinPack{
			ID:           "builtin:test",
			Capabilities: []*SystemCapability{testCapability("b_tool", true), testCapability("a_tool", true)},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Get("a_tool") == nil {
			t.Fatal("expected a_tool to be registered")
		}
		list := r.List()
		if len(list) != 2 || list[0].ID != "a_tool" {
			t.Errorf("expected sorted list starting with a_tool, got %+v", list)
		}
	})

	t.Run("rejects collisions across packs", func(t *testing.T) {
		r := NewRegistry(nil)
		if err := r.RegisterBuiltinPack(&BuiltinPack{ID: "one", Capabilities: []*SystemCapability{testCapability("x", true)}}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		err := r.RegisterBuiltinPack(&BuiltinPack{ID: "two", Capabilities: []*SystemCapability{testCapability("y", true), testCapability("x", true)}})
		if !errors.Is(err, ErrToolCollision) {
			t.Fatalf("expected ErrToolCollision, got %v", err)
		}
		if r.Get("y") != nil {
			t.Error("a failed registration must not register anything")
		}
	})

	t.Run("rejects duplicates within a pack", func(t *testing.T) {
		r := NewRegistry(nil)
		err := r.RegisterBuiltinPack(&BuiltinPack{ID: "one", Capabilities: []*SystemCapability{testCapability("x", true), testCapability("x", true)}})
		if !errors.Is(err, ErrToolCollision) {
			t.Fatalf("expected ErrToolCollision, got %v", err)
		}
	})

	t.Run("rejects namespaced IDs", func(t *testing.T) {
		r := NewRegistry(nil)
		err := r.RegisterBuiltinPack(&BuiltinPack{ID: "one", Capabilities: []*SystemCapability{testCapability("GitHub: list", true)}})
		if !errors.Is(err, ErrInvalidCapability) {
			t.Fatalf("expected ErrInvalidCapability, got %v", err)
		}
	})

	t.Run("rejects missing handler", func(t *testing.T) {
		r := NewRegistry(nil)
		c := testCapability("x", true)
		c.Handler = nil
		if err := r.RegisterBuiltinPack(&BuiltinPack{ID: "one", Capabilities: []*SystemCapability{c}}); !errors.Is(err, ErrInvalidCapability) {
			t.Fatalf("expected ErrInvalidCapability, got %v", err)
		}
	})
}

func TestRegistryEnabledAndPacks(t *testing.T) {
	r := NewRegistry(nil)
	_ = r.RegisterBuiltinPack(&BuiltinPack{ID: "builtin:b", Capabilities: []*SystemCapability{testCapability("on", true)}})
	_ = r.RegisterBuiltinPack(&BuiltinPack{ID: "builtin:a", Capabilities: []*SystemCapability{testCapability("off", false)}})

	enabled := r.Enabled()
	if len(enabled) != 1 || enabled[0].ID != "on" {
		t.Errorf("expected only 'on' enabled, got %+v", enabled)
	}

	packs := r.ListBuiltinPacks()
	if len(packs) != 2 || packs[0].ID != "builtin:a" {
		t.Errorf("expected two packs sorted by ID, got %+v", packs)
	}
}
