// ABOUTME: Inventory pack exposes item listing, creation, and deletion to the agent.
// ABOUTME: Deleting an item is marked irreversible and always goes through confirmation.

package builtins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-connect/internal/packs"
	"github.com/2389/coven-connect/internal/store"
)

type listInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"minimum=1,maximum=1000,description=Maximum number of results"`
}

type deleteInput struct {
	ID string `json:"id" jsonschema:"minLength=1"`
}

// InventoryPack creates the inventory pack.
func InventoryPack(svc InventoryService) *packs.BuiltinPack {
	h := &inventoryHandlers{svc: svc}
	return &packs.BuiltinPack{
		ID: "builtin:inventory",
		Capabilities: []*packs.SystemCapability{
			{
				ID:          "inventory_list_items",
				Name:        "List inventory",
				Description: "List items in the inventory, newest first",
				Icon:        "package",
				Category:    "inventory",
				AuthMode:    store.AuthModeNone,
				Enabled:     true,
				InputSchema: mustSchema(&listInput{}),
				Handler:     h.List,
			},
			{
				ID:          "inventory_add_item",
				Name:        "Add inventory item",
				Description: "Add an item to the inventory",
				Icon:        "package-plus",
				Category:    "inventory",
				AuthMode:    store.AuthModeNone,
				Enabled:     true,
				InputSchema: mustSchema(&ItemInput{}),
				Handler:     h.Add,
			},
			{
				ID:           "inventory_delete_item",
				Name:         "Delete inventory item",
				Description:  "Permanently delete an item from the inventory",
				Icon:         "trash",
				Category:     "inventory",
				AuthMode:     store.AuthModeNone,
				Enabled:      true,
				Irreversible: true,
				InputSchema:  mustSchema(&deleteInput{}),
				Handler:      h.Delete,
			},
		},
	}
}

type inventoryHandlers struct {
	svc InventoryService
}

func (h *inventoryHandlers) List(ctx context.Context, ownerID string, input json.RawMessage) (json.RawMessage, error) {
	var in listInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	items, err := h.svc.ListItems(ctx, ownerID, in.Limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"items": items, "count": len(items)})
}

func (h *inventoryHandlers) Add(ctx context.Context, ownerID string, input json.RawMessage) (json.RawMessage, error) {
	var in ItemInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	item, err := h.svc.AddItem(ctx, ownerID, in)
	if err != nil {
		return nil, err
	}
	return json.Marshal(item)
}

func (h *inventoryHandlers) Delete(ctx context.Context, ownerID string, input json.RawMessage) (json.RawMessage, error) {
	var in deleteInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if err := h.svc.DeleteItem(ctx, ownerID, in.ID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"id": in.ID, "status": "deleted"})
}
