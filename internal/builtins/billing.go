// ABOUTME: Billing pack exposes bill listing and creation to the agent.
// ABOUTME: Creating a bill sends money requests to customers, so it is irreversible.

package builtins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-connect/internal/packs"
	"github.com/2389/coven-connect/internal/store"
)

// BillingPack creates the billing pack.
func BillingPack(svc BillingService) *packs.BuiltinPack {
	h := &billingHandlers{svc: svc}
	return &packs.BuiltinPack{
		ID: "builtin:billing",
		Capabilities: []*packs.SystemCapability{
			{
				ID:          "billing_list_bills",
				Name:        "List bills",
				Description: "List bills, newest first",
				Icon:        "receipt",
				Category:    "billing",
				AuthMode:    store.AuthModeNone,
				Enabled:     true,
				InputSchema: mustSchema(&listInput{}),
				Handler:     h.List,
			},
			{
				ID:           "billing_create_bill",
				Name:         "Create bill",
				Description:  "Create a bill for a customer",
				Icon:         "receipt-plus",
				Category:     "billing",
				AuthMode:     store.AuthModeNone,
				Enabled:      true,
				Beta:         true,
				Irreversible: true,
				InputSchema:  mustSchema(&BillInput{}),
				Handler:      h.Create,
			},
		},
	}
}

type billingHandlers struct {
	svc BillingService
}

func (h *billingHandlers) List(ctx context.Context, ownerID string, input json.RawMessage) (json.RawMessage, error) {
	var in listInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	bills, err := h.svc.ListBills(ctx, ownerID, in.Limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"bills": bills, "count": len(bills)})
}

func (h *billingHandlers) Create(ctx context.Context, ownerID string, input json.RawMessage) (json.RawMessage, error) {
	var in BillInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	bill, err := h.svc.CreateBill(ctx, ownerID, in)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bill)
}
