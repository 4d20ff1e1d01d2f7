// ABOUTME: Tests for inventory and billing pack handlers.
// ABOUTME: Uses a real SQLite store and dispatches through the packs loader.

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/2389/coven-connect/internal/packs"
	"github.com/2389/coven-connect/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func findHandler(pack *packs.BuiltinPack, id string) packs.ToolHandler {
	for _, c := range pack.Capabilities {
		if c.ID == id {
			return c.Handler
		}
	}
	return nil
}

func newTestLoader(t *testing.T, s *store.SQLiteStore) *packs.Loader {
	t.Helper()
	reg := packs.NewRegistry(nil)
	err := RegisterAll(reg, Services{Inventory: NewRecordInventory(s), Billing: NewRecordBilling(s)})
	if err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	l, err := packs.NewLoader(packs.LoaderConfig{System: reg})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

func TestInventoryAddListDelete(t *testing.T) {
	s := newTestStore(t)
	pack := InventoryPack(NewRecordInventory(s))
	ctx := context.Background()

	result, err := findHandler(pack, "inventory_add_item")(ctx, "alice", json.RawMessage(`{"name":"Widget","quantity":3,"unit_price_cents":250}`))
	if err != nil {
		t.Fatalf("inventory_add_item: %v", err)
	}
	var item Item
	if err := json.Unmarshal(result, &item); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if item.ID == "" || item.Name != "Widget" || item.Quantity != 3 {
		t.Errorf("unexpected item: %+v", item)
	}

	result, err = findHandler(pack, "inventory_list_items")(ctx, "alice", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("inventory_list_items: %v", err)
	}
	var list struct {
		Items []Item `json:"items"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(result, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if list.Count != 1 || list.Items[0].ID != item.ID {
		t.Errorf("expected the added item, got %+v", list)
	}

	// Another owner sees nothing.
	result, _ = findHandler(pack, "inventory_list_items")(ctx, "bob", json.RawMessage(`{}`))
	_ = json.Unmarshal(result, &list)
	if list.Count != 0 {
		t.Errorf("expected bob to see no items, got %d", list.Count)
	}

	if _, err := findHandler(pack, "inventory_delete_item")(ctx, "bob", json.RawMessage(`{"id":"`+item.ID+`"}`)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected bob's delete to miss, got %v", err)
	}
	if _, err := findHandler(pack, "inventory_delete_item")(ctx, "alice", json.RawMessage(`{"id":"`+item.ID+`"}`)); err != nil {
		t.Fatalf("inventory_delete_item: %v", err)
	}
}

func TestInventoryAddValidates(t *testing.T) {
	pack := InventoryPack(NewRecordInventory(newTestStore(t)))
	_, err := findHandler(pack, "inventory_add_item")(context.Background(), "alice", json.RawMessage(`{"name":"  ","quantity":1}`))
	if err == nil {
		t.Fatal("expected blank name to be rejected")
	}
}

func TestBillingCreateDefaultsCurrency(t *testing.T) {
	pack := BillingPack(NewRecordBilling(newTestStore(t)))
	ctx := context.Background()

	result, err := findHandler(pack, "billing_create_bill")(ctx, "alice", json.RawMessage(`{"customer":"acme@example.com","amount_cents":12000}`))
	if err != nil {
		t.Fatalf("billing_create_bill: %v", err)
	}
	var bill Bill
	if err := json.Unmarshal(result, &bill); err != nil {
		t.Fatalf("unmarshal bill: %v", err)
	}
	if bill.Currency != "USD" || bill.Status != "open" {
		t.Errorf("unexpected bill: %+v", bill)
	}

	result, err = findHandler(pack, "billing_list_bills")(ctx, "alice", json.RawMessage(`{"limit":5}`))
	if err != nil {
		t.Fatalf("billing_list_bills: %v", err)
	}
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(result, &list)
	if list.Count != 1 {
		t.Errorf("expected 1 bill, got %d", list.Count)
	}
}

func TestRegisterAllMarksIrreversible(t *testing.T) {
	reg := packs.NewRegistry(nil)
	if err := RegisterAll(reg, Services{Inventory: NewRecordInventory(nil), Billing: NewRecordBilling(nil)}); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	want := map[string]bool{
		"inventory_list_items":  false,
		"inventory_add_item":    false,
		"inventory_delete_item": true,
		"billing_list_bills":    false,
		"billing_create_bill":   true,
	}
	got := reg.List()
	if len(got) != len(want) {
		t.Fatalf("expected %d capabilities, got %d", len(want), len(got))
	}
	for _, c := range got {
		if c.Irreversible != want[c.ID] {
			t.Errorf("%s: irreversible=%v", c.ID, c.Irreversible)
		}
		if len(c.InputSchema) == 0 {
			t.Errorf("%s: missing input schema", c.ID)
		}
	}
}

// Generated schemas compile and reject bad arguments before the handler runs.
func TestSchemasEnforcedThroughLoader(t *testing.T) {
	s := newTestStore(t)
	l := newTestLoader(t, s)
	ctx := context.Background()

	if _, err := l.Invoke(ctx, "alice", "inventory_add_item", json.RawMessage(`{"name":"Widget","quantity":1}`)); err != nil {
		t.Fatalf("valid add: %v", err)
	}

	var argErr *packs.ArgumentError
	_, err := l.Invoke(ctx, "alice", "inventory_add_item", json.RawMessage(`{"quantity":-1}`))
	if !errors.As(err, &argErr) {
		t.Fatalf("expected ArgumentError, got %v", err)
	}
	_, err = l.Invoke(ctx, "alice", "billing_create_bill", json.RawMessage(`{"customer":"x","amount_cents":0}`))
	if !errors.As(err, &argErr) {
		t.Fatalf("expected ArgumentError for zero amount, got %v", err)
	}

	records, err := s.ListRecords(ctx, "alice", kindItem, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected only the valid item stored, got %d", len(records))
	}
}
