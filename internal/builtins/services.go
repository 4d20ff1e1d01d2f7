// ABOUTME: Inventory and billing services behind the system capabilities.
// ABOUTME: The default implementations persist owner-scoped JSON records.

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/coven-connect/internal/store"
)

// Record kinds.
const (
	kindItem = "inventory_item"
	kindBill = "bill"
)

var validate = validator.New()

// Item is an inventory entry.
type Item struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SKU       string    `json:"sku,omitempty"`
	Quantity  int       `json:"quantity"`
	UnitCents int64     `json:"unit_price_cents"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ItemInput is what the agent supplies to add an item.
type ItemInput struct {
	Name      string `json:"name" validate:"required,max=200" jsonschema:"description=Item name"`
	SKU       string `json:"sku,omitempty" validate:"max=64" jsonschema:"description=Stock keeping unit"`
	Quantity  int    `json:"quantity" validate:"gte=0" jsonschema:"minimum=0"`
	UnitCents int64  `json:"unit_price_cents,omitempty" validate:"gte=0" jsonschema:"minimum=0,description=Unit price in cents"`
	Notes     string `json:"notes,omitempty" validate:"max=2000"`
}

// Bill is an invoice sent to a customer.
type Bill struct {
	ID          string     `json:"id"`
	Customer    string     `json:"customer"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// BillInput is what the agent supplies to create a bill.
type BillInput struct {
	Customer    string     `json:"customer" validate:"required,max=200" jsonschema:"description=Customer name or email"`
	AmountCents int64      `json:"amount_cents" validate:"gt=0" jsonschema:"minimum=1,description=Amount in cents"`
	Currency    string     `json:"currency,omitempty" validate:"omitempty,len=3" jsonschema:"description=ISO 4217 code and USD when omitted"`
	Description string     `json:"description,omitempty" validate:"max=2000"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

// InventoryService manages an owner's inventory.
type InventoryService interface {
	ListItems(ctx context.Context, ownerID string, limit int) ([]*Item, error)
	AddItem(ctx context.Context, ownerID string, in ItemInput) (*Item, error)
	DeleteItem(ctx context.Context, ownerID, id string) error
}

// BillingService manages an owner's bills.
type BillingService interface {
	ListBills(ctx context.Context, ownerID string, limit int) ([]*Bill, error)
	CreateBill(ctx context.Context, ownerID string, in BillInput) (*Bill, error)
}

// RecordInventory implements InventoryService on a RecordStore.
type RecordInventory struct {
	store store.RecordStore
}

// NewRecordInventory creates a record-backed inventory.
func NewRecordInventory(s store.RecordStore) *RecordInventory {
	return &RecordInventory{store: s}
}

// ListItems returns items newest first.
func (r *RecordInventory) ListItems(ctx context.Context, ownerID string, limit int) ([]*Item, error) {
	records, err := r.store.ListRecords(ctx, ownerID, kindItem, limit)
	if err != nil {
		return nil, err
	}
	return decodeRecords[Item](records, func(it *Item, rec *store.Record) {
		it.ID = rec.ID
		it.CreatedAt = rec.CreatedAt
	})
}

// AddItem validates and stores an item.
func (r *RecordInventory) AddItem(ctx context.Context, ownerID string, in ItemInput) (*Item, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("invalid item: %w", err)
	}
	item := &Item{Name: in.Name, SKU: in.SKU, Quantity: in.Quantity, UnitCents: in.UnitCents, Notes: in.Notes}
	rec, err := createRecord(ctx, r.store, ownerID, kindItem, item)
	if err != nil {
		return nil, err
	}
	item.ID = rec.ID
	item.CreatedAt = rec.CreatedAt
	return item, nil
}

// DeleteItem removes an item.
func (r *RecordInventory) DeleteItem(ctx context.Context, ownerID, id string) error {
	return r.store.DeleteRecord(ctx, ownerID, kindItem, id)
}

// RecordBilling implements BillingService on a RecordStore.
type RecordBilling struct {
	store store.RecordStore
}

// NewRecordBilling creates a record-backed billing service.
func NewRecordBilling(s store.RecordStore) *RecordBilling {
	return &RecordBilling{store: s}
}

// ListBills returns bills newest first.
func (r *RecordBilling) ListBills(ctx context.Context, ownerID string, limit int) ([]*Bill, error) {
	records, err := r.store.ListRecords(ctx, ownerID, kindBill, limit)
	if err != nil {
		return nil, err
	}
	return decodeRecords[Bill](records, func(b *Bill, rec *store.Record) {
		b.ID = rec.ID
		b.CreatedAt = rec.CreatedAt
	})
}

// CreateBill validates and stores a bill in the "open" state.
func (r *RecordBilling) CreateBill(ctx context.Context, ownerID string, in BillInput) (*Bill, error) {
	in.Customer = strings.TrimSpace(in.Customer)
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("invalid bill: %w", err)
	}
	currency := strings.ToUpper(in.Currency)
	if currency == "" {
		currency = "USD"
	}
	bill := &Bill{
		Customer:    in.Customer,
		AmountCents: in.AmountCents,
		Currency:    currency,
		Description: in.Description,
		DueDate:     in.DueDate,
		Status:      "open",
	}
	rec, err := createRecord(ctx, r.store, ownerID, kindBill, bill)
	if err != nil {
		return nil, err
	}
	bill.ID = rec.ID
	bill.CreatedAt = rec.CreatedAt
	return bill, nil
}

func createRecord(ctx context.Context, s store.RecordStore, ownerID, kind string, v any) (*store.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", kind, err)
	}
	rec := &store.Record{OwnerID: ownerID, Kind: kind, Data: data}
	if err := s.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeRecords[T any](records []*store.Record, fill func(*T, *store.Record)) ([]*T, error) {
	out := make([]*T, 0, len(records))
	for _, rec := range records {
		v := new(T)
		if err := json.Unmarshal(rec.Data, v); err != nil {
			return nil, fmt.Errorf("decoding record %s: %w", rec.ID, err)
		}
		fill(v, rec)
		out = append(out, v)
	}
	return out, nil
}
