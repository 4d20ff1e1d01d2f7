// Package builtins provides the system capabilities that ship with coven-connect.
//
// # Packs
//
// Inventory Pack (builtin:inventory):
//
//   - inventory_list_items: List items, newest first
//   - inventory_add_item: Add an item
//   - inventory_delete_item: Delete an item (irreversible)
//
// Billing Pack (builtin:billing, beta):
//
//   - billing_list_bills: List bills, newest first
//   - billing_create_bill: Create a bill for a customer (irreversible)
//
// Handlers delegate to InventoryService and BillingService. The default
// implementations, RecordInventory and RecordBilling, keep owner-scoped JSON
// records in a store.RecordStore; any other backend can be plugged in by
// implementing the interfaces.
//
// Input schemas are generated from the Go input types with
// github.com/invopop/jsonschema, and arguments are validated against them
// before a handler runs.
//
// # Usage
//
//	registry := packs.NewRegistry(logger)
//	err := builtins.RegisterAll(registry, builtins.Services{
//		Inventory: builtins.NewRecordInventory(store),
//		Billing:   builtins.NewRecordBilling(store),
//	})
package builtins
