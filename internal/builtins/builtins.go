// ABOUTME: Registers every built-in pack and generates input schemas from Go types.
// ABOUTME: Schemas come from invopop/jsonschema reflection so they track the structs.

package builtins

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/2389/coven-connect/internal/packs"
)

// Services are the collaborators behind the built-in packs.
type Services struct {
	Inventory InventoryService
	Billing   BillingService
}

// RegisterAll registers the built-in packs for the services that are set.
func RegisterAll(r *packs.Registry, svc Services) error {
	if svc.Inventory != nil {
		if err := r.RegisterBuiltinPack(InventoryPack(svc.Inventory)); err != nil {
			return err
		}
	}
	if svc.Billing != nil {
		if err := r.RegisterBuiltinPack(BillingPack(svc.Billing)); err != nil {
			return err
		}
	}
	return nil
}

// mustSchema reflects v into an inline JSON schema. The inputs are static
// types, so a failure is a programming error.
func mustSchema(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	b, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("builtins: schema for %T: %v", v, err))
	}
	return b
}
