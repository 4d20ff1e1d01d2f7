// ABOUTME: Resolves a namespaced capability name and dispatches the call to its source.
// ABOUTME: Validates arguments against the input schema before anything leaves the process.

package packs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/2389/coven-connect/internal/mcp"
	"github.com/2389/coven-connect/internal/metrics"
)

// ErrToolNotFound indicates the capability is not in the owner's set.
var ErrToolNotFound = mcp.ErrToolNotFound

// ArgumentError reports arguments that do not satisfy the input schema.
// It is an input error and never retried.
type ArgumentError struct {
	Capability string
	Reason     string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Capability, e.Reason)
}

// ErrorCode identifies argument errors to callers that surface codes.
func (e *ArgumentError) ErrorCode() string { return "INVALID_ARGUMENTS" }

// ConfirmationRequiredError is returned when a caller without a
// confirmation channel asks for an irreversible capability.
type ConfirmationRequiredError struct {
	Capability string
}

func (e *ConfirmationRequiredError) Error() string {
	return e.Capability + " is irreversible and needs confirmation from the owner in chat"
}

// ErrorCode identifies the error to MCP callers.
func (e *ConfirmationRequiredError) ErrorCode() string { return "CONFIRMATION_REQUIRED" }

// Resolve finds a capability without querying any connector. Connector
// capabilities are matched by namespace against the owner's loadable
// connectors and take their schema from the cached catalog.
func (l *Loader) Resolve(ctx context.Context, ownerID, name string) (*Capability, error) {
	if sc := l.system.Get(name); sc != nil && sc.Enabled {
		return systemCapability(sc), nil
	}
	if l.connectors == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	conns, err := l.connectors.ListLoadable(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, c := range conns {
		raw, ok := splitNamespace(name, c.Name)
		if !ok {
			continue
		}
		for _, t := range c.Tools {
			if t.Name == raw {
				return connectorCapability(c, t), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// Invoke resolves name and executes it.
func (l *Loader) Invoke(ctx context.Context, ownerID, name string, args json.RawMessage) (json.RawMessage, error) {
	capability, err := l.Resolve(ctx, ownerID, name)
	if err != nil {
		return nil, err
	}
	return l.Execute(ctx, ownerID, capability, args)
}

// ValidateArgs checks args against the capability's input schema without
// running it.
func (l *Loader) ValidateArgs(capability *Capability, args json.RawMessage) error {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	return l.validator.validate(capability.Name, capability.InputSchema, args)
}

// Execute runs a resolved capability. Connector calls get the same
// retry-once policy as loading.
func (l *Loader) Execute(ctx context.Context, ownerID string, capability *Capability, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	if err := l.ValidateArgs(capability, args); err != nil {
		return nil, err
	}

	start := time.Now()
	var (
		out json.RawMessage
		err error
	)
	switch capability.Source.Kind {
	case SourceSystem:
		out, err = l.executeSystem(ctx, ownerID, capability, args)
	case SourceConnector:
		out, err = l.executeConnector(ctx, capability, args)
	default:
		err = fmt.Errorf("%w: %s", ErrToolNotFound, capability.Name)
	}
	metrics.ObserveInvocation(string(capability.Source.Kind), start, err)

	if err != nil {
		l.logger.Warn("capability invocation failed",
			"owner_id", ownerID,
			"capability", capability.Name,
			"source", capability.Source.Kind,
			"error", err,
		)
		return nil, err
	}
	l.logger.Info("capability invoked",
		"owner_id", ownerID,
		"capability", capability.Name,
		"source", capability.Source.Kind,
		"duration", time.Since(start),
	)
	return out, nil
}

func (l *Loader) executeSystem(ctx context.Context, ownerID string, capability *Capability, args json.RawMessage) (json.RawMessage, error) {
	sc := capability.system
	if sc == nil {
		sc = l.system.Get(capability.Source.SystemID)
	}
	if sc == nil || !sc.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, capability.Name)
	}
	var out json.RawMessage
	err := l.withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = sc.Handler(ctx, ownerID, args)
		return err
	})
	return out, err
}

func (l *Loader) executeConnector(ctx context.Context, capability *Capability, args json.RawMessage) (json.RawMessage, error) {
	if capability.connector == nil || l.dial == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, capability.Name)
	}
	client, err := l.dial(capability.connector)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	err = l.withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = client.CallTool(ctx, capability.RawName, args)
		return err
	})
	return out, err
}

// schemaValidator compiles input schemas once and caches them by content.
type schemaValidator struct {
	mu    sync.Mutex
	cache map[[sha256.Size]byte]*jsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{cache: make(map[[sha256.Size]byte]*jsonschema.Schema)}
}

// validate checks args against schema. A missing schema accepts any object.
// A schema that does not compile is skipped: a connector's broken schema
// should not make its tools unusable.
func (v *schemaValidator) validate(name string, schema, args json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return &ArgumentError{Capability: name, Reason: "arguments are not valid JSON"}
	}
	if _, ok := doc.(map[string]any); !ok {
		return &ArgumentError{Capability: name, Reason: "arguments must be a JSON object"}
	}
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil
	}

	compiled, err := v.compile(schema)
	if err != nil {
		return nil
	}
	if err := compiled.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &ArgumentError{Capability: name, Reason: ve.Error()}
		}
		return &ArgumentError{Capability: name, Reason: err.Error()}
	}
	return nil
}

func (v *schemaValidator) compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := sha256.Sum256(schema)

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	// Schemas come from untrusted servers; never follow external references.
	compiler.LoadURL = func(string) (io.ReadCloser, error) {
		return nil, errors.New("external schema references are not allowed")
	}
	if err := compiler.AddResource("input.json", bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	s, err := compiler.Compile("input.json")
	if err != nil {
		return nil, err
	}
	v.cache[key] = s
	return s, nil
}
