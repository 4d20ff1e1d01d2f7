// ABOUTME: Thread-safe registry of code-defined system capabilities.
// ABOUTME: Rejects name collisions and names that could be mistaken for connector namespaces.

package packs

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ErrToolCollision indicates a capability ID is already registered.
var ErrToolCollision = errors.New("tool name collision")

// ErrInvalidCapability indicates a capability definition cannot be registered.
var ErrInvalidCapability = errors.New("invalid capability")

// NamespaceSeparator joins a connector name and a raw tool name.
const NamespaceSeparator = ": "

// Registry maintains the system capabilities available to every owner.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]*builtinEntry
	logger   *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		builtins: make(map[string]*builtinEntry),
		logger:   logger.With("component", "packs.registry"),
	}
}

// RegisterBuiltinPack registers a pack of system capabilities.
// Nothing is registered if any capability is invalid or collides.
func (r *Registry) RegisterBuiltinPack(pack *BuiltinPack) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(pack.Capabilities))
	for _, c := range pack.Capabilities {
		if c.ID == "" || c.Handler == nil {
			return fmt.Errorf("%w: capability %q in pack %q needs an ID and a handler", ErrInvalidCapability, c.ID, pack.ID)
		}
		if strings.Contains(c.ID, NamespaceSeparator) {
			return fmt.Errorf("%w: capability %q must not contain %q", ErrInvalidCapability, c.ID, NamespaceSeparator)
		}
		if existing, exists := r.builtins[c.ID]; exists {
			return fmt.Errorf("%w: capability '%s' already registered by pack '%s'", ErrToolCollision, c.ID, existing.PackID)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("%w: capability '%s' appears twice in pack '%s'", ErrToolCollision, c.ID, pack.ID)
		}
		seen[c.ID] = struct{}{}
	}

	for _, c := range pack.Capabilities {
		r.builtins[c.ID] = &builtinEntry{Capability: c, PackID: pack.ID}
	}

	r.logger.Info("builtin pack registered",
		"pack_id", pack.ID,
		"capability_count", len(pack.Capabilities),
	)
	return nil
}

// Get returns a system capability by ID, or nil if not found.
func (r *Registry) Get(id string) *SystemCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.builtins[id]; ok {
		return entry.Capability
	}
	return nil
}

// List returns every registered capability, enabled or not, sorted by ID.
func (r *Registry) List() []*SystemCapability {
	return r.list(func(*SystemCapability) bool { return true })
}

// Enabled returns the enabled capabilities, sorted by ID.
func (r *Registry) Enabled() []*SystemCapability {
	return r.list(func(c *SystemCapability) bool { return c.Enabled })
}

func (r *Registry) list(keep func(*SystemCapability) bool) []*SystemCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*SystemCapability, 0, len(r.builtins))
	for _, entry := range r.builtins {
		if keep(entry.Capability) {
			out = append(out, entry.Capability)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BuiltinPackInfo contains information about a registered builtin pack for display.
type BuiltinPackInfo struct {
	ID           string
	Capabilities []*SystemCapability
}

// ListBuiltinPacks returns all registered packs, sorted by ID.
func (r *Registry) ListBuiltinPacks() []BuiltinPackInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byPack := make(map[string][]*SystemCapability)
	for _, entry := range r.builtins {
		byPack[entry.PackID] = append(byPack[entry.PackID], entry.Capability)
	}

	result := make([]BuiltinPackInfo, 0, len(byPack))
	for packID, caps := range byPack {
		sort.Slice(caps, func(i, j int) bool { return caps[i].ID < caps[j].ID })
		result = append(result, BuiltinPackInfo{ID: packID, Capabilities: caps})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
