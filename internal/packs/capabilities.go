// ABOUTME: The flat, namespaced capability set an agent sees for one turn.
// ABOUTME: Each entry carries a tagged source telling the dispatcher where it runs.

package packs

import (
	"encoding/json"
	"strings"

	"github.com/2389/coven-connect/internal/store"
)

// SourceKind tags where a capability executes.
type SourceKind string

const (
	SourceSystem    SourceKind = "system"
	SourceConnector SourceKind = "connector"
)

// Source identifies the origin of a capability. For system capabilities only
// SystemID is set; for connector capabilities the connector fields are.
type Source struct {
	Kind          SourceKind `json:"kind"`
	SystemID      string     `json:"system_id,omitempty"`
	ConnectorID   string     `json:"connector_id,omitempty"`
	ConnectorName string     `json:"connector_name,omitempty"`
}

// Capability is one invocable entry in a capability set.
type Capability struct {
	// Name is unique within a set: a system ID, or "<connector>: <raw>".
	Name        string          `json:"name"`
	RawName     string          `json:"raw_name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Source      Source          `json:"source"`
	// Irreversible is set for system capabilities marked as such.
	Irreversible bool `json:"irreversible,omitempty"`

	system    *SystemCapability
	connector *store.Connector
}

// Capabilities is the result of loading an owner's capability set.
type Capabilities struct {
	Tools []*Capability `json:"tools"`
	// Unavailable names connectors skipped this turn.
	Unavailable []string `json:"unavailable,omitempty"`

	index map[string]*Capability
}

// Lookup finds a capability by its namespaced name.
func (c *Capabilities) Lookup(name string) (*Capability, bool) {
	if c == nil {
		return nil, false
	}
	capability, ok := c.index[name]
	return capability, ok
}

// ToolInfos returns the set as catalog entries.
func (c *Capabilities) ToolInfos() []store.ToolInfo {
	out := make([]store.ToolInfo, 0, len(c.Tools))
	for _, t := range c.Tools {
		out = append(out, store.ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// add appends a capability unless its name is taken. It reports whether
// the capability was added.
func (c *Capabilities) add(capability *Capability) bool {
	if c.index == nil {
		c.index = make(map[string]*Capability)
	}
	if _, dup := c.index[capability.Name]; dup {
		return false
	}
	c.index[capability.Name] = capability
	c.Tools = append(c.Tools, capability)
	return true
}

// Namespace returns the capability name for a connector's raw tool name.
func Namespace(connectorName, raw string) string {
	return connectorName + NamespaceSeparator + raw
}

func systemCapability(sc *SystemCapability) *Capability {
	return &Capability{
		Name:         sc.ID,
		RawName:      sc.ID,
		Description:  sc.Description,
		InputSchema:  sc.InputSchema,
		Source:       Source{Kind: SourceSystem, SystemID: sc.ID},
		Irreversible: sc.Irreversible,
		system:       sc,
	}
}

func connectorCapability(c *store.Connector, t store.ToolInfo) *Capability {
	return &Capability{
		Name:        Namespace(c.Name, t.Name),
		RawName:     t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
		Source:      Source{Kind: SourceConnector, ConnectorID: c.ID, ConnectorName: c.Name},
		connector:   c,
	}
}

// splitNamespace returns the raw tool name if name belongs to connectorName.
func splitNamespace(name, connectorName string) (string, bool) {
	prefix := connectorName + NamespaceSeparator
	if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
		return "", false
	}
	return name[len(prefix):], true
}
