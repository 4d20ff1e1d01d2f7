// Package packs builds and dispatches the capability set an agent works with.
//
// # Overview
//
// Capabilities come from two sources:
//
//   - System capabilities: code-defined, registered in packs at startup (see
//     internal/builtins). Adding one ships with a deploy, never a migration.
//   - Connector capabilities: the live tool catalogs of an owner's active,
//     verified connectors.
//
// # Loading
//
// Loader.LoadCapabilities returns one flat list per turn. System capabilities
// keep their IDs; connector tools are namespaced as "<connector name>: <tool>"
// so two connectors exposing the same tool never collide. Connectors are
// queried concurrently, each under its own deadline. A timeout or connection
// failure is retried exactly once after a fixed delay (3s by default); a
// connector that still fails is skipped and reported in Unavailable, and the
// rest of the set is returned as usual.
//
// # Dispatch
//
// Every Capability carries a tagged Source. Loader.Execute validates the
// arguments against the input schema, then calls the system handler or sends
// tools/call to the connector with the same retry-once policy:
//
//	caps, _ := loader.LoadCapabilities(ctx, ownerID)
//	c, _ := caps.Lookup("GitHub: list_repos")
//	result, err := loader.Execute(ctx, ownerID, c, args)
//
// Loader.Resolve finds a capability by name without querying connectors, for
// callers that hold a name but not a loaded set.
//
// # MCP
//
// ToolProvider serves the same capability set to external MCP clients through
// internal/mcp. Capabilities that need the owner's confirmation are refused
// with CONFIRMATION_REQUIRED there, since MCP offers no way to ask.
package packs
