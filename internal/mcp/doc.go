// Package mcp speaks the Model Context Protocol in both directions.
//
// # Client
//
// Client talks JSON-RPC 2.0 over Streamable HTTP to a user-registered tool
// server. It performs the initialize handshake on first use (servers that
// answer method-not-found are used statelessly), carries Mcp-Session-Id, and
// accepts both application/json and text/event-stream replies.
//
//	c := mcp.NewClient(endpoint, mcp.WithBearerToken(token))
//	tools, err := c.ListTools(ctx)
//	out, err := c.CallTool(ctx, "list_repos", json.RawMessage(`{}`))
//
// Deadlines come from ctx. Failures are classified so callers can map them
// onto stable codes and decide on retries:
//
//   - ErrTimeout: deadline hit before a reply
//   - ErrConnection: refused, DNS failure, reset, or 502/503/504
//   - ErrUnauthorized: 401 or 403
//   - ErrInvalidResponse: reachable, but not an MCP tool server
//
// IsTransient reports the first two.
//
// # Server
//
// Server exposes an owner's capability set at POST /mcp so external agents
// can list and call the same tools the chat agent sees. Every request carries
// a bearer JWT; sessions created by initialize are bound to the token's owner.
//
//	srv, err := mcp.NewServer(mcp.Config{Tools: provider, TokenVerifier: verifier})
//	srv.RegisterRoutes(mux)
//
// Errors implementing ErrorCode() string are returned as isError tool results
// so agents see the code (for example CONFIRMATION_REQUIRED).
package mcp
