// Package gateway wires the coven-connect components into one HTTP server.
//
// # Overview
//
// The Gateway owns the SQLite store, the credential vault, the connector
// registry and OAuth manager, the capability loader, the confirmation gate,
// and the conversation service. It serves them over HTTP on a TCP address
// or, when enabled, on a tailnet node through tsnet.
//
// # HTTP API
//
// All /api routes require a bearer JWT naming the owner:
//
//   - GET/POST /api/connectors - List or register connectors
//   - GET/PATCH/DELETE /api/connectors/{id} - Read, rename, or delete one
//   - POST /api/connectors/{id}/toggle - Flip or set the active flag
//   - POST /api/connectors/{id}/verify - Re-probe and refresh the catalog
//   - POST /api/connectors/test - Probe an endpoint without saving it
//   - GET /api/oauth/providers - Configured OAuth providers
//   - GET /api/oauth/{provider}/start - Begin an authorization flow
//   - GET /api/capabilities - The owner's current capability set
//   - GET /api/system-capabilities - Built-in packs
//   - POST /api/chat - Run a chat turn
//   - GET /api/sessions/{id} - Session history and pending action
//   - GET /api/sessions/{id}/events - Live turn events (SSE)
//
// The OAuth callback, GET /api/oauth/{provider}/callback, is reached by the
// provider's redirect and is authenticated by its one-time state instead.
// /mcp serves the capability set to external MCP clients. /health,
// /health/ready, and the metrics path are unauthenticated.
//
// # Errors
//
// Coded failures are returned as {"code": ..., "message": ...}. Messages are
// written for users and never carry credentials or internal detail; anything
// without a code becomes a generic 500 and is logged.
//
// # SSE Streaming
//
// A chat request sent with Accept: text/event-stream receives its turn
// events as server-sent events:
//
//	event: confirmation_required
//	data: {"type":"confirmation_required","capability":"billing_create_bill",...}
//
//	event: done
//	data: {"type":"done","session_id":"..."}
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled, then shuts down
//
// Run also drives the background sweeper that expires pending actions,
// purges OAuth states, and prunes idle MCP sessions.
package gateway
