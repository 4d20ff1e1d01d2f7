// Package connector manages user-registered tool servers.
//
// A connector is an owner's registration of an external MCP tool server. The
// package validates endpoints before anything is stored, keeps credentials
// encrypted with the vault, enforces the per-owner active connector cap, and
// runs the OAuth authorization code flow for servers that need it.
//
// # Validation
//
// Validator.Validate probes an endpoint with tools/list under a hard deadline
// (10s by default) and classifies the outcome:
//
//	INVALID_URL        endpoint is not an absolute http(s) URL with a host
//	INVALID_INPUT      auth mode is not none, oauth, or api_key
//	TIMEOUT            no reply before the deadline
//	CONNECTION_FAILED  refused, DNS failure, reset, or 502/503/504
//	AUTH_FAILED        401/403, or missing credentials for the auth mode
//	INVALID_SERVER     replied, but not as an MCP tool server
//
// A server with no tools validates successfully with a warning.
//
// # OAuth
//
// OAuthManager.Initiate stores a one-time state bound to the owner and returns
// the provider's authorization URL. HandleCallback consumes the state before
// doing anything else, so a replayed or expired state fails with INVALID_STATE
// and no connector is created.
//
// # Errors
//
// Failures meant for users are *Error values carrying a stable Code and a
// message with no secrets or raw internals. CodeOf recovers the code from
// wrapped errors, including store, vault, and MCP client sentinels.
package connector
