// Package auth provides authentication for coven-connect.
//
// # JWT Tokens
//
// Every API and MCP request carries an HS256 JWT signed with the configured
// auth.jwt_secret (at least 32 bytes). The "sub" claim is the owner ID that
// scopes connectors, sessions, and OAuth states; tokens must carry the
// "coven-connect" issuer and an expiry.
//
// Mint a token for local use:
//
//	coven-connect token --owner alice --ttl 24h
//
// # HTTP Middleware
//
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(apiHandler))
//
// Handlers read the owner with auth.OwnerID(r.Context()).
package auth
