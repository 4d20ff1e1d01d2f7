// Package store provides persistent storage for coven-connect using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with one interface
// per concern:
//
//   - ConnectorStore: User-registered tool servers, scoped by owner
//   - SessionStore: Conversation turn windows and pending confirmations
//   - OAuthStateStore: One-time anti-CSRF states for authorization redirects
//   - RecordStore: Owner-scoped JSON records behind the system capabilities
//
// SQLiteStore implements all interfaces in a single struct. RedisOAuthStateStore
// is an alternative OAuthStateStore for deployments running several gateways.
//
// # Invariants
//
// The active connector limit is enforced inside the INSERT or UPDATE statement
// itself, so two concurrent creates cannot both pass a count check.
//
// ConsumeOAuthState deletes and returns the state in one statement
// (DELETE ... RETURNING, or GETDEL on Redis). A state can be consumed once.
//
// Raw OAuth state values never hit disk; rows are keyed by their SHA-256.
// Connector credentials are stored only as vault ciphertext.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a busy timeout so concurrent writers
// wait for the lock:
//
//	PRAGMA journal_mode=WAL;
//	_pragma=busy_timeout(5000)
//
// Timestamps are stored as fixed-width UTC strings so they compare correctly
// in SQL.
//
// # Error Handling
//
//   - ErrNotFound: Entity does not exist or belongs to another owner
//   - ErrLimitExceeded: Owner already has the maximum active connectors
//
// # Testing
//
// Use NewMockStore() for unit tests in other packages. Use NewSQLiteStore with
// a path under t.TempDir() for integration tests; pool connections to
// ":memory:" would each see a different database.
package store
