// Package store provides the key-value storage layer shared by the gateway's
// registry, caches, token authority and print job store.
//
// # Architecture
//
// Callers depend on the Store interface only. The data model is the one a
// Redis deployment would use:
//
//   - Hash records: service drafts, published services, tokens, user indexes
//   - Strings with TTL: cache entries and print jobs
//   - Sets: per-user token indexes
//
// Multi-key updates that must not be observed half-applied (publish,
// unpublish, token revocation, print job deletion) go through Batch.
//
// # Implementations
//
//   - RedisStore: go-redis client; Batch is a MULTI/EXEC pipeline
//   - SQLiteStore: single-node deployments; Batch is a SQL transaction
//   - MockStore: in-memory, for unit tests
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Expired keys are hidden from reads immediately and removed by
// SweepExpired, which RunSweeper calls on an interval.
//
// # Error Handling
//
// Missing strings and hash fields return ErrNotFound. HGetAll on a missing
// key returns an empty map, SMembers an empty slice.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	s := store.NewMockStore()
//	s.SetClock(clock.Now)
//
// Use NewSQLiteStore(t.TempDir()+"/kv.db") for integration tests with real SQLite.
package store
