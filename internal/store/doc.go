// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Message: A single conversation turn (user, assistant, or tool result),
//     kept for model context building and the history API
//   - Memory: A long-lived fact the agent chose to remember, scoped to a
//     conversation or global
//   - Job: A durable scheduled action (reminder or agent wake), fired by the
//     scheduler and survived across restarts
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// A bounded LRU cache keeps the recent message tail per conversation so the
// agent loop's context builds skip the database on the hot path.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateID: Insert with an ID that already exists
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	store := store.NewMockStore()
//
// Use NewSQLiteStore with a t.TempDir() path for integration tests with
// real SQLite.
package store
