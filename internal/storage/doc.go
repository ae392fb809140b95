// Package storage persists the four record families owned by the minion
// engine: configs, states, alerts and logs.
//
// Drivers:
//   - "memory": process-local maps, no durability (tests, dry runs)
//   - "file":   snapshot + append-only journal, dependency-free
//   - "sqlite": SQLite database file via modernc.org/sqlite
//
// The engine treats the store as a crash-safe cache: in-memory state is
// authoritative during a session, persistence is awaited before lifecycle
// operations report success.
package storage
