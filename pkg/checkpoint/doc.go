// Package checkpoint persists the paused position of a multi-step workflow,
// keyed by a deterministic id derived from the parent session. Backends are
// in-memory, SQLite (mattn/go-sqlite3) and Redis (go-redis).
package checkpoint
