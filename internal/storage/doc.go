// Package storage persists jobs and their outcomes.
//
// Drivers:
//   - "file": JSON snapshot + append-only journal, no external database
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL through the pgx database/sql driver
//
// All drivers implement Store and report missing rows as ErrNotFound and duplicate
// job names as ErrConflict.
package storage
