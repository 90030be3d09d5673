// Package storage provides the report.Store backends.
//
// Drivers:
//   - "memory": process-local map (tests, dry runs)
//   - "file": JSON Lines journal + gzip snapshot
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "postgres": PostgreSQL via pgx connection pool
package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// ErrDuplicateID is returned by Create when the id is already taken.
var ErrDuplicateID = errors.New("report id already exists")

// Config configures storage.
type Config struct {
	Driver string
	// Path is the file prefix (file driver) or database file (sqlite).
	Path string
	// DSN is the postgres connection string.
	DSN string

	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres pool size; 0 means pgx default

	// CompactEvery folds the file journal into the snapshot after this many
	// writes. 0 means 500.
	CompactEvery int
}
