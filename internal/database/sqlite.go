// Package database provides the shared SQLite connection and migration
// plumbing used by internal/actionlog, internal/synclog and
// internal/objectstore. Each of those components owns its own schema
// and its own migration set under migrations/files/, but all of them
// open connections and run migrations the same way.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// OpenConnection opens and configures a SQLite database connection with
// the PRAGMAs ChronoShare relies on. path can be a file path or
// ":memory:" for an in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility).
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Every ActionLog/SyncLog/ObjectStore mutation happens on the single
	// executor goroutine (§5), but tests and the DbCache open several
	// connections concurrently for reads; WAL keeps that cheap.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Connection is a named handle around an open *sql.DB, so callers that
// juggle several databases (action log, sync log, one per object
// sub-store) can pass them around without losing track of which is
// which.
type Connection struct {
	*sql.DB
}

// Open opens and configures a SQLite database connection at path,
// returning it wrapped as a Connection.
func Open(path string) (*Connection, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &Connection{DB: db}, nil
}
