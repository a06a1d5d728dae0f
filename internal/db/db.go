// Package db provides the durable local store: records, the sync queue,
// metadata and the bounded sync history, all kept in one SQLite file.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "tasksync.db"

// DB wraps the sql.DB with tasksync-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the database inside dataDir.
// The database is opened with:
// - WAL mode so readers never block on the sync writer
// - Foreign key constraints enabled
// - A single connection, since SQLite allows one writer
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenFile(filepath.Join(dataDir, FileName))
}

// OpenFile opens the database at an explicit path.
func OpenFile(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{db}, nil
}

// Migrate applies every embedded migration that has not run yet.
func (db *DB) Migrate() error {
	m := NewMigrator(db.DB, Migrations())
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	return m.Up()
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
