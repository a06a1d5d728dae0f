package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/tasksync/internal/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// migrationFile is an up migration discovered in the source filesystem.
type migrationFile struct {
	version int
	name    string
}

// Migrator handles database schema migrations.
type Migrator struct {
	db     *sql.DB
	source fs.FS
}

// NewMigrator creates a new Migrator reading V<n>__<name>.up.sql files
// from source.
func NewMigrator(db *sql.DB, source fs.FS) *Migrator {
	return &Migrator{
		db:     db,
		source: source,
	}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// Up applies all pending migrations in version order. An applied migration
// whose file content changed is reported instead of silently skipped.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedChecksums := make(map[int]string, len(applied))
	for _, mig := range applied {
		appliedChecksums[mig.Version] = mig.Checksum
	}

	files, err := m.listMigrations()
	if err != nil {
		return err
	}

	for _, mig := range files {
		content, err := fs.ReadFile(m.source, mig.name)
		if err != nil {
			return fmt.Errorf("failed to read migration file: %w", err)
		}

		if sum, ok := appliedChecksums[mig.version]; ok {
			if sum != checksum(content) {
				return errors.Newf(errors.ErrMigration, "migration V%d was modified after it was applied", mig.version)
			}
			continue
		}

		if err := m.applyMigration(mig.version, mig.name, content); err != nil {
			return errors.Wrap(errors.ErrMigration, fmt.Sprintf("failed to apply migration V%d", mig.version), err)
		}
	}

	return nil
}

// listMigrations returns the up migrations sorted by version.
func (m *Migrator) listMigrations() ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		// V1__initial_schema.up.sql
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(name, ".up.sql"), "__")
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(strings.TrimPrefix(parts[0], "V"))
		if err != nil {
			continue
		}
		migrations = append(migrations, migrationFile{version: version, name: name})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

// applyMigration applies a single migration inside a transaction.
func (m *Migrator) applyMigration(version int, filename string, content []byte) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	description := strings.TrimSuffix(filename, ".up.sql")
	description = strings.TrimPrefix(description, fmt.Sprintf("V%d__", version))
	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, version, time.Now().Unix(), description, checksum(content)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Down rolls back the last migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	matches, err := fs.Glob(m.source, fmt.Sprintf("V%d__*.down.sql", current))
	if err != nil {
		return fmt.Errorf("failed to search for rollback migration: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("no rollback migration found for version %d", current)
	}

	content, err := fs.ReadFile(m.source, matches[0])
	if err != nil {
		return fmt.Errorf("failed to read rollback migration: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
