package db

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/kimhsiao/tasksync/internal/errors"
)

// MetaLastSync is the metadata key holding the last completed pull,
// stored as unix milliseconds.
const MetaLastSync = "lastSync"

// GetMeta returns a metadata value and whether it was set.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(errors.ErrDatabase, "failed to read metadata", err)
	}
	return value, true, nil
}

// SetMeta upserts a metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to write metadata", err)
	}
	return nil
}

// DeleteMeta removes a metadata key.
func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to delete metadata", err)
	}
	return nil
}

// GetLastSync returns the last sync time, or the zero time if never synced.
func (s *Store) GetLastSync(ctx context.Context) (time.Time, error) {
	value, ok, err := s.GetMeta(ctx, MetaLastSync)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrap(errors.ErrDatabase, "invalid lastSync value", err)
	}
	return time.UnixMilli(ms), nil
}

// SetLastSync records the last sync time at millisecond precision.
func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	return s.SetMeta(ctx, MetaLastSync, strconv.FormatInt(t.UnixMilli(), 10))
}
