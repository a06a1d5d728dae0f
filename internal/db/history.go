package db

import (
	"context"
	"database/sql"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
)

// =====================================================
// Sync History Operations
// =====================================================

// AppendHistory inserts an item and trims the log to the retention bound
// in the same transaction, evicting the oldest items first.
func (s *Store) AppendHistory(ctx context.Context, item *models.SyncHistoryItem) error {
	if item.ID == "" {
		return errors.New(errors.ErrInvalid, "history item has no id")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_history (id, operation, status, timestamp, item_id, item_title, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.Operation, string(item.Status), item.Timestamp,
			item.ItemID, item.ItemTitle, item.Error, item.DurationMs)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to append history", err)
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM sync_history WHERE seq NOT IN (
				SELECT seq FROM sync_history ORDER BY timestamp DESC, seq DESC LIMIT ?
			)`, s.historyLimit)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to trim history", err)
		}
		return nil
	})
}

// GetHistory returns up to limit items, newest first. A non-positive limit
// returns the whole retained log.
func (s *Store) GetHistory(ctx context.Context, limit int) ([]*models.SyncHistoryItem, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	stmt, err := s.PrepareStmt(ctx, `
		SELECT id, operation, status, timestamp, item_id, item_title, error, duration_ms
		FROM sync_history ORDER BY timestamp DESC, seq DESC LIMIT ?`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read history", err)
	}
	rows, err := stmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read history", err)
	}
	defer rows.Close()

	var items []*models.SyncHistoryItem
	for rows.Next() {
		var item models.SyncHistoryItem
		var status string
		if err := rows.Scan(&item.ID, &item.Operation, &status, &item.Timestamp,
			&item.ItemID, &item.ItemTitle, &item.Error, &item.DurationMs); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan history", err)
		}
		item.Status = models.HistoryStatus(status)
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read history", err)
	}
	return items, nil
}

// ClearHistory removes every history item.
func (s *Store) ClearHistory(ctx context.Context) error {
	return s.Clear(ctx, CollectionHistory)
}
