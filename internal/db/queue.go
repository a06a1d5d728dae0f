package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
)

// =====================================================
// Sync Queue Operations
// =====================================================

const entryColumns = `seq, id, operation, table_name, record_space, record_id, data,
	timestamp, retry_count, synced, last_error`

// QueueStats summarizes the sync queue.
type QueueStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	DeadLetter int `json:"dead_letter"`
}

// Enqueue appends an entry and sets its Seq.
func (s *Store) Enqueue(ctx context.Context, entry *models.SyncQueueEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertEntry(ctx, tx, entry)
	})
}

// PendingQueueEntries returns unsynced entries in enqueue order, including
// those that exhausted their retry budget.
func (s *Store) PendingQueueEntries(ctx context.Context) ([]*models.SyncQueueEntry, error) {
	stmt, err := s.PrepareStmt(ctx, `SELECT `+entryColumns+` FROM sync_queue WHERE synced = 0 ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list queue", err)
	}
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list queue", err)
	}
	defer rows.Close()

	var entries []*models.SyncQueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list queue", err)
	}
	return entries, nil
}

// GetQueueEntry returns one entry, or a NOT_FOUND error.
func (s *Store) GetQueueEntry(ctx context.Context, id string) (*models.SyncQueueEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM sync_queue WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "queue entry %s not found", id)
	}
	return entry, err
}

// MarkCompleted deletes a successfully applied entry.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to complete queue entry", err)
	}
	return nil
}

// IncrementRetry records one failed attempt.
func (s *Store) IncrementRetry(ctx context.Context, id string, lastErr string) error {
	return s.updateEntry(ctx, `UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`, lastErr, id)
}

// MarkDeadLetter raises an entry's retry count to limit so it is no longer
// retried automatically. Entries already past limit are left as they are.
func (s *Store) MarkDeadLetter(ctx context.Context, id string, limit int, reason string) error {
	return s.updateEntry(ctx, `UPDATE sync_queue SET retry_count = MAX(retry_count, ?), last_error = ? WHERE id = ?`, limit, reason, id)
}

func (s *Store) updateEntry(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to update queue entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrNotFound, "queue entry %s not found", args[len(args)-1])
	}
	return nil
}

// ResetRetries gives entries with at least minRetries failed attempts a
// fresh retry budget and returns how many were reset.
func (s *Store) ResetRetries(ctx context.Context, minRetries int) (int64, error) {
	if minRetries < 1 {
		minRetries = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET retry_count = 0, last_error = '' WHERE synced = 0 AND retry_count >= ?`, minRetries)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to reset retries", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteQueueEntriesFor removes every entry referencing a record.
func (s *Store) DeleteQueueEntriesFor(ctx context.Context, table models.Table, id models.RecordID) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = deleteEntriesFor(ctx, tx, table, id)
		return err
	})
	return n, err
}

// QueueStats counts entries; those at or above maxRetries are dead letters.
func (s *Store) QueueStats(ctx context.Context, maxRetries int) (QueueStats, error) {
	var stats QueueStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN retry_count < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN retry_count >= ? THEN 1 ELSE 0 END), 0)
		FROM sync_queue WHERE synced = 0`, maxRetries, maxRetries).
		Scan(&stats.Total, &stats.Pending, &stats.DeadLetter)
	if err != nil {
		return stats, errors.Wrap(errors.ErrDatabase, "failed to count queue", err)
	}
	return stats, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, entry *models.SyncQueueEntry) error {
	if entry.ID == "" {
		return errors.New(errors.ErrInvalid, "queue entry has no id")
	}
	var data interface{}
	if entry.Data != nil {
		raw, err := json.Marshal(entry.Data)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "failed to encode queue entry data", err)
		}
		data = string(raw)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (id, operation, table_name, record_space, record_id, data,
			timestamp, retry_count, synced, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Operation), string(entry.Table),
		string(entry.RecordID.Space), entry.RecordID.Value, data,
		entry.Timestamp, entry.RetryCount, entry.Synced, entry.LastError)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to enqueue entry", err)
	}
	entry.Seq, _ = res.LastInsertId()
	return nil
}

func deleteEntriesFor(ctx context.Context, tx *sql.Tx, table models.Table, id models.RecordID) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE table_name = ? AND record_space = ? AND record_id = ?`,
		string(table), string(id.Space), id.Value)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to drop queue entries", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanEntry(row rowScanner) (*models.SyncQueueEntry, error) {
	var (
		entry            models.SyncQueueEntry
		op, table, space string
		data             sql.NullString
	)
	err := row.Scan(&entry.Seq, &entry.ID, &op, &table, &space, &entry.RecordID.Value, &data,
		&entry.Timestamp, &entry.RetryCount, &entry.Synced, &entry.LastError)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrDatabase, "failed to scan queue entry", err)
	}
	entry.Operation = models.Operation(op)
	entry.Table = models.Table(table)
	entry.RecordID.Space = models.IDSpace(space)
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &entry.Data); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to decode queue entry data", err)
		}
	}
	return &entry, nil
}
