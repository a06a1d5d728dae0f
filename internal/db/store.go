package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
)

// DefaultHistoryLimit is the number of sync history items retained.
const DefaultHistoryLimit = 50

// Collection names one of the logical collections a Store can clear.
type Collection string

const (
	CollectionTodos    Collection = Collection(models.TableTodos)
	CollectionLists    Collection = Collection(models.TableLists)
	CollectionRecords  Collection = "records"
	CollectionQueue    Collection = "sync_queue"
	CollectionMetadata Collection = "metadata"
	CollectionHistory  Collection = "sync_history"
)

// Store persists records, queue entries, metadata and history.
// Every multi-statement operation runs in a single transaction.
type Store struct {
	db           *sql.DB
	historyLimit int

	// Prepared statement cache, keyed by query text.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithHistoryLimit overrides the number of retained history items.
func WithHistoryLimit(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// NewStore creates a Store on an already migrated database.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, historyLimit: DefaultHistoryLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HistoryLimit returns the history retention bound.
func (s *Store) HistoryLimit() int {
	return s.historyLimit
}

// PrepareStmt gets or creates a prepared statement from cache.
func (s *Store) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// withTx runs fn inside a transaction, committing only if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

// =====================================================
// Record Operations
// =====================================================

const recordColumns = `table_name, id_space, id, data, last_modified, offline`

// GetAll returns every record of a table, server ids first.
func (s *Store) GetAll(ctx context.Context, table models.Table) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE table_name = ?
		ORDER BY id_space = 'local', id`
	stmt, err := s.PrepareStmt(ctx, query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list records", err)
	}

	rows, err := stmt.QueryContext(ctx, string(table))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list records", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list records", err)
	}
	return records, nil
}

// Get returns one record, or a NOT_FOUND error.
func (s *Store) Get(ctx context.Context, table models.Table, id models.RecordID) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records
		WHERE table_name = ? AND id_space = ? AND id = ?`
	stmt, err := s.PrepareStmt(ctx, query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to get record", err)
	}

	rec, err := scanRecord(stmt.QueryRowContext(ctx, string(table), string(id.Space), id.Value))
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "%s record %s not found", table, id)
	}
	return rec, err
}

// Put upserts a record by table and id.
func (s *Store) Put(ctx context.Context, rec *models.Record) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putRecord(ctx, tx, rec)
	})
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, table models.Table, id models.RecordID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE table_name = ? AND id_space = ? AND id = ?`,
		string(table), string(id.Space), id.Value)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to delete record", err)
	}
	return nil
}

// ReplaceAll swaps the whole content of a table for recs in one transaction.
func (s *Store) ReplaceAll(ctx context.Context, table models.Table, recs []*models.Record) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return replaceTable(ctx, tx, table, recs)
	})
}

// ReconcileFunc computes the new content of a table from its local records
// and the server ids still queued for deletion.
type ReconcileFunc func(local []*models.Record, pendingDeletes map[models.RecordID]bool) ([]*models.Record, error)

// Reconcile reads a table and its pending deletes, applies fn and stores the
// result in one transaction, so no offline write can land between the read
// and the replace.
func (s *Store) Reconcile(ctx context.Context, table models.Table, fn ReconcileFunc) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		local, err := queryRecords(ctx, tx, table)
		if err != nil {
			return err
		}
		deletes, err := queryPendingDeletes(ctx, tx, table)
		if err != nil {
			return err
		}
		merged, err := fn(local, deletes)
		if err != nil {
			return err
		}
		return replaceTable(ctx, tx, table, merged)
	})
}

// SaveWithEntry persists a record and its queue entry atomically.
func (s *Store) SaveWithEntry(ctx context.Context, rec *models.Record, entry *models.SyncQueueEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := putRecord(ctx, tx, rec); err != nil {
			return err
		}
		return insertEntry(ctx, tx, entry)
	})
}

// DeleteWithEntry removes a record and enqueues its delete atomically.
func (s *Store) DeleteWithEntry(ctx context.Context, table models.Table, id models.RecordID, entry *models.SyncQueueEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteRecord(ctx, tx, table, id); err != nil {
			return err
		}
		return insertEntry(ctx, tx, entry)
	})
}

// DiscardLocal removes a never-synced record together with every queued
// entry that references it, returning the number of entries dropped.
func (s *Store) DiscardLocal(ctx context.Context, table models.Table, id models.RecordID) (int64, error) {
	var dropped int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := deleteRecord(ctx, tx, table, id); err != nil {
			return err
		}
		n, err := deleteEntriesFor(ctx, tx, table, id)
		dropped = n
		return err
	})
	return dropped, err
}

// ApplyCreate commits a confirmed server create in one transaction: the
// temporary record is replaced by the server record, later queue entries
// for the temporary id are rewritten to the server id, and the create entry
// is removed. When such entries remain, the local field values are carried
// onto the server record and it stays marked offline so the pending updates
// are not visually undone. It returns the number of rewritten entries.
func (s *Store) ApplyCreate(ctx context.Context, entryID string, tempID models.RecordID, server *models.Record) (int64, error) {
	var remapped int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		local, err := scanRecord(tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM records WHERE table_name = ? AND id_space = ? AND id = ?`,
			string(server.Table), string(tempID.Space), tempID.Value))
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == sql.ErrNoRows {
			local = nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE sync_queue SET record_space = ?, record_id = ?
			WHERE table_name = ? AND record_space = ? AND record_id = ? AND id != ?`,
			string(server.ID.Space), server.ID.Value,
			string(server.Table), string(tempID.Space), tempID.Value, entryID)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to remap queue entries", err)
		}
		remapped, _ = res.RowsAffected()

		if err := deleteRecord(ctx, tx, server.Table, tempID); err != nil {
			return err
		}

		final := server.Clone()
		final.Offline = false
		if remapped > 0 && local != nil {
			final.Fields = server.Fields.Merge(local.Fields)
			final.LastModified = local.LastModified
			final.Offline = true
		}
		if err := putRecord(ctx, tx, final); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, entryID); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to remove create entry", err)
		}
		return nil
	})
	return remapped, err
}

// Clear empties one collection.
func (s *Store) Clear(ctx context.Context, c Collection) error {
	var query string
	var args []interface{}
	switch c {
	case CollectionTodos, CollectionLists:
		query, args = `DELETE FROM records WHERE table_name = ?`, []interface{}{string(c)}
	case CollectionRecords:
		query = `DELETE FROM records`
	case CollectionQueue:
		query = `DELETE FROM sync_queue`
	case CollectionMetadata:
		query = `DELETE FROM metadata`
	case CollectionHistory:
		query = `DELETE FROM sync_history`
	default:
		return errors.Newf(errors.ErrInvalid, "unknown collection %q", c)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("failed to clear %s", c), err)
	}
	return nil
}

// ClearAll wipes every collection in one transaction.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"records", "sync_queue", "metadata", "sync_history"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return errors.Wrap(errors.ErrDatabase, "failed to clear "+table, err)
			}
		}
		return nil
	})
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		table, space string
		value        int64
		data         string
		rec          models.Record
	)
	if err := row.Scan(&table, &space, &value, &data, &rec.LastModified, &rec.Offline); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrDatabase, "failed to scan record", err)
	}
	rec.Table = models.Table(table)
	rec.ID = models.RecordID{Space: models.IDSpace(space), Value: value}
	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to decode record data", err)
	}
	if rec.Fields == nil {
		rec.Fields = models.Fields{}
	}
	return &rec, nil
}

func queryRecords(ctx context.Context, tx *sql.Tx, table models.Table) ([]*models.Record, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+recordColumns+` FROM records WHERE table_name = ?
		ORDER BY id_space = 'local', id`, string(table))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list records", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list records", err)
	}
	return records, nil
}

func queryPendingDeletes(ctx context.Context, tx *sql.Tx, table models.Table) (map[models.RecordID]bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT record_id FROM sync_queue
		WHERE synced = 0 AND operation = 'delete' AND table_name = ? AND record_space = ?`,
		string(table), string(models.SpaceServer))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list pending deletes", err)
	}
	defer rows.Close()

	deletes := make(map[models.RecordID]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan pending delete", err)
		}
		deletes[models.ServerID(id)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list pending deletes", err)
	}
	return deletes, nil
}

func replaceTable(ctx context.Context, tx *sql.Tx, table models.Table, recs []*models.Record) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE table_name = ?`, string(table)); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to clear table", err)
	}
	for _, rec := range recs {
		if rec.Table != table {
			return errors.Newf(errors.ErrInvalid, "record %s belongs to %s, not %s", rec.ID, rec.Table, table)
		}
		if err := putRecord(ctx, tx, rec); err != nil {
			return err
		}
	}
	return nil
}

func putRecord(ctx context.Context, tx *sql.Tx, rec *models.Record) error {
	if rec.ID.IsZero() {
		return errors.New(errors.ErrInvalid, "record has no id")
	}
	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to encode record data", err)
	}
	if rec.Fields == nil {
		data = []byte("{}")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, id_space, id) DO UPDATE SET
			data = excluded.data,
			last_modified = excluded.last_modified,
			offline = excluded.offline`,
		string(rec.Table), string(rec.ID.Space), rec.ID.Value, string(data), rec.LastModified, rec.Offline)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to save record", err)
	}
	return nil
}

func deleteRecord(ctx context.Context, tx *sql.Tx, table models.Table, id models.RecordID) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE table_name = ? AND id_space = ? AND id = ?`,
		string(table), string(id.Space), id.Value)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to delete record", err)
	}
	return nil
}
