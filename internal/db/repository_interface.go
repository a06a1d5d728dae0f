package db

import (
	"context"
	"time"

	"github.com/kimhsiao/tasksync/internal/models"
)

// RecordStore defines operations for record persistence.
type RecordStore interface {
	// GetAll returns every record of a table.
	GetAll(ctx context.Context, table models.Table) ([]*models.Record, error)

	// Get returns a record or a NOT_FOUND error.
	Get(ctx context.Context, table models.Table, id models.RecordID) (*models.Record, error)

	// Put upserts a record by id.
	Put(ctx context.Context, rec *models.Record) error

	// Delete removes a record.
	Delete(ctx context.Context, table models.Table, id models.RecordID) error

	// ReplaceAll makes recs the canonical content of table.
	ReplaceAll(ctx context.Context, table models.Table, recs []*models.Record) error

	// Reconcile replaces table with fn's result in the transaction that
	// read the local records and pending deletes.
	Reconcile(ctx context.Context, table models.Table, fn ReconcileFunc) error
}

// QueueStore defines operations for sync queue persistence.
type QueueStore interface {
	Enqueue(ctx context.Context, entry *models.SyncQueueEntry) error
	PendingQueueEntries(ctx context.Context) ([]*models.SyncQueueEntry, error)
	MarkCompleted(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string, lastErr string) error
	MarkDeadLetter(ctx context.Context, id string, limit int, reason string) error
	ResetRetries(ctx context.Context, minRetries int) (int64, error)
	DeleteQueueEntriesFor(ctx context.Context, table models.Table, id models.RecordID) (int64, error)
	QueueStats(ctx context.Context, maxRetries int) (QueueStats, error)
}

// HistoryStore defines operations for the bounded sync history log.
type HistoryStore interface {
	AppendHistory(ctx context.Context, item *models.SyncHistoryItem) error
	GetHistory(ctx context.Context, limit int) ([]*models.SyncHistoryItem, error)
	ClearHistory(ctx context.Context) error
}

// MetadataStore defines operations for scalar settings.
type MetadataStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	GetLastSync(ctx context.Context) (time.Time, error)
	SetLastSync(ctx context.Context, t time.Time) error
}

// LocalStore combines everything the sync engine needs, including the
// atomic compound writes used by the offline write path.
type LocalStore interface {
	RecordStore
	QueueStore
	HistoryStore
	MetadataStore

	SaveWithEntry(ctx context.Context, rec *models.Record, entry *models.SyncQueueEntry) error
	DeleteWithEntry(ctx context.Context, table models.Table, id models.RecordID, entry *models.SyncQueueEntry) error
	DiscardLocal(ctx context.Context, table models.Table, id models.RecordID) (int64, error)
	ApplyCreate(ctx context.Context, entryID string, tempID models.RecordID, server *models.Record) (int64, error)
	Clear(ctx context.Context, c Collection) error
	ClearAll(ctx context.Context) error
}

// Ensure *Store implements the interfaces at compile time.
var (
	_ RecordStore   = (*Store)(nil)
	_ QueueStore    = (*Store)(nil)
	_ HistoryStore  = (*Store)(nil)
	_ MetadataStore = (*Store)(nil)
	_ LocalStore    = (*Store)(nil)
)
