// Package queue manages the durable sync queue: enqueueing offline
// mutations, retry accounting and dead-letter handling.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/tasksync/internal/db"
	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/uuid"
)

// DefaultMaxRetries is the number of failed attempts after which an entry
// becomes a dead letter.
const DefaultMaxRetries = 3

// EntryStatus is the derived state of a queued entry.
type EntryStatus string

const (
	StatusPending    EntryStatus = "pending"
	StatusDeadLetter EntryStatus = "dead_letter"
)

// Store is the persistence the manager needs.
type Store interface {
	db.QueueStore
	Clear(ctx context.Context, c db.Collection) error
}

// Manager wraps the queue collection of the local store with retry policy.
type Manager struct {
	store      Store
	maxRetries int
	maxSize    int
	now        func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxRetries sets the retry cap.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// WithMaxSize bounds the number of unsynced entries. Zero means unbounded.
func WithMaxSize(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxSize = n
		}
	}
}

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxRetries returns the retry cap.
func (m *Manager) MaxRetries() int {
	return m.maxRetries
}

// NewEntry builds an entry for op on the record id. The entry id is unique
// per enqueue event.
func (m *Manager) NewEntry(op models.Operation, table models.Table, id models.RecordID, data models.Fields) *models.SyncQueueEntry {
	var snapshot models.Fields
	if data != nil {
		snapshot = data.Clone()
	}
	return &models.SyncQueueEntry{
		ID:        uuid.Derived(string(table), string(op)),
		Operation: op,
		Table:     table,
		RecordID:  id,
		Data:      snapshot,
		Timestamp: m.now().UnixMilli(),
	}
}

// CheckCapacity reports an error when the queue cannot take another entry.
func (m *Manager) CheckCapacity(ctx context.Context) error {
	if m.maxSize == 0 {
		return nil
	}
	stats, err := m.store.QueueStats(ctx, m.maxRetries)
	if err != nil {
		return err
	}
	if stats.Total >= m.maxSize {
		return errors.Newf(errors.ErrInvalid, "queue is full (max size: %d)", m.maxSize)
	}
	return nil
}

// Enqueue persists entry after a capacity check.
func (m *Manager) Enqueue(ctx context.Context, entry *models.SyncQueueEntry) error {
	if err := m.CheckCapacity(ctx); err != nil {
		return err
	}
	if err := m.store.Enqueue(ctx, entry); err != nil {
		return err
	}

	logging.Debug("Enqueued sync entry", map[string]interface{}{
		"entry_id":  entry.ID,
		"operation": string(entry.Operation),
		"table":     string(entry.Table),
		"record_id": entry.RecordID.String(),
	})
	return nil
}

// Pending returns every unsynced entry in enqueue order, dead letters
// included.
func (m *Manager) Pending(ctx context.Context) ([]*models.SyncQueueEntry, error) {
	return m.store.PendingQueueEntries(ctx)
}

// DeadLetters returns entries that exhausted their retry budget.
func (m *Manager) DeadLetters(ctx context.Context) ([]*models.SyncQueueEntry, error) {
	entries, err := m.store.PendingQueueEntries(ctx)
	if err != nil {
		return nil, err
	}
	var dead []*models.SyncQueueEntry
	for _, e := range entries {
		if m.IsDeadLetter(e) {
			dead = append(dead, e)
		}
	}
	return dead, nil
}

// IsDeadLetter reports whether an entry is excluded from automatic retries.
func (m *Manager) IsDeadLetter(e *models.SyncQueueEntry) bool {
	return e.RetryCount >= m.maxRetries
}

// StatusOf returns the derived status of an entry.
func (m *Manager) StatusOf(e *models.SyncQueueEntry) EntryStatus {
	if m.IsDeadLetter(e) {
		return StatusDeadLetter
	}
	return StatusPending
}

// Complete removes an entry confirmed by the server.
func (m *Manager) Complete(ctx context.Context, id string) error {
	if err := m.store.MarkCompleted(ctx, id); err != nil {
		return err
	}
	logging.Debug("Completed sync entry", map[string]interface{}{"entry_id": id})
	return nil
}

// Failed records a failed attempt. A permanent failure dead-letters the
// entry at once; otherwise its retry count grows by one. It reports
// whether the entry is now a dead letter.
func (m *Manager) Failed(ctx context.Context, e *models.SyncQueueEntry, cause error, permanent bool) (bool, error) {
	msg := cause.Error()
	if permanent {
		if err := m.store.MarkDeadLetter(ctx, e.ID, m.maxRetries, msg); err != nil {
			return false, err
		}
		if e.RetryCount < m.maxRetries {
			e.RetryCount = m.maxRetries
		}
		e.LastError = msg
		logging.Warn("Sync entry rejected permanently", map[string]interface{}{
			"entry_id": e.ID,
			"error":    msg,
		})
		return true, nil
	}

	if err := m.store.IncrementRetry(ctx, e.ID, msg); err != nil {
		return false, err
	}
	e.RetryCount++
	e.LastError = msg

	dead := m.IsDeadLetter(e)
	logging.Warn("Sync entry failed", map[string]interface{}{
		"entry_id":    e.ID,
		"retry_count": e.RetryCount,
		"max_retries": m.maxRetries,
		"dead_letter": dead,
		"error":       msg,
	})
	return dead, nil
}

// DeadLetter excludes an entry from automatic retries with a reason.
func (m *Manager) DeadLetter(ctx context.Context, e *models.SyncQueueEntry, reason string) error {
	if err := m.store.MarkDeadLetter(ctx, e.ID, m.maxRetries, reason); err != nil {
		return err
	}
	if e.RetryCount < m.maxRetries {
		e.RetryCount = m.maxRetries
	}
	e.LastError = reason
	return nil
}

// RetryAll gives every dead letter a fresh retry budget.
func (m *Manager) RetryAll(ctx context.Context) (int64, error) {
	n, err := m.store.ResetRetries(ctx, m.maxRetries)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Reset dead-letter entries for retry", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Remove drops one entry without applying it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.store.MarkCompleted(ctx, id)
}

// DropFor removes every entry for a record.
func (m *Manager) DropFor(ctx context.Context, table models.Table, id models.RecordID) (int64, error) {
	return m.store.DeleteQueueEntriesFor(ctx, table, id)
}

// Clear removes all entries.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.Clear(ctx, db.CollectionQueue); err != nil {
		return err
	}
	logging.Info("Sync queue cleared")
	return nil
}

// Stats returns queue statistics.
func (m *Manager) Stats(ctx context.Context) (db.QueueStats, error) {
	return m.store.QueueStats(ctx, m.maxRetries)
}

// Describe renders an entry for operator listings.
func (m *Manager) Describe(e *models.SyncQueueEntry) string {
	return fmt.Sprintf("%s %s %s/%s retries=%d/%d %s",
		e.ID, m.StatusOf(e), e.Table, e.RecordID, e.RetryCount, m.maxRetries, e.Operation)
}
