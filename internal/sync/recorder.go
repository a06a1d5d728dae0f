package sync

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/tasksync/internal/db"
	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
)

// IDMinter hands out local record ids from a millisecond clock, bumping
// past the last id when two calls land in the same tick.
type IDMinter struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewIDMinter creates a minter over now; nil means time.Now.
func NewIDMinter(now func() time.Time) *IDMinter {
	if now == nil {
		now = time.Now
	}
	return &IDMinter{now: now}
}

// Next returns a local id never returned before by this minter.
func (m *IDMinter) Next() models.RecordID {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.now().UnixMilli()
	if v <= m.last {
		v = m.last + 1
	}
	m.last = v
	return models.LocalID(v)
}

// Recorder is the offline write path. Each mutation is written to the local
// store together with its queue entry and never waits for the network.
type Recorder struct {
	store db.LocalStore
	queue *queue.Manager
	ids   *IDMinter
	now   func() time.Time

	mu      sync.RWMutex
	trigger SyncTrigger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderClock overrides the clock for ids and LastModified.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTrigger sets the opportunistic sync trigger.
func WithTrigger(t SyncTrigger) RecorderOption {
	return func(r *Recorder) {
		r.trigger = t
	}
}

// NewRecorder creates a Recorder writing through q into store.
func NewRecorder(store db.LocalStore, q *queue.Manager, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, queue: q, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.ids = NewIDMinter(r.now)
	return r
}

// SetTrigger replaces the opportunistic sync trigger.
func (r *Recorder) SetTrigger(t SyncTrigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trigger = t
}

func (r *Recorder) requestSync() {
	r.mu.RLock()
	t := r.trigger
	r.mu.RUnlock()
	if t != nil {
		t.RequestSync()
	}
}

// CreateOffline stores a new record under a fresh local id and queues its
// create with the full snapshot.
func (r *Recorder) CreateOffline(ctx context.Context, table models.Table, fields models.Fields) (*models.Record, error) {
	if _, err := models.ParseTable(string(table)); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "cannot create record", err)
	}
	if err := r.queue.CheckCapacity(ctx); err != nil {
		return nil, err
	}

	data := fields.Clone()
	if table == models.TableTodos {
		data = models.NewTaskFields(fields)
	}

	rec := &models.Record{
		ID:           r.ids.Next(),
		Table:        table,
		Fields:       data,
		LastModified: r.now().UnixMilli(),
		Offline:      true,
	}
	entry := r.queue.NewEntry(models.OperationCreate, table, rec.ID, data)
	if err := r.store.SaveWithEntry(ctx, rec, entry); err != nil {
		return nil, err
	}

	logging.Info("Recorded offline create", map[string]interface{}{
		"table":    string(table),
		"local_id": rec.ID.String(),
	})
	r.requestSync()
	return rec, nil
}

// UpdateOffline merges partial into an existing record and queues the
// update. It returns NOT_FOUND when the record is absent.
func (r *Recorder) UpdateOffline(ctx context.Context, table models.Table, id models.RecordID, partial models.Fields) (*models.Record, error) {
	existing, err := r.store.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if err := r.queue.CheckCapacity(ctx); err != nil {
		return nil, err
	}

	rec := existing.Clone()
	rec.Fields = existing.Fields.Merge(partial)
	rec.LastModified = r.now().UnixMilli()
	rec.Offline = true

	entry := r.queue.NewEntry(models.OperationUpdate, table, id, partial)
	if err := r.store.SaveWithEntry(ctx, rec, entry); err != nil {
		return nil, err
	}

	logging.Info("Recorded offline update", map[string]interface{}{
		"table":     string(table),
		"record_id": id.String(),
	})
	r.requestSync()
	return rec, nil
}

// DeleteOffline removes the local copy and queues a delete. A record that
// never reached the server is discarded together with its queued entries.
func (r *Recorder) DeleteOffline(ctx context.Context, table models.Table, id models.RecordID) error {
	if id.IsLocal() {
		n, err := r.store.DiscardLocal(ctx, table, id)
		if err != nil {
			return err
		}
		logging.Info("Discarded unsynced local record", map[string]interface{}{
			"table":           string(table),
			"local_id":        id.String(),
			"dropped_entries": n,
		})
		return nil
	}

	if err := r.queue.CheckCapacity(ctx); err != nil {
		return err
	}
	entry := r.queue.NewEntry(models.OperationDelete, table, id, nil)
	if err := r.store.DeleteWithEntry(ctx, table, id, entry); err != nil {
		return err
	}

	logging.Info("Recorded offline delete", map[string]interface{}{
		"table":     string(table),
		"record_id": id.String(),
	})
	r.requestSync()
	return nil
}
