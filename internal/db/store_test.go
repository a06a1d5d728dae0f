package db

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
)

// newTestStore opens a migrated store in a temporary directory.
func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	db, err := OpenFile(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	s := NewStore(db.DB, opts...)
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	return s
}

func todo(id models.RecordID, title string) *models.Record {
	return &models.Record{
		ID:     id,
		Table:  models.TableTodos,
		Fields: models.Fields{"title": title},
	}
}

func entry(id string, op models.Operation, rid models.RecordID) *models.SyncQueueEntry {
	return &models.SyncQueueEntry{
		ID:        id,
		Operation: op,
		Table:     models.TableTodos,
		RecordID:  rid,
		Data:      models.Fields{"title": id},
		Timestamp: time.Now().UnixMilli(),
	}
}

// =====================================================
// Record Tests
// =====================================================

// TestStore_PutGet verifies upsert and lookup by tagged id.
func TestStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, todo(models.ServerID(1), "server one")))
	require.NoError(t, s.Put(ctx, todo(models.LocalID(1), "local one")))

	got, err := s.Get(ctx, models.TableTodos, models.ServerID(1))
	require.NoError(t, err)
	assert.Equal(t, "server one", got.Title())

	got, err = s.Get(ctx, models.TableTodos, models.LocalID(1))
	require.NoError(t, err)
	assert.Equal(t, "local one", got.Title())

	updated := todo(models.ServerID(1), "renamed")
	updated.Offline = true
	updated.LastModified = 42
	require.NoError(t, s.Put(ctx, updated))

	got, err = s.Get(ctx, models.TableTodos, models.ServerID(1))
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title())
	assert.True(t, got.Offline)
	assert.Equal(t, int64(42), got.LastModified)

	all, err := s.GetAll(ctx, models.TableTodos)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, models.ServerID(1), all[0].ID)
	assert.Equal(t, models.LocalID(1), all[1].ID)
}

// TestStore_Get_notFound verifies missing records report NOT_FOUND.
func TestStore_Get_notFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), models.TableLists, models.ServerID(99))
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

// TestStore_Put_rejectsZeroID verifies records need an id.
func TestStore_Put_rejectsZeroID(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(context.Background(), todo(models.RecordID{}, "x"))
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

// TestStore_Delete verifies delete is idempotent.
func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, todo(models.ServerID(3), "x")))

	require.NoError(t, s.Delete(ctx, models.TableTodos, models.ServerID(3)))
	require.NoError(t, s.Delete(ctx, models.TableTodos, models.ServerID(3)))

	all, err := s.GetAll(ctx, models.TableTodos)
	require.NoError(t, err)
	assert.Empty(t, all)
}

// TestStore_ReplaceAll verifies a table is swapped wholesale.
func TestStore_ReplaceAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, todo(models.ServerID(1), "old")))
	require.NoError(t, s.Put(ctx, &models.Record{ID: models.ServerID(1), Table: models.TableLists, Fields: models.Fields{"name": "list"}}))

	require.NoError(t, s.ReplaceAll(ctx, models.TableTodos, []*models.Record{
		todo(models.ServerID(2), "new"),
	}))

	todos, err := s.GetAll(ctx, models.TableTodos)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, "new", todos[0].Title())

	lists, err := s.GetAll(ctx, models.TableLists)
	require.NoError(t, err)
	assert.Len(t, lists, 1, "other tables are untouched")

	err = s.ReplaceAll(ctx, models.TableTodos, []*models.Record{
		{ID: models.ServerID(5), Table: models.TableLists},
	})
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	todos, err = s.GetAll(ctx, models.TableTodos)
	require.NoError(t, err)
	assert.Len(t, todos, 1, "failed replace rolls back")
}

// TestStore_Reconcile verifies the merge sees local records and pending
// deletes, and that its result replaces the table.
func TestStore_Reconcile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, todo(models.ServerID(1), "keep")))
	require.NoError(t, s.Enqueue(ctx, entry("del-2", models.OperationDelete, models.ServerID(2))))
	require.NoError(t, s.Enqueue(ctx, entry("del-local", models.OperationDelete, models.LocalID(3))))
	require.NoError(t, s.Enqueue(ctx, entry("upd-4", models.OperationUpdate, models.ServerID(4))))

	err := s.Reconcile(ctx, models.TableTodos, func(local []*models.Record, deleted map[models.RecordID]bool) ([]*models.Record, error) {
		require.Len(t, local, 1)
		assert.Equal(t, "keep", local[0].Title())
		assert.Equal(t, map[models.RecordID]bool{models.ServerID(2): true}, deleted)
		return append(local, todo(models.ServerID(5), "pulled")), nil
	})
	require.NoError(t, err)

	todos, err := s.GetAll(ctx, models.TableTodos)
	require.NoError(t, err)
	require.Len(t, todos, 2)
	assert.Equal(t, "pulled", todos[1].Title())

	err = s.Reconcile(ctx, models.TableTodos, func([]*models.Record, map[models.RecordID]bool) ([]*models.Record, error) {
		return nil, fmt.Errorf("merge failed")
	})
	require.Error(t, err)
	todos, err = s.GetAll(ctx, models.TableTodos)
	require.NoError(t, err)
	assert.Len(t, todos, 2, "failed merge rolls back")
}

// TestStore_Reconcile_concurrentWrite verifies a write issued while a table
// is being reconciled lands after the replace instead of being wiped by it.
func TestStore_Reconcile_concurrentWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, todo(models.ServerID(1), "server")))

	var wg sync.WaitGroup
	var writeErr error
	err := s.Reconcile(ctx, models.TableTodos, func(local []*models.Record, _ map[models.RecordID]bool) ([]*models.Record, error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := todo(models.LocalID(7), "typed during sync")
			rec.Offline = true
			writeErr = s.SaveWithEntry(ctx, rec, entry("create-7", models.OperationCreate, rec.ID))
		}()
		time.Sleep(50 * time.Millisecond)
		return local, nil
	})
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, writeErr)

	rec, err := s.Get(ctx, models.TableTodos, models.LocalID(7))
	require.NoError(t, err)
	assert.True(t, rec.Offline)

	pending, err := s.PendingQueueEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

// =====================================================
// Queue Tests
// =====================================================

// TestStore_PendingQueueEntries_order verifies enqueue order is kept.
func TestStore_PendingQueueEntries_order(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ids := []string{"c", "a", "b"}
	for _, id := range ids {
		require.NoError(t, s.Enqueue(ctx, entry(id, models.OperationUpdate, models.ServerID(1))))
	}

	pending, err := s.PendingQueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, e := range pending {
		assert.Equal(t, ids[i], e.ID)
	}
	assert.Equal(t, "c", pending[0].Data.String("title"))
	assert.Less(t, pending[0].Seq, pending[1].Seq)
}

// TestStore_MarkCompleted verifies completed entries are removed.
func TestStore_MarkCompleted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(ctx, entry("e1", models.OperationCreate, models.LocalID(1))))

	require.NoError(t, s.MarkCompleted(ctx, "e1"))

	pending, err := s.PendingQueueEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = s.GetQueueEntry(ctx, "e1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

// TestStore_IncrementRetry verifies retry accounting.
func TestStore_IncrementRetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(ctx, entry("e1", models.OperationUpdate, models.ServerID(1))))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncrementRetry(ctx, "e1", fmt.Sprintf("attempt %d", i+1)))
	}

	e, err := s.GetQueueEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 3, e.RetryCount)
	assert.Equal(t, "attempt 3", e.LastError)

	err = s.IncrementRetry(ctx, "missing", "x")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

// TestStore_MarkDeadLetter verifies dead letters stay queued.
func TestStore_MarkDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Enqueue(ctx, entry("e1", models.OperationUpdate, models.ServerID(1))))
	require.NoError(t, s.Enqueue(ctx, entry("e2", models.OperationUpdate, models.ServerID(2))))

	require.NoError(t, s.MarkDeadLetter(ctx, "e1", 3, "422 invalid"))

	stats, err := s.QueueStats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Total: 2, Pending: 1, DeadLetter: 1}, stats)

	pending, err := s.PendingQueueEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	n, err := s.ResetRetries(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	e, err := s.GetQueueEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, e.RetryCount)
	assert.Empty(t, e.LastError)
}

// TestStore_DiscardLocal verifies never-synced records leave no queue trace.
func TestStore_DiscardLocal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := models.LocalID(10)
	require.NoError(t, s.SaveWithEntry(ctx, todo(id, "draft"), entry("c", models.OperationCreate, id)))
	require.NoError(t, s.Enqueue(ctx, entry("u", models.OperationUpdate, id)))
	require.NoError(t, s.Enqueue(ctx, entry("other", models.OperationUpdate, models.ServerID(10))))

	dropped, err := s.DiscardLocal(ctx, models.TableTodos, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), dropped)

	pending, err := s.PendingQueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "other", pending[0].ID)

	_, err = s.Get(ctx, models.TableTodos, id)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

// TestStore_ApplyCreate verifies the temporary record is replaced.
func TestStore_ApplyCreate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	temp := models.LocalID(7)
	require.NoError(t, s.SaveWithEntry(ctx, todo(temp, "A"), entry("c", models.OperationCreate, temp)))

	server := todo(models.ServerID(100), "A")
	server.LastModified = 500
	remapped, err := s.ApplyCreate(ctx, "c", temp, server)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remapped)

	_, err = s.Get(ctx, models.TableTodos, temp)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	got, err := s.Get(ctx, models.TableTodos, models.ServerID(100))
	require.NoError(t, err)
	assert.False(t, got.Offline)
	assert.Equal(t, "A", got.Title())

	pending, err := s.PendingQueueEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestStore_ApplyCreate_remapsLaterEntries verifies follow-up updates
// target the new server id and keep their local values.
func TestStore_ApplyCreate_remapsLaterEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	temp := models.LocalID(7)
	require.NoError(t, s.SaveWithEntry(ctx, todo(temp, "A"), entry("c", models.OperationCreate, temp)))

	edited := todo(temp, "B")
	edited.Offline = true
	edited.LastModified = 900
	require.NoError(t, s.SaveWithEntry(ctx, edited, entry("u", models.OperationUpdate, temp)))

	remapped, err := s.ApplyCreate(ctx, "c", temp, todo(models.ServerID(100), "A"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), remapped)

	pending, err := s.PendingQueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ServerID(100), pending[0].RecordID)

	got, err := s.Get(ctx, models.TableTodos, models.ServerID(100))
	require.NoError(t, err)
	assert.Equal(t, "B", got.Title())
	assert.True(t, got.Offline)
	assert.Equal(t, int64(900), got.LastModified)
}

// =====================================================
// History Tests
// =====================================================

// TestStore_AppendHistory_bounded verifies the log keeps the 50 newest.
func TestStore_AppendHistory_bounded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Now().UnixMilli()

	for i := 0; i < 60; i++ {
		require.NoError(t, s.AppendHistory(ctx, &models.SyncHistoryItem{
			ID:        fmt.Sprintf("h%02d", i),
			Operation: models.HistoryOperationSync,
			Status:    models.HistorySuccess,
			Timestamp: base + int64(i),
		}))
	}

	items, err := s.GetHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 50)
	assert.Equal(t, "h59", items[0].ID)
	assert.Equal(t, "h10", items[49].ID)
	for i := 1; i < len(items); i++ {
		assert.Greater(t, items[i-1].Timestamp, items[i].Timestamp)
	}

	items, err = s.GetHistory(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, items, 5)
}

// TestStore_AppendHistory_customLimit verifies the bound is configurable.
func TestStore_AppendHistory_customLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithHistoryLimit(3))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendHistory(ctx, &models.SyncHistoryItem{
			ID: fmt.Sprintf("h%d", i), Operation: "sync", Status: models.HistoryFailed,
			Timestamp: int64(i + 1), Error: "boom",
		}))
	}

	items, err := s.GetHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "boom", items[0].Error)
}

// TestStore_AppendHistory_concurrentReaders verifies readers never see
// more than the bound plus one item.
func TestStore_AppendHistory_concurrentReaders(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithHistoryLimit(5))

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			var n int
			if err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_history`).Scan(&n); err == nil {
				assert.LessOrEqual(t, n, 6)
			}
		}
	}()

	for i := 0; i < 30; i++ {
		require.NoError(t, s.AppendHistory(ctx, &models.SyncHistoryItem{
			ID: fmt.Sprintf("h%d", i), Operation: "sync", Status: models.HistorySuccess, Timestamp: int64(i + 1),
		}))
	}
	close(done)
	wg.Wait()
}

// =====================================================
// Metadata Tests
// =====================================================

// TestStore_LastSync verifies lastSync round trips at ms precision.
func TestStore_LastSync(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	last, err := s.GetLastSync(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	now := time.UnixMilli(1700000000123)
	require.NoError(t, s.SetLastSync(ctx, now))

	last, err = s.GetLastSync(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(now))
}

// TestStore_Clear verifies collection-level clearing.
func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put(ctx, todo(models.ServerID(1), "x")))
	require.NoError(t, s.Enqueue(ctx, entry("e1", models.OperationUpdate, models.ServerID(1))))
	require.NoError(t, s.SetMeta(ctx, "k", "v"))

	require.NoError(t, s.Clear(ctx, CollectionQueue))
	pending, err := s.PendingQueueEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := s.GetAll(ctx, models.TableTodos)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.True(t, errors.Is(s.Clear(ctx, "bogus"), errors.ErrInvalid))

	require.NoError(t, s.ClearAll(ctx))
	_, ok, err := s.GetMeta(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	all, err = s.GetAll(ctx, models.TableTodos)
	require.NoError(t, err)
	assert.Empty(t, all)
}
