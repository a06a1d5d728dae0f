package sync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/tasksync/internal/db"
	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/remote"
	"github.com/kimhsiao/tasksync/internal/sync/conflict"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
	"github.com/kimhsiao/tasksync/internal/uuid"
)

// SyncState is the status summary shown to users.
type SyncState string

const (
	StateOffline SyncState = "offline"
	StateSyncing SyncState = "syncing"
	StateFailed  SyncState = "failed"
	StateSynced  SyncState = "synced"
)

// Reasons a pass does not start.
const (
	SkipOffline    = "offline"
	SkipInProgress = "sync already in progress"
)

// SyncResult is the outcome of one pass.
type SyncResult struct {
	Success    bool                   `json:"success"`
	Skipped    bool                   `json:"skipped,omitempty"`
	SkipReason string                 `json:"skipReason,omitempty"`
	Conflicts  []*models.ConflictItem `json:"conflicts"`
	Errors     []string               `json:"errors"`
	Pushed     int                    `json:"pushed"`
	Failed     int                    `json:"failed"`
	Pulled     int                    `json:"pulled"`
	StartTime  time.Time              `json:"startTime"`
	Duration   time.Duration          `json:"duration"`
}

// Status summarizes connectivity, queue depth and the last pass.
type Status struct {
	State       SyncState  `json:"state"`
	Online      bool       `json:"online"`
	Syncing     bool       `json:"syncing"`
	Pending     int        `json:"pending"`
	DeadLetters int        `json:"deadLetters"`
	LastSync    *time.Time `json:"lastSync,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Options wires an Engine. Store, Remote and Session are required.
type Options struct {
	Store    db.LocalStore
	Remote   remote.RecordService
	Session  remote.SessionProvider
	Network  NetworkStatus
	Queue    *queue.Manager
	Resolver *conflict.Resolver
	Bus      *Bus
	Clock    func() time.Time
}

// Engine runs sync passes: push the queue, pull every table, reconcile.
type Engine struct {
	store    db.LocalStore
	remote   remote.RecordService
	session  remote.SessionProvider
	queue    *queue.Manager
	resolver *conflict.Resolver
	bus      *Bus
	now      func() time.Time

	syncing atomic.Bool

	mu      sync.RWMutex
	network NetworkStatus
	lastErr string
}

// NewEngine creates an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Remote == nil || opts.Session == nil {
		return nil, errors.New(errors.ErrInvalid, "sync engine requires a store, a remote service and a session provider")
	}
	e := &Engine{
		store:    opts.Store,
		remote:   opts.Remote,
		session:  opts.Session,
		queue:    opts.Queue,
		resolver: opts.Resolver,
		bus:      opts.Bus,
		now:      opts.Clock,
		network:  opts.Network,
	}
	if e.queue == nil {
		e.queue = queue.NewManager(opts.Store)
	}
	if e.resolver == nil {
		e.resolver = conflict.NewResolver()
	}
	if e.bus == nil {
		e.bus = NewBus()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// SetNetwork replaces the connectivity source. A nil source means online.
func (e *Engine) SetNetwork(n NetworkStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.network = n
}

// IsOnline reports the current connectivity.
func (e *Engine) IsOnline() bool {
	e.mu.RLock()
	n := e.network
	e.mu.RUnlock()
	return n == nil || n.IsOnline()
}

// IsSyncing reports whether a pass is in flight.
func (e *Engine) IsSyncing() bool {
	return e.syncing.Load()
}

// Queue returns the queue manager.
func (e *Engine) Queue() *queue.Manager {
	return e.queue
}

// Bus returns the event bus.
func (e *Engine) Bus() *Bus {
	return e.bus
}

// Subscribe registers a status listener.
func (e *Engine) Subscribe(fn func(Event)) func() {
	return e.bus.Subscribe(fn)
}

// History returns the newest history items first.
func (e *Engine) History(ctx context.Context, limit int) ([]*models.SyncHistoryItem, error) {
	return e.store.GetHistory(ctx, limit)
}

// ClearHistory empties the history log.
func (e *Engine) ClearHistory(ctx context.Context) error {
	if err := e.store.ClearHistory(ctx); err != nil {
		return err
	}
	e.bus.Publish(Event{Type: EventHistoryUpdated})
	return nil
}

// Status returns the current summary.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	last, err := e.store.GetLastSync(ctx)
	if err != nil {
		return Status{}, err
	}

	e.mu.RLock()
	lastErr := e.lastErr
	e.mu.RUnlock()

	st := Status{
		Online:      e.IsOnline(),
		Syncing:     e.IsSyncing(),
		Pending:     stats.Total,
		DeadLetters: stats.DeadLetter,
		LastError:   lastErr,
	}
	if !last.IsZero() {
		st.LastSync = &last
	}

	switch {
	case !st.Online:
		st.State = StateOffline
	case st.Syncing:
		st.State = StateSyncing
	case lastErr != "":
		st.State = StateFailed
	default:
		st.State = StateSynced
	}
	return st, nil
}

// Sync runs one pass. It returns a skipped result when offline or when
// another pass is in flight. Per-entry push failures are reported in the
// result; an aborted pull or a local store failure is also returned as err.
func (e *Engine) Sync(ctx context.Context) (res *SyncResult, err error) {
	if !e.IsOnline() {
		logging.Info("Sync skipped", map[string]interface{}{"reason": SkipOffline})
		return &SyncResult{Skipped: true, SkipReason: SkipOffline}, nil
	}
	if !e.syncing.CompareAndSwap(false, true) {
		logging.Debug("Sync skipped", map[string]interface{}{"reason": SkipInProgress})
		return &SyncResult{Skipped: true, SkipReason: SkipInProgress}, nil
	}
	defer e.syncing.Store(false)

	result := &SyncResult{
		StartTime: e.now(),
		Conflicts: []*models.ConflictItem{},
		Errors:    []string{},
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrSyncFailed, "sync pass panicked: %v", r)
			logging.ErrorWithCode("Sync pass panicked", string(errors.ErrSyncFailed), err, nil)
			result.Success = false
			result.Errors = append(result.Errors, err.Error())
			e.finish(result, err)
			res = result
		}
	}()

	logging.Info("Sync pass started", nil)
	e.bus.Publish(Event{Type: EventSyncStart})

	err = e.run(ctx, result)
	e.finish(result, err)
	return result, err
}

func (e *Engine) run(ctx context.Context, result *SyncResult) error {
	auth, err := e.session.Session(ctx)
	if err != nil {
		err = errors.Wrap(errors.ErrSyncAuthFailed, "no session available", err)
		result.Errors = append(result.Errors, err.Error())
		if herr := e.recordPass(ctx, result); herr != nil {
			return herr
		}
		return err
	}

	if err := e.push(ctx, auth, result); err != nil {
		return err
	}

	pulled, err := e.pull(ctx, auth)
	if err != nil {
		err = errors.Wrap(errors.ErrSyncPullAborted, "pull failed", err)
		logging.ErrorWithCode("Sync pull aborted", string(errors.ErrSyncPullAborted), err, nil)
		result.Errors = append(result.Errors, err.Error())
		if herr := e.recordPass(ctx, result); herr != nil {
			return herr
		}
		return err
	}

	for _, table := range models.Tables() {
		if err := e.reconcileTable(ctx, table, pulled[table], result); err != nil {
			return err
		}
	}

	if err := e.store.SetLastSync(ctx, e.now()); err != nil {
		return err
	}

	result.Success = len(result.Errors) == 0
	return e.recordPass(ctx, result)
}

// finish stamps the duration, remembers the outcome and notifies listeners.
func (e *Engine) finish(result *SyncResult, err error) {
	result.Duration = e.now().Sub(result.StartTime)

	var lastErr string
	switch {
	case err != nil:
		lastErr = err.Error()
	case len(result.Errors) > 0:
		lastErr = result.Errors[len(result.Errors)-1]
	}
	e.mu.Lock()
	e.lastErr = lastErr
	e.mu.Unlock()

	if err != nil {
		e.bus.Publish(Event{Type: EventSyncError, Result: result, Error: err.Error()})
		return
	}

	logging.Info("Sync pass completed", map[string]interface{}{
		"success":     result.Success,
		"pushed":      result.Pushed,
		"failed":      result.Failed,
		"pulled":      result.Pulled,
		"conflicts":   len(result.Conflicts),
		"errors":      len(result.Errors),
		"duration_ms": result.Duration.Milliseconds(),
	})
	e.bus.Publish(Event{Type: EventSyncComplete, Result: result})
}

// =====================================================
// Push
// =====================================================

type recordKey struct {
	table models.Table
	id    models.RecordID
}

func keyOf(entry *models.SyncQueueEntry) recordKey {
	return recordKey{table: entry.Table, id: entry.RecordID}
}

// push delivers queued entries in enqueue order. It returns an error only
// for local store failures.
func (e *Engine) push(ctx context.Context, auth string, result *SyncResult) error {
	entries, err := e.queue.Pending(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	creates := make(map[recordKey]bool)
	for _, entry := range entries {
		if entry.Operation == models.OperationCreate {
			creates[keyOf(entry)] = true
		}
	}
	remapped := make(map[recordKey]models.RecordID)

	for _, entry := range entries {
		key := keyOf(entry)
		if id, ok := remapped[key]; ok {
			entry.RecordID = id
		}

		if e.queue.IsDeadLetter(entry) {
			result.Errors = append(result.Errors, fmt.Sprintf("%s %s %s skipped: retry limit reached (%s)",
				entry.Operation, entry.Table, entry.RecordID, entry.LastError))
			continue
		}

		if entry.Operation != models.OperationCreate && entry.RecordID.IsLocal() {
			if creates[key] {
				logging.Debug("Deferring entry until its create is confirmed", map[string]interface{}{
					"entry_id":  entry.ID,
					"record_id": entry.RecordID.String(),
				})
				continue
			}
			if err := e.orphaned(ctx, entry, result); err != nil {
				return err
			}
			continue
		}

		if err := e.pushEntry(ctx, auth, entry, remapped, result); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pushEntry(ctx context.Context, auth string, entry *models.SyncQueueEntry, remapped map[recordKey]models.RecordID, result *SyncResult) error {
	key := keyOf(entry)
	start := e.now()

	server, err := e.send(ctx, auth, entry)
	duration := e.now().Sub(start)
	if err != nil {
		return e.pushFailed(ctx, entry, err, duration, result)
	}

	itemID := entry.RecordID
	if entry.Operation == models.OperationCreate {
		if server.Table == "" {
			server.Table = entry.Table
		}
		n, err := e.store.ApplyCreate(ctx, entry.ID, entry.RecordID, server)
		if err != nil {
			return err
		}
		remapped[key] = server.ID
		itemID = server.ID
		logging.Info("Local record confirmed by server", map[string]interface{}{
			"table":            string(entry.Table),
			"local_id":         entry.RecordID.String(),
			"server_id":        server.ID.String(),
			"remapped_entries": n,
		})
	} else if err := e.queue.Complete(ctx, entry.ID); err != nil {
		return err
	}

	result.Pushed++
	return e.appendHistory(ctx, &models.SyncHistoryItem{
		ID:         uuid.Derived("push"),
		Operation:  string(entry.Operation),
		Status:     models.HistorySuccess,
		Timestamp:  e.now().UnixMilli(),
		ItemID:     itemID.String(),
		ItemTitle:  titleOf(entry.Data),
		DurationMs: duration.Milliseconds(),
	})
}

func titleOf(data models.Fields) string {
	if t := data.String("title"); t != "" {
		return t
	}
	return data.String("name")
}

// send performs the remote call for one entry.
func (e *Engine) send(ctx context.Context, auth string, entry *models.SyncQueueEntry) (*models.Record, error) {
	data := entry.Data
	if data == nil {
		data = models.Fields{}
	}
	switch entry.Operation {
	case models.OperationCreate:
		rec, err := e.remote.Create(ctx, auth, entry.Table, data)
		if err == nil && rec == nil {
			err = fmt.Errorf("server returned no record for create")
		}
		return rec, err
	case models.OperationUpdate:
		return e.remote.Update(ctx, auth, entry.Table, entry.RecordID.Value, data)
	case models.OperationDelete:
		return nil, e.remote.Delete(ctx, auth, entry.Table, entry.RecordID.Value)
	default:
		return nil, fmt.Errorf("unknown operation %q", entry.Operation)
	}
}

// pushFailed books a remote failure against the entry.
func (e *Engine) pushFailed(ctx context.Context, entry *models.SyncQueueEntry, cause error, duration time.Duration, result *SyncResult) error {
	permanent := remote.IsPermanent(cause) && !remote.IsAuthFailure(cause)
	dead, err := e.queue.Failed(ctx, entry, cause, permanent)
	if err != nil {
		return err
	}

	code := errors.ErrRemoteUnavailable
	if remote.StatusCode(cause) != 0 {
		code = errors.ErrRemoteRejected
	}
	logging.ErrorWithCode("Failed to push sync entry", string(code), cause, map[string]interface{}{
		"entry_id":    entry.ID,
		"operation":   string(entry.Operation),
		"table":       string(entry.Table),
		"record_id":   entry.RecordID.String(),
		"retry_count": entry.RetryCount,
		"permanent":   permanent,
		"dead_letter": dead,
	})

	result.Failed++
	msg := fmt.Sprintf("%s %s %s: %v", entry.Operation, entry.Table, entry.RecordID, cause)
	result.Errors = append(result.Errors, msg)

	return e.appendHistory(ctx, &models.SyncHistoryItem{
		ID:         uuid.Derived("push"),
		Operation:  string(entry.Operation),
		Status:     models.HistoryFailed,
		Timestamp:  e.now().UnixMilli(),
		ItemID:     entry.RecordID.String(),
		ItemTitle:  titleOf(entry.Data),
		Error:      cause.Error(),
		DurationMs: duration.Milliseconds(),
	})
}

// orphaned dead-letters an entry for a local id whose create is gone.
func (e *Engine) orphaned(ctx context.Context, entry *models.SyncQueueEntry, result *SyncResult) error {
	const reason = "create for local record is no longer queued"
	if err := e.queue.DeadLetter(ctx, entry, reason); err != nil {
		return err
	}
	logging.Warn("Dead-lettered orphaned sync entry", map[string]interface{}{
		"entry_id":  entry.ID,
		"record_id": entry.RecordID.String(),
	})

	result.Failed++
	result.Errors = append(result.Errors, fmt.Sprintf("%s %s %s: %s", entry.Operation, entry.Table, entry.RecordID, reason))
	return e.appendHistory(ctx, &models.SyncHistoryItem{
		ID:        uuid.Derived("push"),
		Operation: string(entry.Operation),
		Status:    models.HistoryFailed,
		Timestamp: e.now().UnixMilli(),
		ItemID:    entry.RecordID.String(),
		Error:     reason,
	})
}

// =====================================================
// Pull
// =====================================================

// pull fetches every table concurrently. Any failure aborts the pull.
func (e *Engine) pull(ctx context.Context, auth string) (map[models.Table][]*models.Record, error) {
	tables := models.Tables()
	fetched := make([][]*models.Record, len(tables))

	g, gctx := errgroup.WithContext(ctx)
	for i, table := range tables {
		i, table := i, table
		g.Go(func() error {
			recs, err := e.remote.ListAll(gctx, auth, table)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", table, err)
			}
			fetched[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[models.Table][]*models.Record, len(tables))
	for i, table := range tables {
		for _, rec := range fetched[i] {
			rec.Table = table
		}
		out[table] = fetched[i]
	}
	return out, nil
}

// reconcileTable merges the pulled records into the local table inside one
// store transaction. Queued entries of a record that lost a conflict stay
// queued.
func (e *Engine) reconcileTable(ctx context.Context, table models.Table, server []*models.Record, result *SyncResult) error {
	var conflicts []*models.ConflictItem
	err := e.store.Reconcile(ctx, table, func(local []*models.Record, deleted map[models.RecordID]bool) ([]*models.Record, error) {
		var merged []*models.Record
		merged, conflicts = reconcile(local, server, e.resolver, deleted, e.now().UnixMilli())
		return merged, nil
	})
	if err != nil {
		return err
	}

	result.Pulled += len(server)
	result.Conflicts = append(result.Conflicts, conflicts...)
	return nil
}

// =====================================================
// History
// =====================================================

func (e *Engine) appendHistory(ctx context.Context, item *models.SyncHistoryItem) error {
	if err := e.store.AppendHistory(ctx, item); err != nil {
		return err
	}
	e.bus.Publish(Event{Type: EventHistoryUpdated})
	return nil
}

// recordPass appends the pass-level history item.
func (e *Engine) recordPass(ctx context.Context, result *SyncResult) error {
	status := models.HistorySuccess
	switch {
	case len(result.Errors) > 0:
		status = models.HistoryFailed
	case len(result.Conflicts) > 0:
		status = models.HistoryConflict
	}
	return e.appendHistory(ctx, &models.SyncHistoryItem{
		ID:         uuid.Derived(models.HistoryOperationSync),
		Operation:  models.HistoryOperationSync,
		Status:     status,
		Timestamp:  e.now().UnixMilli(),
		ItemTitle:  fmt.Sprintf("pushed %d, pulled %d, %d conflicts", result.Pushed, result.Pulled, len(result.Conflicts)),
		Error:      strings.Join(result.Errors, "; "),
		DurationMs: e.now().Sub(result.StartTime).Milliseconds(),
	})
}
