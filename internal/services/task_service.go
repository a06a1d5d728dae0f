// Package services is the read/write surface used by the CLI and the serve
// command. Task operations go to the server first when online and fall back
// to the offline write path; list mutations require a connection.
package services

import (
	"context"
	"math"
	"time"

	"github.com/kimhsiao/tasksync/internal/db"
	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/remote"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
)

// TaskService combines the remote record service, the local store and the
// offline recorder.
type TaskService struct {
	remote   remote.RecordService
	session  remote.SessionProvider
	store    db.LocalStore
	recorder *syncpkg.Recorder
	network  syncpkg.NetworkStatus
	now      func() time.Time
}

// Stats summarizes the locally known tasks.
type Stats struct {
	TotalTodos     int     `json:"total_todos"`
	CompletedTodos int     `json:"completed_todos"`
	PendingTodos   int     `json:"pending_todos"`
	CompletionRate float64 `json:"completion_rate"`
	Score          int     `json:"total_productivity_score"`
}

// NewTaskService creates a TaskService. A nil network is treated as online.
func NewTaskService(rs remote.RecordService, session remote.SessionProvider, store db.LocalStore, recorder *syncpkg.Recorder, network syncpkg.NetworkStatus) *TaskService {
	return &TaskService{
		remote:   rs,
		session:  session,
		store:    store,
		recorder: recorder,
		network:  network,
		now:      time.Now,
	}
}

func (s *TaskService) online() bool {
	return s.network == nil || s.network.IsOnline()
}

// hasLocalChanges reports whether id carries edits the server has not seen.
// Such records must keep going through the queue to preserve order.
func (s *TaskService) hasLocalChanges(ctx context.Context, table models.Table, id models.RecordID) bool {
	if id.IsLocal() {
		return true
	}
	rec, err := s.store.Get(ctx, table, id)
	return err == nil && rec.Offline
}

// cache stores a server copy unless the local copy holds unsynced edits.
func (s *TaskService) cache(ctx context.Context, rec *models.Record) {
	if s.hasLocalChanges(ctx, rec.Table, rec.ID) {
		return
	}
	c := rec.Clone()
	c.Offline = false
	c.LastModified = s.now().UnixMilli()
	if err := s.store.Put(ctx, c); err != nil {
		logging.Warn("Failed to cache server record", map[string]interface{}{
			"table": string(rec.Table),
			"id":    rec.ID.String(),
			"error": err.Error(),
		})
	}
}

func (s *TaskService) auth(ctx context.Context) (string, error) {
	token, err := s.session.Session(ctx)
	if err != nil {
		return "", errors.Wrap(errors.ErrSyncAuthFailed, "failed to obtain session", err)
	}
	return token, nil
}

// rejected reports a server answer that falling back offline cannot fix.
// Auth failures are left to the fallback path since the queue retries them.
func rejected(err error) bool {
	return remote.IsPermanent(err) && !remote.IsAuthFailure(err)
}

func fallback(op string, err error) {
	logging.Warn("Server request failed, using offline data", map[string]interface{}{
		"operation": op,
		"error":     err.Error(),
	})
}

// ListTasks returns the tasks of a list, or every task when listID is 0.
func (s *TaskService) ListTasks(ctx context.Context, listID int64) ([]models.Task, error) {
	if s.online() {
		recs, err := s.fetchAll(ctx, models.TableTodos)
		if err == nil {
			return filterTasks(recs, listID), nil
		}
		fallback("list_tasks", err)
	}

	recs, err := s.store.GetAll(ctx, models.TableTodos)
	if err != nil {
		return nil, err
	}
	return filterTasks(recs, listID), nil
}

// fetchAll reads a table from the server, caches it, and returns the merged
// view so unsynced local edits stay visible.
func (s *TaskService) fetchAll(ctx context.Context, table models.Table) ([]*models.Record, error) {
	token, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := s.remote.ListAll(ctx, token, table)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		rec.Table = table
		s.cache(ctx, rec)
	}
	return s.store.GetAll(ctx, table)
}

func filterTasks(recs []*models.Record, listID int64) []models.Task {
	tasks := make([]models.Task, 0, len(recs))
	for _, rec := range recs {
		task := models.TaskFromRecord(rec)
		if listID != 0 && task.ListID != listID {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// GetTask returns one task.
func (s *TaskService) GetTask(ctx context.Context, id models.RecordID) (models.Task, error) {
	if s.online() && !s.hasLocalChanges(ctx, models.TableTodos, id) {
		recs, err := s.fetchAll(ctx, models.TableTodos)
		if err == nil {
			for _, rec := range recs {
				if rec.ID == id {
					return models.TaskFromRecord(rec), nil
				}
			}
		} else {
			fallback("get_task", err)
		}
	}

	rec, err := s.store.Get(ctx, models.TableTodos, id)
	if err != nil {
		return models.Task{}, err
	}
	return models.TaskFromRecord(rec), nil
}

// CreateTask creates a task on the server, or offline when that fails.
func (s *TaskService) CreateTask(ctx context.Context, fields models.Fields) (models.Task, error) {
	if fields.String("title") == "" {
		return models.Task{}, errors.New(errors.ErrInvalid, "title is required")
	}

	if s.online() {
		rec, err := s.createRemote(ctx, models.TableTodos, fields)
		if err == nil {
			s.cache(ctx, rec)
			return models.TaskFromRecord(rec), nil
		}
		if rejected(err) {
			return models.Task{}, errors.Wrap(errors.ErrRemoteRejected, "server rejected task", err)
		}
		fallback("create_task", err)
	}

	rec, err := s.recorder.CreateOffline(ctx, models.TableTodos, fields)
	if err != nil {
		return models.Task{}, err
	}
	return models.TaskFromRecord(rec), nil
}

func (s *TaskService) createRemote(ctx context.Context, table models.Table, fields models.Fields) (*models.Record, error) {
	token, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.remote.Create(ctx, token, table, fields)
	if err != nil {
		return nil, err
	}
	rec.Table = table
	return rec, nil
}

// UpdateTask applies partial to a task. Records with unsynced edits are
// always updated offline so queued changes keep their order.
func (s *TaskService) UpdateTask(ctx context.Context, id models.RecordID, partial models.Fields) (models.Task, error) {
	if s.online() && !s.hasLocalChanges(ctx, models.TableTodos, id) {
		rec, err := s.updateRemote(ctx, models.TableTodos, id, partial)
		if err == nil {
			return models.TaskFromRecord(rec), nil
		}
		if rejected(err) {
			if remote.IsNotFound(err) {
				return models.Task{}, errors.Wrap(errors.ErrNotFound, "task not found", err)
			}
			return models.Task{}, errors.Wrap(errors.ErrRemoteRejected, "server rejected update", err)
		}
		fallback("update_task", err)
	}

	rec, err := s.recorder.UpdateOffline(ctx, models.TableTodos, id, partial)
	if err != nil {
		return models.Task{}, err
	}
	return models.TaskFromRecord(rec), nil
}

func (s *TaskService) updateRemote(ctx context.Context, table models.Table, id models.RecordID, partial models.Fields) (*models.Record, error) {
	token, err := s.auth(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.remote.Update(ctx, token, table, id.Value, partial)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// No body: apply the partial to the local copy.
		existing, gerr := s.store.Get(ctx, table, id)
		if gerr != nil {
			return nil, gerr
		}
		rec = existing.Clone()
		rec.Fields = existing.Fields.Merge(partial)
	}
	rec.ID = id
	rec.Table = table
	s.cache(ctx, rec)
	return rec, nil
}

// DeleteTask deletes a task on the server, or offline when that fails.
func (s *TaskService) DeleteTask(ctx context.Context, id models.RecordID) error {
	if s.online() && !s.hasLocalChanges(ctx, models.TableTodos, id) {
		err := s.deleteRemote(ctx, models.TableTodos, id)
		if err == nil {
			return nil
		}
		if rejected(err) {
			return errors.Wrap(errors.ErrRemoteRejected, "server rejected delete", err)
		}
		fallback("delete_task", err)
	}
	return s.recorder.DeleteOffline(ctx, models.TableTodos, id)
}

func (s *TaskService) deleteRemote(ctx context.Context, table models.Table, id models.RecordID) error {
	token, err := s.auth(ctx)
	if err != nil {
		return err
	}
	if err := s.remote.Delete(ctx, token, table, id.Value); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, table, id); err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	return nil
}

// ListLists returns every list, refreshing the local copy when online.
func (s *TaskService) ListLists(ctx context.Context) ([]models.TodoList, error) {
	var recs []*models.Record
	var err error
	if s.online() {
		recs, err = s.fetchAll(ctx, models.TableLists)
		if err != nil {
			fallback("list_lists", err)
		}
	}
	if recs == nil {
		recs, err = s.store.GetAll(ctx, models.TableLists)
		if err != nil {
			return nil, err
		}
	}

	lists := make([]models.TodoList, 0, len(recs))
	for _, rec := range recs {
		lists = append(lists, models.TodoListFromRecord(rec))
	}
	return lists, nil
}

func (s *TaskService) requireOnline(op string) error {
	if !s.online() {
		return errors.Newf(errors.ErrSyncOffline, "cannot %s while offline", op)
	}
	return nil
}

// CreateList creates a list. It requires a connection.
func (s *TaskService) CreateList(ctx context.Context, fields models.Fields) (models.TodoList, error) {
	if err := s.requireOnline("create lists"); err != nil {
		return models.TodoList{}, err
	}
	if fields.String("name") == "" {
		return models.TodoList{}, errors.New(errors.ErrInvalid, "name is required")
	}
	rec, err := s.createRemote(ctx, models.TableLists, fields)
	if err != nil {
		return models.TodoList{}, errors.Wrap(errors.ErrRemoteUnavailable, "failed to create list", err)
	}
	s.cache(ctx, rec)
	return models.TodoListFromRecord(rec), nil
}

// UpdateList updates a list. It requires a connection.
func (s *TaskService) UpdateList(ctx context.Context, id models.RecordID, partial models.Fields) (models.TodoList, error) {
	if err := s.requireOnline("update lists"); err != nil {
		return models.TodoList{}, err
	}
	rec, err := s.updateRemote(ctx, models.TableLists, id, partial)
	if err != nil {
		if remote.IsNotFound(err) {
			return models.TodoList{}, errors.Wrap(errors.ErrNotFound, "list not found", err)
		}
		return models.TodoList{}, errors.Wrap(errors.ErrRemoteUnavailable, "failed to update list", err)
	}
	return models.TodoListFromRecord(rec), nil
}

// DeleteList deletes a list. It requires a connection.
func (s *TaskService) DeleteList(ctx context.Context, id models.RecordID) error {
	if err := s.requireOnline("delete lists"); err != nil {
		return err
	}
	if err := s.deleteRemote(ctx, models.TableLists, id); err != nil {
		if remote.IsPermanent(err) {
			return errors.Wrap(errors.ErrRemoteRejected, "server rejected list delete", err)
		}
		return errors.Wrap(errors.ErrRemoteUnavailable, "failed to delete list", err)
	}
	return nil
}

// Stats computes task counts from the local store.
func (s *TaskService) Stats(ctx context.Context) (Stats, error) {
	recs, err := s.store.GetAll(ctx, models.TableTodos)
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	st.TotalTodos = len(recs)
	for _, rec := range recs {
		if rec.Fields.Bool("completed") {
			st.CompletedTodos++
		}
	}
	st.PendingTodos = st.TotalTodos - st.CompletedTodos
	if st.TotalTodos > 0 {
		st.CompletionRate = float64(st.CompletedTodos) / float64(st.TotalTodos) * 100
	}
	st.Score = int(math.Round(st.CompletionRate))
	return st, nil
}
