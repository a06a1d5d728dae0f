// Package scheduler decides when sync passes run. It tracks connectivity and
// visibility, turns their edges into sync triggers, coalesces overlapping
// triggers and fires a periodic pass while online and idle.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
)

// Syncer runs sync passes.
type Syncer interface {
	Sync(ctx context.Context) (*syncpkg.SyncResult, error)
	IsSyncing() bool
}

// Publisher receives network status events.
type Publisher interface {
	Publish(ev syncpkg.Event)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       Syncer
	publisher    Publisher
	syncInterval time.Duration
	syncTimeout  time.Duration
	requests     chan struct{}
	stopCh       chan struct{}
	wg           sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	isVisible      bool
	lastSyncTime   time.Time
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // periodic trigger while online (default: 5 minutes)
	SyncTimeout  time.Duration // upper bound for one pass (default: 5 minutes)
	Publisher    Publisher     // optional network-status sink
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 5 * time.Minute,
		SyncTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a Scheduler driving engine. It starts online and
// visible.
func NewScheduler(engine Syncer, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	interval := config.SyncInterval
	if interval <= 0 {
		interval = defaults.SyncInterval
	}
	timeout := config.SyncTimeout
	if timeout <= 0 {
		timeout = defaults.SyncTimeout
	}

	return &Scheduler{
		engine:       engine,
		publisher:    config.Publisher,
		syncInterval: interval,
		syncTimeout:  timeout,
		requests:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		isOnline:     true,
		isVisible:    true,
	}
}

// Start starts the trigger worker and the periodic loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.worker(ctx)
	go s.periodicSyncLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.syncInterval.Seconds(),
	})
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus records connectivity. Each change publishes a
// network-status event and a change to online requests a sync.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}

	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if s.publisher != nil {
		online := isOnline
		s.publisher.Publish(syncpkg.Event{Type: syncpkg.EventNetworkStatus, Online: &online})
	}
	if isOnline {
		s.RequestSync()
	}
}

// SetVisible records whether the app is in the foreground. Coming back to
// the foreground while online requests a sync.
func (s *Scheduler) SetVisible(visible bool) {
	s.mu.Lock()
	wasVisible := s.isVisible
	s.isVisible = visible
	online := s.isOnline
	s.mu.Unlock()

	if !wasVisible && visible && online {
		logging.Debug("App became visible, requesting sync", nil)
		s.RequestSync()
	}
}

// RequestSync schedules a pass without waiting for it. Requests made while
// one is already pending collapse into it.
func (s *Scheduler) RequestSync() {
	if !s.IsOnline() {
		return
	}
	select {
	case s.requests <- struct{}{}:
	default:
		logging.Debug("Sync already requested, coalescing", nil)
	}
}

// worker runs requested passes one at a time.
func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.requests:
			s.runSync(ctx, "trigger")
		}
	}
}

// periodicSyncLoop requests a pass every interval while online and idle.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			if s.SyncInProgress() {
				logging.Debug("Sync already in progress, skipping", nil)
				continue
			}
			s.RequestSync()
		}
	}
}

// runSync executes one pass and records its outcome.
func (s *Scheduler) runSync(ctx context.Context, reason string) {
	if !s.IsOnline() {
		logging.Debug("Skipping sync - scheduler is offline", nil)
		return
	}

	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Background sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
		return
	}
	s.recordResult(result, reason)
}

func (s *Scheduler) recordResult(result *syncpkg.SyncResult, reason string) {
	if result.Skipped {
		logging.Debug("Background sync skipped", map[string]interface{}{
			"reason":      reason,
			"skip_reason": result.SkipReason,
		})
		return
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Info("Background sync completed", map[string]interface{}{
		"reason":    reason,
		"success":   result.Success,
		"pushed":    result.Pushed,
		"failed":    result.Failed,
		"pulled":    result.Pulled,
		"conflicts": len(result.Conflicts),
	})
}

// TriggerSync requests a pass. It returns false if a pass is already
// running or the scheduler is offline.
func (s *Scheduler) TriggerSync() bool {
	if !s.IsOnline() || s.SyncInProgress() {
		return false
	}
	s.RequestSync()
	return true
}

// SyncNow runs a pass on the caller's goroutine and returns its result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if !s.IsOnline() {
		return nil, errors.New(errors.ErrSyncOffline, "cannot sync while offline")
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		return nil, err
	}
	s.recordResult(result, "manual")
	return result, nil
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool       `json:"isRunning"`
	IsOnline       bool       `json:"isOnline"`
	IsVisible      bool       `json:"isVisible"`
	LastSyncTime   *time.Time `json:"lastSyncTime,omitempty"`
	SyncInProgress bool       `json:"syncInProgress"`
	SyncRequested  bool       `json:"syncRequested"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		IsVisible:      s.isVisible,
		SyncInProgress: s.syncInProgress || s.engine.IsSyncing(),
		SyncRequested:  len(s.requests) > 0,
	}
	if !s.lastSyncTime.IsZero() {
		last := s.lastSyncTime
		status.LastSyncTime = &last
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// SyncInProgress reports whether a pass is running.
func (s *Scheduler) SyncInProgress() bool {
	s.mu.RLock()
	running := s.syncInProgress
	s.mu.RUnlock()
	return running || s.engine.IsSyncing()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

var (
	_ syncpkg.NetworkStatus = (*Scheduler)(nil)
	_ syncpkg.SyncTrigger   = (*Scheduler)(nil)
)
