// Package sync provides the offline write path and the sync pass that
// reconciles the local store with the remote record service.
package sync

import (
	"context"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync runs one pass. A pass that cannot start returns a skipped
	// result, not an error.
	Sync(ctx context.Context) (*SyncResult, error)

	// Status returns the current sync status summary.
	Status(ctx context.Context) (Status, error)

	// IsSyncing reports whether a pass is in flight.
	IsSyncing() bool

	// Subscribe registers a status listener and returns its remover.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// NetworkStatus reports connectivity.
type NetworkStatus interface {
	IsOnline() bool
}

// SyncTrigger asks for a pass without waiting for it.
type SyncTrigger interface {
	RequestSync()
}

// Ensure *Engine implements SyncEngineInterface at compile time.
var _ SyncEngineInterface = (*Engine)(nil)
