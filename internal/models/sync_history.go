// Package models provides data model definitions for tasksync.
package models

import "time"

// HistoryStatus is the outcome recorded by a sync history item.
type HistoryStatus string

const (
	HistorySuccess  HistoryStatus = "success"
	HistoryFailed   HistoryStatus = "failed"
	HistoryConflict HistoryStatus = "conflict"
)

// HistoryOperationSync marks pass-level history items.
const HistoryOperationSync = "sync"

// SyncHistoryItem records one observable sync outcome for status displays.
type SyncHistoryItem struct {
	ID         string        `db:"id" json:"id"`
	Operation  string        `db:"operation" json:"operation"`
	Status     HistoryStatus `db:"status" json:"status"`
	Timestamp  int64         `db:"timestamp" json:"timestamp"`
	ItemID     string        `db:"item_id" json:"itemId,omitempty"`
	ItemTitle  string        `db:"item_title" json:"itemTitle,omitempty"`
	Error      string        `db:"error" json:"error,omitempty"`
	DurationMs int64         `db:"duration_ms" json:"duration,omitempty"`
}

// TableName returns the table name for SyncHistoryItem.
func (SyncHistoryItem) TableName() string {
	return "sync_history"
}

// Time returns the Timestamp as time.Time.
func (h *SyncHistoryItem) Time() time.Time {
	return time.UnixMilli(h.Timestamp)
}
