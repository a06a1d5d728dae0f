// Package models provides data model definitions for tasksync.
package models

import "time"

// Operation is the kind of mutation carried by a queue entry.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// SyncQueueEntry is a pending local mutation awaiting delivery to the server.
type SyncQueueEntry struct {
	ID         string    `db:"id" json:"id"`
	Seq        int64     `db:"seq" json:"seq"` // enqueue order, assigned by the store
	Operation  Operation `db:"operation" json:"operation"`
	Table      Table     `db:"table_name" json:"table"`
	RecordID   RecordID  `db:"record_id" json:"recordId"`
	Data       Fields    `db:"data" json:"data"` // snapshot at enqueue time
	Timestamp  int64     `db:"timestamp" json:"timestamp"`
	RetryCount int       `db:"retry_count" json:"retryCount"`
	Synced     bool      `db:"synced" json:"synced"`
	LastError  string    `db:"last_error" json:"lastError,omitempty"`
}

// TableName returns the table name for SyncQueueEntry.
func (SyncQueueEntry) TableName() string {
	return "sync_queue"
}

// Time returns the Timestamp as time.Time.
func (e *SyncQueueEntry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
