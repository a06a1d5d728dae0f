// Package models provides data model definitions for tasksync.
package models

// Resolution names the side that won a conflict.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionServer Resolution = "server"
)

// ConflictItem records a conflict detected while reconciling a pull.
type ConflictItem struct {
	Table      Table      `json:"type"`
	LocalItem  *Record    `json:"localItem"`
	ServerItem *Record    `json:"serverItem"`
	Resolution Resolution `json:"resolution"`
}
