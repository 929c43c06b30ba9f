// Package models provides data model definitions for syncbridge.
package models

import "time"

// Operation identifies the kind of row mutation a change-log entry records.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// SyncStatus is the propagation state of a change-log entry.
type SyncStatus string

const (
	StatusPending  SyncStatus = "PENDING"
	StatusSynced   SyncStatus = "SYNCED"
	StatusConflict SyncStatus = "CONFLICT"
	StatusError    SyncStatus = "ERROR"
)

// ChangeLogEntry is one row of the sync_log table: an append-only record
// of a single mutation, captured in the same transaction as the mutation
// itself. Entries are never deleted; they transition
// PENDING -> {SYNCED, CONFLICT, ERROR} exactly once.
type ChangeLogEntry struct {
	ID        int64      `db:"id" json:"id"`
	TableName string     `db:"table_name" json:"table_name"`
	RecordID  string     `db:"record_id" json:"record_id"`
	Operation Operation  `db:"operation" json:"operation"`
	OldData   RowData    `db:"old_data" json:"old_data,omitempty"` // absent for INSERT
	NewData   RowData    `db:"new_data" json:"new_data,omitempty"` // absent for DELETE (tombstone)
	Version   int        `db:"version" json:"version"`             // record version after the operation
	Status    SyncStatus `db:"sync_status" json:"sync_status"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`

	// Set for ERROR entries: the taxonomy code deciding whether the entry
	// is retried, plus the underlying message for the operator.
	ErrorCode    string `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`
}

// IsTombstone reports whether the entry records a deletion.
func (e *ChangeLogEntry) IsTombstone() bool {
	return e.Operation == OpDelete
}

// BaseVersion returns the record version the originating write believed it
// was mutating: the version before the operation. Conflict detection
// compares the target's current version against this.
func (e *ChangeLogEntry) BaseVersion() int {
	if e.Operation == OpInsert {
		return 0
	}
	return e.Version - 1
}
