// Package models provides data model definitions for syncbridge.
package models

import "time"

// WatermarkKey is the sync_metadata key holding the last_sync low-water
// mark: the timestamp below which all pending entries are assumed already
// reconciled.
const WatermarkKey = "last_sync"

// SyncMetadata is one key/value row of the sync_metadata table.
type SyncMetadata struct {
	Key       string    `db:"key_name" json:"key_name"`
	Value     string    `db:"value" json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncMetadata.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}
