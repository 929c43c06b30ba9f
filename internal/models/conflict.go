// Package models provides data model definitions for syncbridge.
package models

import "time"

// Conflict records a detected write-write divergence between the two
// replicas for awareness and, when the strategy defers, for manual
// resolution. One row is created per detected divergence; a row is
// terminal once ResolvedAt is set.
type Conflict struct {
	ID                 string     `db:"id" json:"id"`
	TableName          string     `db:"table_name" json:"table_name"`
	RecordID           string     `db:"record_id" json:"record_id"`
	LocalData          RowData    `db:"local_data" json:"local_data,omitempty"`
	RemoteData         RowData    `db:"remote_data" json:"remote_data,omitempty"`
	LocalVersion       int        `db:"local_version" json:"local_version"`
	RemoteVersion      int        `db:"remote_version" json:"remote_version"`
	LocalModified      time.Time  `db:"local_modified" json:"local_modified"`
	RemoteModified     time.Time  `db:"remote_modified" json:"remote_modified"`
	ResolutionStrategy string     `db:"resolution_strategy" json:"resolution_strategy"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	ResolvedAt         *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy         string     `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolutionData     RowData    `db:"resolution_data" json:"resolution_data,omitempty"`
}

// Resolved reports whether the conflict has been settled.
func (c *Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}
