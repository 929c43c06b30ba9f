// Package models provides data model definitions for syncbridge.
package models

import (
	"encoding/json"
	"time"
)

// RowData is the payload of a logical row: column name to value.
// Control columns (primary key, version, last_modified) are carried on
// Record, never inside the payload.
type RowData map[string]interface{}

// Clone returns a shallow copy of the payload.
func (d RowData) Clone() RowData {
	if d == nil {
		return nil
	}
	out := make(RowData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// MarshalRowData serializes a payload for change-log and conflict storage.
// A nil payload marshals to the empty string, which is how tombstones are
// persisted.
func MarshalRowData(d RowData) (string, error) {
	if d == nil {
		return "", nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// UnmarshalRowData is the inverse of MarshalRowData. The empty string
// yields a nil payload.
func UnmarshalRowData(s string) (RowData, error) {
	if s == "" {
		return nil, nil
	}
	var d RowData
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, err
	}
	return d, nil
}

// Record is a logical row identified by (table, id) on one replica.
// Version starts at 1 and strictly increases on every successful write;
// LastModified is refreshed by the same write. Neither is ever set by
// application logic outside the write path.
type Record struct {
	TableName    string    `db:"table_name" json:"table_name"`
	RecordID     string    `db:"record_id" json:"record_id"`
	Data         RowData   `db:"data" json:"data"`
	Version      int       `db:"version" json:"version"`
	LastModified time.Time `db:"last_modified" json:"last_modified"`
}
