// Package store implements the record store adapters syncbridge
// replicates between: a SQLite-backed local replica and a MySQL-backed
// remote replica behind one contract.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ricardomaia/syncbridge/internal/models"
)

// ErrNotFound is returned when a record, entry, or conflict does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrVersionMismatch is returned by ApplyRecord/RemoveRecord when the
// record's current version no longer matches the expectation the caller
// read its decision against.
var ErrVersionMismatch = errors.New("store: version mismatch")

// ExpectAbsent asserts the record must not exist yet.
const ExpectAbsent = 0

// ExpectAny disables the version precondition. Used when an operator
// resolution force-applies a winning state.
const ExpectAny = -1

// Store is the adapter contract the sync engine drives. Reads and writes
// of synchronized rows, the change log, conflicts, and the watermark all
// go through it; ApplyRecord and RemoveRecord run inside a transaction
// scoped to the single record.
//
// ApplyRecord and RemoveRecord are the sync-apply path: they never append
// change-log entries, otherwise every applied change would echo back on
// the next cycle. Only application writes are captured.
type Store interface {
	// Name identifies the replica in logs and statistics.
	Name() string

	// Ping verifies the store is reachable. A failing ping at cycle
	// start is a cycle-fatal condition.
	Ping(ctx context.Context) error

	// ReadRecord returns the current record, or ErrNotFound.
	ReadRecord(ctx context.Context, table, id string) (*models.Record, error)

	// ApplyRecord upserts a record's payload at the given version and
	// timestamp. expectedVersion guards against concurrent movement:
	// the record's current version (ExpectAbsent when it was absent,
	// ExpectAny to force).
	ApplyRecord(ctx context.Context, table, id string, data models.RowData, version int, modified time.Time, expectedVersion int) error

	// RemoveRecord deletes a record, honoring expectedVersion like
	// ApplyRecord. Removing an absent record is not an error.
	RemoveRecord(ctx context.Context, table, id string, expectedVersion int) error

	// ListPending returns entries awaiting propagation: PENDING entries
	// created after the watermark, plus transiently-errored entries of
	// any age, ordered by creation time then sequence.
	ListPending(ctx context.Context, since time.Time) ([]*models.ChangeLogEntry, error)

	// MarkEntryStatus transitions an entry's propagation state. errCode
	// and errMsg are recorded for ERROR outcomes and ignored otherwise.
	MarkEntryStatus(ctx context.Context, entryID int64, status models.SyncStatus, errCode, errMsg string) error

	// GetWatermark returns the last_sync low-water mark, zero when the
	// store has never completed a cycle.
	GetWatermark(ctx context.Context) (time.Time, error)

	// SetWatermark advances the last_sync low-water mark.
	SetWatermark(ctx context.Context, ts time.Time) error

	// SaveConflict persists a detected divergence.
	SaveConflict(ctx context.Context, c *models.Conflict) error

	// GetConflict returns a conflict by ID, or ErrNotFound.
	GetConflict(ctx context.Context, id string) (*models.Conflict, error)

	// ListUnresolvedConflicts returns conflicts with no resolution yet,
	// oldest first.
	ListUnresolvedConflicts(ctx context.Context) ([]*models.Conflict, error)

	// MarkConflictResolved stamps resolution data onto a conflict.
	MarkConflictResolved(ctx context.Context, id string, data models.RowData, resolvedBy string) error
}

// Writer is the application write path: row mutations that bump the
// version ledger and append a change-log entry in the same transaction.
// The engine never calls it; applications owning a replica do.
type Writer interface {
	InsertRecord(ctx context.Context, table, id string, data models.RowData) error
	UpdateRecord(ctx context.Context, table, id string, data models.RowData) error
	DeleteRecord(ctx context.Context, table, id string) error
}
