package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ricardomaia/syncbridge/internal/errors"
	"github.com/ricardomaia/syncbridge/internal/models"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "local.db")
	st, err := OpenSQLite(path, map[string]string{"usuarios": "id"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.EnsureSchema(ctx))

	_, err = st.DB().ExecContext(ctx, `
	CREATE TABLE usuarios (
		id TEXT PRIMARY KEY,
		nome TEXT,
		email TEXT,
		version INTEGER NOT NULL,
		last_modified TIMESTAMP NOT NULL
	)`)
	require.NoError(t, err)

	return st
}

func TestWriterCapturesChanges(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertRecord(ctx, "usuarios", "u-1",
		models.RowData{"nome": "Ana", "email": "ana@example.com"}))

	rec, err := st.ReadRecord(ctx, "usuarios", "u-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, "Ana", rec.Data["nome"])
	assert.False(t, rec.LastModified.IsZero())
	assert.NotContains(t, rec.Data, "version")
	assert.NotContains(t, rec.Data, "id")

	require.NoError(t, st.UpdateRecord(ctx, "usuarios", "u-1",
		models.RowData{"nome": "Ana Maria", "email": "ana@example.com"}))
	require.NoError(t, st.DeleteRecord(ctx, "usuarios", "u-1"))

	entries, err := st.ListPending(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	insert, update, del := entries[0], entries[1], entries[2]

	assert.Equal(t, models.OpInsert, insert.Operation)
	assert.Equal(t, 1, insert.Version)
	assert.Nil(t, insert.OldData)
	assert.Equal(t, "Ana", insert.NewData["nome"])

	assert.Equal(t, models.OpUpdate, update.Operation)
	assert.Equal(t, 2, update.Version)
	assert.Equal(t, "Ana", update.OldData["nome"])
	assert.Equal(t, "Ana Maria", update.NewData["nome"])

	assert.Equal(t, models.OpDelete, del.Operation)
	assert.Equal(t, 3, del.Version)
	assert.True(t, del.IsTombstone())
	assert.Nil(t, del.NewData)
	assert.Equal(t, "Ana Maria", del.OldData["nome"])
}

func TestApplyRecordDoesNotEcho(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.ApplyRecord(ctx, "usuarios", "u-1",
		models.RowData{"nome": "Ana", "email": "a@example.com"}, 1, now, ExpectAbsent))
	require.NoError(t, st.ApplyRecord(ctx, "usuarios", "u-1",
		models.RowData{"nome": "Ana Maria", "email": "a@example.com"}, 2, now, 1))
	require.NoError(t, st.RemoveRecord(ctx, "usuarios", "u-1", 2))

	entries, err := st.ListPending(ctx, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, entries, "sync-apply writes must not re-enter the change log")
}

func TestApplyRecordVersionPrecondition(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.ApplyRecord(ctx, "usuarios", "u-1",
		models.RowData{"nome": "Ana", "email": "a@example.com"}, 3, now, ExpectAbsent))

	// The record moved past what the caller read.
	err := st.ApplyRecord(ctx, "usuarios", "u-1",
		models.RowData{"nome": "X", "email": "a@example.com"}, 4, now, 2)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	// ExpectAny bypasses the guard for forced resolutions.
	require.NoError(t, st.ApplyRecord(ctx, "usuarios", "u-1",
		models.RowData{"nome": "Forçada", "email": "a@example.com"}, 9, now, ExpectAny))

	rec, err := st.ReadRecord(ctx, "usuarios", "u-1")
	require.NoError(t, err)
	assert.Equal(t, 9, rec.Version)
	assert.Equal(t, "Forçada", rec.Data["nome"])
}

func TestRemoveAbsentRecordSucceeds(t *testing.T) {
	st := openTestStore(t)
	assert.NoError(t, st.RemoveRecord(context.Background(), "usuarios", "missing", 5))
}

func TestReadRecordNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.ReadRecord(context.Background(), "usuarios", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPendingRespectsStatusAndWatermark(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertRecord(ctx, "usuarios", "u-1", models.RowData{"nome": "A"}))
	require.NoError(t, st.InsertRecord(ctx, "usuarios", "u-2", models.RowData{"nome": "B"}))
	require.NoError(t, st.InsertRecord(ctx, "usuarios", "u-3", models.RowData{"nome": "C"}))

	entries, err := st.ListPending(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Settled entries leave the scan.
	require.NoError(t, st.MarkEntryStatus(ctx, entries[0].ID, models.StatusSynced, "", ""))

	// Transient errors stay in the scan regardless of the watermark;
	// constraint violations are parked.
	require.NoError(t, st.MarkEntryStatus(ctx, entries[1].ID, models.StatusError,
		string(apperrors.ErrTransientStore), "broken pipe"))
	require.NoError(t, st.MarkEntryStatus(ctx, entries[2].ID, models.StatusError,
		string(apperrors.ErrConstraint), "unique violation"))

	future := time.Now().UTC().Add(time.Hour)
	entries, err = st.ListPending(ctx, future)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u-2", entries[0].RecordID)
	assert.Equal(t, string(apperrors.ErrTransientStore), entries[0].ErrorCode)
}

func TestMarkEntryStatusUnknownEntry(t *testing.T) {
	st := openTestStore(t)
	err := st.MarkEntryStatus(context.Background(), 999, models.StatusSynced, "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWatermarkRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	wm, err := st.GetWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, wm.IsZero())

	ts := time.Date(2026, 8, 27, 12, 30, 0, 123456789, time.UTC)
	require.NoError(t, st.SetWatermark(ctx, ts))

	wm, err = st.GetWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, ts.Equal(wm))

	// Upsert, not insert-once.
	later := ts.Add(time.Hour)
	require.NoError(t, st.SetWatermark(ctx, later))
	wm, err = st.GetWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, later.Equal(wm))
}

func TestConflictLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := &models.Conflict{
		ID:                 uuid.New().String(),
		TableName:          "usuarios",
		RecordID:           "u-1",
		LocalData:          models.RowData{"nome": "Local"},
		RemoteData:         models.RowData{"nome": "Remoto"},
		LocalVersion:       5,
		RemoteVersion:      6,
		LocalModified:      now.Add(-time.Minute),
		RemoteModified:     now,
		ResolutionStrategy: "manual",
		CreatedAt:          now,
	}
	require.NoError(t, st.SaveConflict(ctx, c))

	got, err := st.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Local", got.LocalData["nome"])
	assert.Equal(t, "Remoto", got.RemoteData["nome"])
	assert.Equal(t, 5, got.LocalVersion)
	assert.Equal(t, 6, got.RemoteVersion)
	assert.False(t, got.Resolved())

	open, err := st.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, st.MarkConflictResolved(ctx, c.ID,
		models.RowData{"nome": "Escolhido"}, "tester"))

	got, err = st.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved())
	assert.Equal(t, "tester", got.ResolvedBy)
	assert.Equal(t, "Escolhido", got.ResolutionData["nome"])

	open, err = st.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestVerifySchemaReportsMissingPieces(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// A table without the version ledger columns.
	_, err := st.DB().ExecContext(ctx, `CREATE TABLE legado (id TEXT PRIMARY KEY, nome TEXT)`)
	require.NoError(t, err)

	issues, err := st.VerifySchema(ctx, []string{"usuarios", "legado", "fantasma"})
	require.NoError(t, err)

	problems := make(map[string][]string)
	for _, i := range issues {
		problems[i.Table] = append(problems[i.Table], i.Problem)
	}
	assert.Empty(t, problems["usuarios"])
	assert.Contains(t, problems["legado"], "version column missing")
	assert.Contains(t, problems["legado"], "last_modified column missing")
	assert.Contains(t, problems["fantasma"], "table missing")
}
