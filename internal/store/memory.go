package store

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/ricardomaia/syncbridge/internal/errors"
	"github.com/ricardomaia/syncbridge/internal/models"
)

// MemoryStore is an in-memory Store and Writer used by engine and
// scheduler tests. Fault hooks let tests inject unreachable stores and
// per-record apply failures.
type MemoryStore struct {
	mu        sync.Mutex
	name      string
	records   map[string]map[string]*models.Record
	log       []*models.ChangeLogEntry
	nextLogID int64
	watermark time.Time
	conflicts map[string]*models.Conflict

	// Fault injection. PingErr fails Ping; ApplyErr and RemoveErr are
	// consulted per record before the write happens; WatermarkErr fails
	// GetWatermark.
	PingErr      error
	ApplyErr     func(table, id string) error
	RemoveErr    func(table, id string) error
	WatermarkErr error

	// Clock defaults to time.Now; tests override it for deterministic
	// ordering.
	Clock func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:      name,
		records:   make(map[string]map[string]*models.Record),
		nextLogID: 1,
		conflicts: make(map[string]*models.Conflict),
	}
}

func (m *MemoryStore) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now().UTC()
}

// Name identifies the replica.
func (m *MemoryStore) Name() string { return m.name }

// Ping fails when PingErr is set.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Seed places a record directly, bypassing change capture. Tests use it
// to shape the target side's state.
func (m *MemoryStore) Seed(table, id string, data models.RowData, version int, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setRecord(table, id, data, version, modified)
}

func (m *MemoryStore) setRecord(table, id string, data models.RowData, version int, modified time.Time) {
	if m.records[table] == nil {
		m.records[table] = make(map[string]*models.Record)
	}
	m.records[table][id] = &models.Record{
		TableName:    table,
		RecordID:     id,
		Data:         data.Clone(),
		Version:      version,
		LastModified: modified,
	}
}

// ReadRecord returns a copy of the current record, or ErrNotFound.
func (m *MemoryStore) ReadRecord(ctx context.Context, table, id string) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[table][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Data = rec.Data.Clone()
	return &cp, nil
}

// ApplyRecord upserts without change capture.
func (m *MemoryStore) ApplyRecord(ctx context.Context, table, id string, data models.RowData, version int, modified time.Time, expectedVersion int) error {
	if m.ApplyErr != nil {
		if err := m.ApplyErr(table, id); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := ExpectAbsent
	if rec, ok := m.records[table][id]; ok {
		current = rec.Version
	}
	if err := checkExpected(current, expectedVersion); err != nil {
		return err
	}

	m.setRecord(table, id, data, version, modified)
	return nil
}

// RemoveRecord deletes without change capture. Absent records succeed.
func (m *MemoryStore) RemoveRecord(ctx context.Context, table, id string, expectedVersion int) error {
	if m.RemoveErr != nil {
		if err := m.RemoveErr(table, id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[table][id]
	if !ok {
		return nil
	}
	if err := checkExpected(rec.Version, expectedVersion); err != nil {
		return err
	}
	delete(m.records[table], id)
	return nil
}

// =====================================================
// Application write path
// =====================================================

// InsertRecord writes a new row at version 1 and captures the change.
func (m *MemoryStore) InsertRecord(ctx context.Context, table, id string, data models.RowData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.setRecord(table, id, data, 1, now)
	m.appendEntry(table, id, models.OpInsert, nil, data, 1, now)
	return nil
}

// UpdateRecord bumps the version and captures old and new snapshots.
func (m *MemoryStore) UpdateRecord(ctx context.Context, table, id string, data models.RowData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[table][id]
	if !ok {
		return ErrNotFound
	}

	now := m.now()
	old := rec.Data.Clone()
	newVersion := rec.Version + 1
	m.setRecord(table, id, data, newVersion, now)
	m.appendEntry(table, id, models.OpUpdate, old, data, newVersion, now)
	return nil
}

// DeleteRecord removes the row and captures a tombstone.
func (m *MemoryStore) DeleteRecord(ctx context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[table][id]
	if !ok {
		return ErrNotFound
	}

	now := m.now()
	old := rec.Data.Clone()
	version := rec.Version + 1
	delete(m.records[table], id)
	m.appendEntry(table, id, models.OpDelete, old, nil, version, now)
	return nil
}

func (m *MemoryStore) appendEntry(table, id string, op models.Operation, oldData, newData models.RowData, version int, at time.Time) *models.ChangeLogEntry {
	e := &models.ChangeLogEntry{
		ID:        m.nextLogID,
		TableName: table,
		RecordID:  id,
		Operation: op,
		OldData:   oldData.Clone(),
		NewData:   newData.Clone(),
		Version:   version,
		Status:    models.StatusPending,
		CreatedAt: at,
	}
	m.nextLogID++
	m.log = append(m.log, e)
	return e
}

// AppendEntry lets tests hand-craft change-log entries.
func (m *MemoryStore) AppendEntry(table, id string, op models.Operation, oldData, newData models.RowData, version int, at time.Time) *models.ChangeLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntry(table, id, op, oldData, newData, version, at)
}

// =====================================================
// Change log, watermark, conflicts
// =====================================================

// ListPending mirrors the SQL store's scan: pending entries after the
// watermark plus transiently-errored entries.
func (m *MemoryStore) ListPending(ctx context.Context, since time.Time) ([]*models.ChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ChangeLogEntry
	for _, e := range m.log {
		switch {
		case e.Status == models.StatusPending && e.CreatedAt.After(since):
			out = append(out, cloneEntry(e))
		case e.Status == models.StatusError && e.ErrorCode == string(apperrors.ErrTransientStore):
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// MarkEntryStatus transitions an entry's propagation state.
func (m *MemoryStore) MarkEntryStatus(ctx context.Context, entryID int64, status models.SyncStatus, errCode, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.log {
		if e.ID == entryID {
			e.Status = status
			if status == models.StatusError {
				e.ErrorCode = errCode
				e.ErrorMessage = errMsg
			} else {
				e.ErrorCode = ""
				e.ErrorMessage = ""
			}
			return nil
		}
	}
	return ErrNotFound
}

// Entries returns a snapshot of the whole change log for assertions.
func (m *MemoryStore) Entries() []*models.ChangeLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.ChangeLogEntry, 0, len(m.log))
	for _, e := range m.log {
		out = append(out, cloneEntry(e))
	}
	return out
}

// GetWatermark returns the last_sync low-water mark.
func (m *MemoryStore) GetWatermark(ctx context.Context) (time.Time, error) {
	if m.WatermarkErr != nil {
		return time.Time{}, m.WatermarkErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark, nil
}

// SetWatermark advances the last_sync low-water mark.
func (m *MemoryStore) SetWatermark(ctx context.Context, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermark = ts
	return nil
}

// SaveConflict persists a detected divergence.
func (m *MemoryStore) SaveConflict(ctx context.Context, c *models.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.conflicts[c.ID] = &cp
	return nil
}

// GetConflict returns a conflict by ID, or ErrNotFound.
func (m *MemoryStore) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListUnresolvedConflicts returns conflicts with no resolution yet.
func (m *MemoryStore) ListUnresolvedConflicts(ctx context.Context) ([]*models.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Conflict
	for _, c := range m.conflicts {
		if c.ResolvedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Conflicts returns every stored conflict for assertions.
func (m *MemoryStore) Conflicts() []*models.Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Conflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// MarkConflictResolved stamps resolution data onto a conflict.
func (m *MemoryStore) MarkConflictResolved(ctx context.Context, id string, data models.RowData, resolvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conflicts[id]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	c.ResolvedAt = &now
	c.ResolvedBy = resolvedBy
	c.ResolutionData = data.Clone()
	return nil
}

func cloneEntry(e *models.ChangeLogEntry) *models.ChangeLogEntry {
	cp := *e
	cp.OldData = e.OldData.Clone()
	cp.NewData = e.NewData.Clone()
	return &cp
}
