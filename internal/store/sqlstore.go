package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/ricardomaia/syncbridge/internal/errors"
	"github.com/ricardomaia/syncbridge/internal/models"
)

// SQLStore implements Store and Writer over a database/sql connection.
// Both replicas use it; the Dialect carries the few statements that
// differ between engines.
type SQLStore struct {
	name    string
	db      *sql.DB
	dialect Dialect

	// primary key column per synchronized table; "id" when unlisted
	pks map[string]string
}

// NewSQLStore wraps an open connection. primaryKeys maps table name to
// its primary key column and may be nil when every table keys on "id".
func NewSQLStore(name string, db *sql.DB, dialect Dialect, primaryKeys map[string]string) *SQLStore {
	return &SQLStore{
		name:    name,
		db:      db,
		dialect: dialect,
		pks:     primaryKeys,
	}
}

// Name identifies the replica.
func (s *SQLStore) Name() string { return s.name }

// DB exposes the underlying connection for schema management.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the underlying connection.
func (s *SQLStore) Close() error { return s.db.Close() }

// Ping verifies the store is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the sync control tables when absent.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	return EnsureSchema(ctx, s.db, s.dialect)
}

// VerifySchema checks control tables and version ledger columns.
func (s *SQLStore) VerifySchema(ctx context.Context, tables []string) ([]SchemaIssue, error) {
	return VerifySchema(ctx, s.db, s.dialect, tables)
}

func (s *SQLStore) pkOf(table string) string {
	if pk, ok := s.pks[table]; ok && pk != "" {
		return pk
	}
	return "id"
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ReadRecord returns the current record, or ErrNotFound.
func (s *SQLStore) ReadRecord(ctx context.Context, table, id string) (*models.Record, error) {
	return s.readRecord(ctx, s.db, table, id)
}

func (s *SQLStore) readRecord(ctx context.Context, q queryer, table, id string) (*models.Record, error) {
	pk := s.pkOf(table)
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", table, pk)

	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	payload := make(models.RowData, len(cols))
	for i, col := range cols {
		payload[col] = normalizeValue(vals[i])
	}

	rec := &models.Record{
		TableName:    table,
		RecordID:     id,
		Version:      toInt(payload["version"]),
		LastModified: parseTime(payload["last_modified"]),
	}
	delete(payload, pk)
	delete(payload, "version")
	delete(payload, "last_modified")
	rec.Data = payload

	return rec, nil
}

// currentVersion returns the record's version, or ExpectAbsent when the
// record does not exist.
func (s *SQLStore) currentVersion(ctx context.Context, q queryer, table, id string) (int, error) {
	pk := s.pkOf(table)
	query := fmt.Sprintf("SELECT version FROM %s WHERE %s = ?", table, pk)

	var version int
	err := q.QueryRowContext(ctx, query, id).Scan(&version)
	if err == sql.ErrNoRows {
		return ExpectAbsent, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func checkExpected(current, expected int) error {
	if expected == ExpectAny {
		return nil
	}
	if current != expected {
		return fmt.Errorf("%w: have %d, expected %d", ErrVersionMismatch, current, expected)
	}
	return nil
}

// ApplyRecord upserts a record at the given version inside a single-record
// transaction. The sync-apply path never writes change-log entries.
func (s *SQLStore) ApplyRecord(ctx context.Context, table, id string, data models.RowData, version int, modified time.Time, expectedVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := s.currentVersion(ctx, tx, table, id)
	if err != nil {
		return err
	}
	if err := checkExpected(current, expectedVersion); err != nil {
		return err
	}

	if current == ExpectAbsent {
		err = s.insertRow(ctx, tx, table, id, data, version, modified)
	} else {
		err = s.updateRow(ctx, tx, table, id, data, version, modified)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// RemoveRecord deletes a record inside a single-record transaction.
// Removing an absent record succeeds: the outcome state already holds.
func (s *SQLStore) RemoveRecord(ctx context.Context, table, id string, expectedVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := s.currentVersion(ctx, tx, table, id)
	if err != nil {
		return err
	}
	if current == ExpectAbsent {
		return tx.Commit()
	}
	if err := checkExpected(current, expectedVersion); err != nil {
		return err
	}

	pk := s.pkOf(table)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, pk)
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) insertRow(ctx context.Context, q queryer, table, id string, data models.RowData, version int, modified time.Time) error {
	pk := s.pkOf(table)

	cols := []string{pk}
	args := []interface{}{id}
	for _, col := range sortedKeys(data) {
		cols = append(cols, col)
		args = append(args, data[col])
	}
	cols = append(cols, "version", "last_modified")
	args = append(args, version, modified)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders)

	_, err := q.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLStore) updateRow(ctx context.Context, q queryer, table, id string, data models.RowData, version int, modified time.Time) error {
	pk := s.pkOf(table)

	var sets []string
	var args []interface{}
	for _, col := range sortedKeys(data) {
		sets = append(sets, col+" = ?")
		args = append(args, data[col])
	}
	sets = append(sets, "version = ?", "last_modified = ?")
	args = append(args, version, modified, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		table, strings.Join(sets, ", "), pk)

	_, err := q.ExecContext(ctx, query, args...)
	return err
}

// =====================================================
// Application write path (change capture)
// =====================================================

// InsertRecord writes a new row at version 1 and captures the change in
// the same transaction: if the mutation commits, the log entry exists.
func (s *SQLStore) InsertRecord(ctx context.Context, table, id string, data models.RowData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if err := s.insertRow(ctx, tx, table, id, data, 1, now); err != nil {
		return err
	}
	if err := s.appendLog(ctx, tx, table, id, models.OpInsert, nil, data, 1, now); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateRecord bumps the record's version by exactly one, refreshes
// last_modified, and captures pre/post snapshots atomically.
func (s *SQLStore) UpdateRecord(ctx context.Context, table, id string, data models.RowData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := s.readRecord(ctx, tx, table, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	newVersion := current.Version + 1
	if err := s.updateRow(ctx, tx, table, id, data, newVersion, now); err != nil {
		return err
	}
	if err := s.appendLog(ctx, tx, table, id, models.OpUpdate, current.Data, data, newVersion, now); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteRecord removes a row and captures a tombstone carrying the last
// known snapshot atomically.
func (s *SQLStore) DeleteRecord(ctx context.Context, table, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := s.readRecord(ctx, tx, table, id)
	if err != nil {
		return err
	}

	pk := s.pkOf(table)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, pk)
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := s.appendLog(ctx, tx, table, id, models.OpDelete, current.Data, nil, current.Version+1, now); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) appendLog(ctx context.Context, q queryer, table, id string, op models.Operation, oldData, newData models.RowData, version int, at time.Time) error {
	oldJSON, err := models.MarshalRowData(oldData)
	if err != nil {
		return err
	}
	newJSON, err := models.MarshalRowData(newData)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO sync_log (table_name, record_id, operation, old_data, new_data, version, sync_status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, query,
		table, id, string(op), nullable(oldJSON), nullable(newJSON),
		version, string(models.StatusPending), at)
	return err
}

// =====================================================
// Change log scan and status transitions
// =====================================================

// ListPending returns entries awaiting propagation: PENDING entries newer
// than the watermark plus transiently-errored entries of any age, ordered
// by creation time then sequence. Constraint violations and manual
// conflicts stay parked until an operator acts.
func (s *SQLStore) ListPending(ctx context.Context, since time.Time) ([]*models.ChangeLogEntry, error) {
	query := `
	SELECT id, table_name, record_id, operation, old_data, new_data, version,
		sync_status, created_at, error_code, error_message
	FROM sync_log
	WHERE (sync_status = ? AND created_at > ?)
	   OR (sync_status = ? AND error_code = ?)
	ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query,
		string(models.StatusPending), since.UTC(),
		string(models.StatusError), string(apperrors.ErrTransientStore))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.ChangeLogEntry
	for rows.Next() {
		var e models.ChangeLogEntry
		var op, status string
		var oldJSON, newJSON, errCode, errMsg sql.NullString
		var createdRaw interface{}
		if err := rows.Scan(&e.ID, &e.TableName, &e.RecordID, &op,
			&oldJSON, &newJSON, &e.Version, &status, &createdRaw,
			&errCode, &errMsg); err != nil {
			return nil, err
		}
		e.Operation = models.Operation(op)
		e.Status = models.SyncStatus(status)
		e.CreatedAt = parseTime(createdRaw)
		e.ErrorCode = errCode.String
		e.ErrorMessage = errMsg.String

		if e.OldData, err = models.UnmarshalRowData(oldJSON.String); err != nil {
			return nil, fmt.Errorf("entry %d: bad old_data: %w", e.ID, err)
		}
		if e.NewData, err = models.UnmarshalRowData(newJSON.String); err != nil {
			return nil, fmt.Errorf("entry %d: bad new_data: %w", e.ID, err)
		}

		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MarkEntryStatus transitions an entry's propagation state, recording the
// error taxonomy for ERROR outcomes.
func (s *SQLStore) MarkEntryStatus(ctx context.Context, entryID int64, status models.SyncStatus, errCode, errMsg string) error {
	var code, msg interface{}
	if status == models.StatusError {
		code, msg = errCode, errMsg
	}

	query := `UPDATE sync_log SET sync_status = ?, error_code = ?, error_message = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, string(status), code, msg, entryID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// =====================================================
// Watermark
// =====================================================

// GetWatermark returns the last_sync low-water mark, zero when unset.
func (s *SQLStore) GetWatermark(ctx context.Context) (time.Time, error) {
	query := `SELECT value FROM sync_metadata WHERE key_name = ?`

	var value string
	err := s.db.QueryRowContext(ctx, query, models.WatermarkKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}

	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad %s value %q: %w", models.WatermarkKey, value, err)
	}
	return ts, nil
}

// SetWatermark advances the last_sync low-water mark.
func (s *SQLStore) SetWatermark(ctx context.Context, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, s.dialect.UpsertMetadataSQL(),
		models.WatermarkKey, ts.UTC().Format(time.RFC3339Nano), time.Now().UTC())
	return err
}

// =====================================================
// Conflicts
// =====================================================

// SaveConflict persists a detected divergence with both sides' data intact.
func (s *SQLStore) SaveConflict(ctx context.Context, c *models.Conflict) error {
	localJSON, err := models.MarshalRowData(c.LocalData)
	if err != nil {
		return err
	}
	remoteJSON, err := models.MarshalRowData(c.RemoteData)
	if err != nil {
		return err
	}
	resolutionJSON, err := models.MarshalRowData(c.ResolutionData)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO sync_conflicts (id, table_name, record_id, local_data, remote_data,
		local_version, remote_version, local_modified, remote_modified,
		resolution_strategy, created_at, resolved_at, resolved_by, resolution_data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.TableName, c.RecordID, nullable(localJSON), nullable(remoteJSON),
		c.LocalVersion, c.RemoteVersion, c.LocalModified, c.RemoteModified,
		c.ResolutionStrategy, c.CreatedAt, nullableTime(c.ResolvedAt),
		nullable(c.ResolvedBy), nullable(resolutionJSON))
	return err
}

// GetConflict returns a conflict by ID, or ErrNotFound.
func (s *SQLStore) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, conflictSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanConflict(rows)
}

// ListUnresolvedConflicts returns conflicts awaiting resolution, oldest
// first.
func (s *SQLStore) ListUnresolvedConflicts(ctx context.Context) ([]*models.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, conflictSelect+` WHERE resolved_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// MarkConflictResolved stamps resolution data onto a conflict.
func (s *SQLStore) MarkConflictResolved(ctx context.Context, id string, data models.RowData, resolvedBy string) error {
	resolutionJSON, err := models.MarshalRowData(data)
	if err != nil {
		return err
	}

	query := `UPDATE sync_conflicts SET resolved_at = ?, resolved_by = ?, resolution_data = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), resolvedBy, nullable(resolutionJSON), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const conflictSelect = `
	SELECT id, table_name, record_id, local_data, remote_data,
		local_version, remote_version, local_modified, remote_modified,
		resolution_strategy, created_at, resolved_at, resolved_by, resolution_data
	FROM sync_conflicts`

func scanConflict(rows *sql.Rows) (*models.Conflict, error) {
	var c models.Conflict
	var localJSON, remoteJSON, resolvedBy, resolutionJSON sql.NullString
	var localMod, remoteMod, createdRaw, resolvedRaw interface{}
	err := rows.Scan(&c.ID, &c.TableName, &c.RecordID, &localJSON, &remoteJSON,
		&c.LocalVersion, &c.RemoteVersion, &localMod, &remoteMod,
		&c.ResolutionStrategy, &createdRaw, &resolvedRaw, &resolvedBy, &resolutionJSON)
	if err != nil {
		return nil, err
	}

	if c.LocalData, err = models.UnmarshalRowData(localJSON.String); err != nil {
		return nil, err
	}
	if c.RemoteData, err = models.UnmarshalRowData(remoteJSON.String); err != nil {
		return nil, err
	}
	if c.ResolutionData, err = models.UnmarshalRowData(resolutionJSON.String); err != nil {
		return nil, err
	}

	c.LocalModified = parseTime(localMod)
	c.RemoteModified = parseTime(remoteMod)
	c.CreatedAt = parseTime(createdRaw)
	if resolvedRaw != nil {
		ts := parseTime(resolvedRaw)
		if !ts.IsZero() {
			c.ResolvedAt = &ts
		}
	}
	c.ResolvedBy = resolvedBy.String

	return &c, nil
}

// =====================================================
// Value helpers
// =====================================================

// normalizeValue maps driver-specific scan results onto plain Go values.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int64:
		return t
	default:
		return v
	}
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case []byte:
		n := 0
		fmt.Sscanf(string(t), "%d", &n)
		return n
	case string:
		n := 0
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

// timeLayouts covers the formats the two drivers hand back for TIMESTAMP
// and DATETIME columns.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	case []byte:
		return parseTime(string(t))
	}
	return time.Time{}
}

func sortedKeys(d models.RowData) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
