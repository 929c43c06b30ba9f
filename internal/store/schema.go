package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect carries the SQL that differs between the two replicas' engines.
// Everything else in SQLStore is shared: both drivers use ? placeholders.
type Dialect interface {
	Name() string

	CreateSyncLogSQL() string
	CreateConflictsSQL() string
	CreateMetadataSQL() string

	// UpsertMetadataSQL takes (key, value, updated_at).
	UpsertMetadataSQL() string

	// TableExistsSQL takes a table name and yields a count.
	TableExistsSQL() string

	// ColumnsSQL takes a table name and yields one column name per row.
	ColumnsSQL() string
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) CreateSyncLogSQL() string {
	return `
	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		old_data TEXT,
		new_data TEXT,
		version INTEGER NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		error_code TEXT,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sync_log_pending
		ON sync_log(sync_status, created_at);
	`
}

func (sqliteDialect) CreateConflictsSQL() string {
	return `
	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		local_data TEXT,
		remote_data TEXT,
		local_version INTEGER NOT NULL,
		remote_version INTEGER NOT NULL,
		local_modified TIMESTAMP,
		remote_modified TIMESTAMP,
		resolution_strategy TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		resolved_by TEXT,
		resolution_data TEXT
	);
	`
}

func (sqliteDialect) CreateMetadataSQL() string {
	return `
	CREATE TABLE IF NOT EXISTS sync_metadata (
		key_name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
}

func (sqliteDialect) UpsertMetadataSQL() string {
	return `
	INSERT INTO sync_metadata (key_name, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key_name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
}

func (sqliteDialect) TableExistsSQL() string {
	return `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
}

func (sqliteDialect) ColumnsSQL() string {
	return `SELECT name FROM pragma_table_info(?)`
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }

func (mysqlDialect) CreateSyncLogSQL() string {
	return `
	CREATE TABLE IF NOT EXISTS sync_log (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		table_name VARCHAR(128) NOT NULL,
		record_id VARCHAR(128) NOT NULL,
		operation VARCHAR(16) NOT NULL,
		old_data LONGTEXT,
		new_data LONGTEXT,
		version INT NOT NULL,
		sync_status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
		error_code VARCHAR(64),
		error_message TEXT,
		created_at DATETIME(6) NOT NULL,
		INDEX idx_sync_log_pending (sync_status, created_at)
	)
	`
}

func (mysqlDialect) CreateConflictsSQL() string {
	return `
	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id VARCHAR(36) PRIMARY KEY,
		table_name VARCHAR(128) NOT NULL,
		record_id VARCHAR(128) NOT NULL,
		local_data LONGTEXT,
		remote_data LONGTEXT,
		local_version INT NOT NULL,
		remote_version INT NOT NULL,
		local_modified DATETIME(6),
		remote_modified DATETIME(6),
		resolution_strategy VARCHAR(32) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		resolved_at DATETIME(6),
		resolved_by VARCHAR(128),
		resolution_data LONGTEXT
	)
	`
}

func (mysqlDialect) CreateMetadataSQL() string {
	return `
	CREATE TABLE IF NOT EXISTS sync_metadata (
		key_name VARCHAR(64) PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)
	`
}

func (mysqlDialect) UpsertMetadataSQL() string {
	return `
	INSERT INTO sync_metadata (key_name, value, updated_at) VALUES (?, ?, ?)
	ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)
	`
}

func (mysqlDialect) TableExistsSQL() string {
	return `
	SELECT COUNT(*) FROM information_schema.tables
	WHERE table_schema = DATABASE() AND table_name = ?
	`
}

func (mysqlDialect) ColumnsSQL() string {
	return `
	SELECT column_name FROM information_schema.columns
	WHERE table_schema = DATABASE() AND table_name = ?
	ORDER BY ordinal_position
	`
}

// EnsureSchema creates the three sync control tables when absent. It never
// touches business tables; those belong to the application.
func EnsureSchema(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, ddl := range []string{
		d.CreateSyncLogSQL(),
		d.CreateConflictsSQL(),
		d.CreateMetadataSQL(),
	} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure %s schema: %w", d.Name(), err)
		}
	}
	return nil
}

// SchemaIssue describes one thing VerifySchema found missing.
type SchemaIssue struct {
	Table   string
	Problem string
}

func (i SchemaIssue) String() string {
	return fmt.Sprintf("%s: %s", i.Table, i.Problem)
}

// VerifySchema checks that every synchronized table exists and carries the
// version ledger columns, and that the control tables exist. Missing
// pieces are configuration errors reported for the operator; they are
// never treated as conflicts.
func VerifySchema(ctx context.Context, db *sql.DB, d Dialect, tables []string) ([]SchemaIssue, error) {
	var issues []SchemaIssue

	for _, control := range []string{"sync_log", "sync_conflicts", "sync_metadata"} {
		exists, err := tableExists(ctx, db, d, control)
		if err != nil {
			return nil, err
		}
		if !exists {
			issues = append(issues, SchemaIssue{Table: control, Problem: "control table missing"})
		}
	}

	for _, table := range tables {
		exists, err := tableExists(ctx, db, d, table)
		if err != nil {
			return nil, err
		}
		if !exists {
			issues = append(issues, SchemaIssue{Table: table, Problem: "table missing"})
			continue
		}

		cols, err := tableColumns(ctx, db, d, table)
		if err != nil {
			return nil, err
		}
		if !cols["version"] {
			issues = append(issues, SchemaIssue{Table: table, Problem: "version column missing"})
		}
		if !cols["last_modified"] {
			issues = append(issues, SchemaIssue{Table: table, Problem: "last_modified column missing"})
		}
	}

	return issues, nil
}

func tableExists(ctx context.Context, db *sql.DB, d Dialect, table string) (bool, error) {
	var count int
	if err := db.QueryRowContext(ctx, d.TableExistsSQL(), table).Scan(&count); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return count > 0, nil
}

func tableColumns(ctx context.Context, db *sql.DB, d Dialect, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, d.ColumnsSQL(), table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
