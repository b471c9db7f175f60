package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteSchema backs the single-process development and embedded-test
// backend. SQLite has no row-level locking: modernc.org/sqlite serializes
// every writer against the database file, which is why NewSQLiteStore
// caps the pool at one connection (below) rather than relying on any
// FOR UPDATE clause — there is never more than one writer to contend with,
// so the skip_locked semantics the other two backends need don't apply.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS work_units (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	payload_type TEXT NOT NULL,
	state TEXT NOT NULL,
	num_unsatisfied_requirements INTEGER NOT NULL DEFAULT 0,
	creator_id INTEGER,
	created_at DATETIME NOT NULL,
	last_attempt_at DATETIME,
	succeeded_at DATETIME,
	leased_until DATETIME,
	lease_holder TEXT NOT NULL DEFAULT '',
	node TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	search_terms TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_work_units_dispatch ON work_units (state, payload_type, id);

CREATE TABLE IF NOT EXISTS requirements (
	source_id INTEGER NOT NULL,
	target_id INTEGER NOT NULL,
	PRIMARY KEY (source_id, target_id)
);
CREATE INDEX IF NOT EXISTS idx_requirements_target ON requirements (target_id);

CREATE TABLE IF NOT EXISTS payloads (
	work_unit_id INTEGER PRIMARY KEY,
	payload_type TEXT NOT NULL,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS state_count_deltas (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	payload_type TEXT NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL DEFAULT '',
	delta INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS state_counts (
	shard INTEGER NOT NULL,
	payload_type TEXT NOT NULL,
	state TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (shard, payload_type, state)
);

CREATE TABLE IF NOT EXISTS work_exceptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	category TEXT NOT NULL,
	work_unit_id INTEGER NOT NULL,
	message TEXT NOT NULL,
	stack_frames TEXT NOT NULL DEFAULT ''
);
`

var sqliteDialectValue = dialect{
	name:                 "sqlite",
	style:                paramStyleQuestion,
	forUpdate:            "", // no row locking; the connection pool is capped at 1
	forUpdateSkipLocked:  "",
	lockWorkUnitTableSQL: "SELECT 1",
	lockCounterTableSQL:  "SELECT 1",
	lockDeltaTableSQL:    "SELECT 1",
	upsertCounterSQL: `
		INSERT INTO state_counts (shard, payload_type, state, count) VALUES (?, ?, ?, ?)
		ON CONFLICT (shard, payload_type, state) DO UPDATE SET count = count + ?`,
	insertRequirementSQL: `
		INSERT INTO requirements (source_id, target_id) VALUES (?, ?)
		ON CONFLICT (source_id, target_id) DO NOTHING`,
	isRetryable: func(err error) bool {
		var sErr *sqlite.Error
		if !errors.As(err, &sErr) {
			return false
		}
		switch sErr.Code() {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		default:
			return false
		}
	},
}

// NewSQLiteStore opens path (a file path, or ":memory:" for an ephemeral
// database) via modernc.org/sqlite, a pure-Go SQLite driver requiring no
// cgo, and creates the schema if absent.
func NewSQLiteStore(ctx context.Context, path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite database: %w", err)
	}
	// A single connection makes every transaction fully serialized,
	// which is what lets the lock* methods above be no-ops: there's
	// never a second writer to exclude.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enabling WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enabling foreign keys: %w", err)
	}
	for _, stmt := range splitSchemaStatements(sqliteSchema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: creating sqlite schema: %w", err)
		}
	}
	return &sqlStore{db: db, d: sqliteDialectValue}, nil
}
