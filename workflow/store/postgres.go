package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// postgresSchema is created once per database. Postgres is the primary
// production backend: it is the only one of the three with a real,
// transactional full-table LOCK TABLE, which RerunAll and
// MarkAllAsFeasible rely on (spec.md §4.2.10, §6).
const postgresSchema = `
CREATE TABLE IF NOT EXISTS work_units (
	id BIGSERIAL PRIMARY KEY,
	payload_type TEXT NOT NULL,
	state TEXT NOT NULL,
	num_unsatisfied_requirements INT NOT NULL DEFAULT 0,
	creator_id BIGINT,
	created_at TIMESTAMPTZ NOT NULL,
	last_attempt_at TIMESTAMPTZ,
	succeeded_at TIMESTAMPTZ,
	leased_until TIMESTAMPTZ,
	lease_holder TEXT NOT NULL DEFAULT '',
	node TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	search_terms TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_work_units_dispatch ON work_units (state, payload_type, id);
CREATE INDEX IF NOT EXISTS idx_work_units_leased ON work_units (state, leased_until) WHERE state = 'LEASED';

CREATE TABLE IF NOT EXISTS requirements (
	source_id BIGINT NOT NULL,
	target_id BIGINT NOT NULL,
	PRIMARY KEY (source_id, target_id)
);
CREATE INDEX IF NOT EXISTS idx_requirements_target ON requirements (target_id);

CREATE TABLE IF NOT EXISTS payloads (
	work_unit_id BIGINT PRIMARY KEY,
	payload_type TEXT NOT NULL,
	data JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS state_count_deltas (
	id BIGSERIAL PRIMARY KEY,
	payload_type TEXT NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL DEFAULT '',
	delta INT NOT NULL
);

CREATE TABLE IF NOT EXISTS state_counts (
	shard INT NOT NULL,
	payload_type TEXT NOT NULL,
	state TEXT NOT NULL,
	count INT NOT NULL DEFAULT 0,
	PRIMARY KEY (shard, payload_type, state)
);

CREATE TABLE IF NOT EXISTS work_exceptions (
	id BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	category TEXT NOT NULL,
	work_unit_id BIGINT NOT NULL,
	message TEXT NOT NULL,
	stack_frames TEXT NOT NULL DEFAULT ''
);
`

var postgresDialect = dialect{
	name:                 "postgres",
	style:                paramStyleDollar,
	forUpdate:            "FOR UPDATE",
	forUpdateSkipLocked:  "FOR UPDATE SKIP LOCKED",
	lockWorkUnitTableSQL: "LOCK TABLE work_units IN EXCLUSIVE MODE",
	lockCounterTableSQL:  "LOCK TABLE state_counts IN EXCLUSIVE MODE",
	lockDeltaTableSQL:    "LOCK TABLE state_count_deltas IN EXCLUSIVE MODE",
	upsertCounterSQL: `
		INSERT INTO state_counts (shard, payload_type, state, count) VALUES (?, ?, ?, ?)
		ON CONFLICT (shard, payload_type, state) DO UPDATE SET count = state_counts.count + ?`,
	insertRequirementSQL: `
		INSERT INTO requirements (source_id, target_id) VALUES (?, ?)
		ON CONFLICT (source_id, target_id) DO NOTHING`,
	isRetryable: func(err error) bool {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			return false
		}
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		default:
			return false
		}
	},
}

// NewPostgresStore opens a connection pool against dsn (a standard
// postgres:// URL or libpq keyword string) via pgx's database/sql driver,
// creates the schema if absent, and returns a Store backed by it.
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: pinging postgres: %w", err)
	}
	for _, stmt := range splitSchemaStatements(postgresSchema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: creating postgres schema: %w", err)
		}
	}
	return &sqlStore{db: db, d: postgresDialect}, nil
}
