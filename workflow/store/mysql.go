package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlSchema requires MySQL 8.0+ (for SELECT ... FOR UPDATE SKIP LOCKED).
//
// MySQL's LOCK TABLES implicitly commits the current transaction, which
// would break every caller that expects LockWorkUnitTable to participate
// in its surrounding transaction (spec.md §4.2.10's rerun_all and
// mark_all_as_feasible both read and write inside the same lock). Instead
// of LOCK TABLES, lock_sentinels holds one row per logically-locked table;
// "locking the table" means taking a row lock on its sentinel row, which
// is fully transactional.
const mysqlSchema = `
CREATE TABLE IF NOT EXISTS work_units (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	payload_type VARCHAR(255) NOT NULL,
	state VARCHAR(16) NOT NULL,
	num_unsatisfied_requirements INT NOT NULL DEFAULT 0,
	creator_id BIGINT NULL,
	created_at DATETIME(6) NOT NULL,
	last_attempt_at DATETIME(6) NULL,
	succeeded_at DATETIME(6) NULL,
	leased_until DATETIME(6) NULL,
	lease_holder VARCHAR(64) NOT NULL DEFAULT '',
	node VARCHAR(255) NOT NULL DEFAULT '',
	description TEXT NOT NULL,
	search_terms TEXT NOT NULL,
	INDEX idx_dispatch (state, payload_type, id),
	INDEX idx_leased (state, leased_until)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

CREATE TABLE IF NOT EXISTS requirements (
	source_id BIGINT NOT NULL,
	target_id BIGINT NOT NULL,
	PRIMARY KEY (source_id, target_id),
	INDEX idx_target (target_id)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS payloads (
	work_unit_id BIGINT PRIMARY KEY,
	payload_type VARCHAR(255) NOT NULL,
	data JSON NOT NULL
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS state_count_deltas (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	payload_type VARCHAR(255) NOT NULL,
	from_state VARCHAR(16) NOT NULL DEFAULT '',
	to_state VARCHAR(16) NOT NULL DEFAULT '',
	delta INT NOT NULL
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS state_counts (
	shard INT NOT NULL,
	payload_type VARCHAR(255) NOT NULL,
	state VARCHAR(16) NOT NULL,
	count INT NOT NULL DEFAULT 0,
	PRIMARY KEY (shard, payload_type, state)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS work_exceptions (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	timestamp DATETIME(6) NOT NULL,
	category VARCHAR(32) NOT NULL,
	work_unit_id BIGINT NOT NULL,
	message TEXT NOT NULL,
	stack_frames TEXT NOT NULL
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS lock_sentinels (
	name VARCHAR(64) PRIMARY KEY
) ENGINE=InnoDB;

INSERT IGNORE INTO lock_sentinels (name) VALUES ('work_units'), ('state_counts'), ('state_count_deltas');
`

func mysqlLockTableSQL(sentinel string) string {
	return fmt.Sprintf(`SELECT name FROM lock_sentinels WHERE name = '%s' FOR UPDATE`, sentinel)
}

var mysqlDialect = dialect{
	name:                 "mysql",
	style:                paramStyleQuestion,
	forUpdate:            "FOR UPDATE",
	forUpdateSkipLocked:  "FOR UPDATE SKIP LOCKED",
	lockWorkUnitTableSQL: mysqlLockTableSQL("work_units"),
	lockCounterTableSQL:  mysqlLockTableSQL("state_counts"),
	lockDeltaTableSQL:    mysqlLockTableSQL("state_count_deltas"),
	upsertCounterSQL: `
		INSERT INTO state_counts (shard, payload_type, state, count) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE count = count + ?`,
	insertRequirementSQL: `INSERT IGNORE INTO requirements (source_id, target_id) VALUES (?, ?)`,
	isRetryable: func(err error) bool {
		var mErr *mysql.MySQLError
		if !errors.As(err, &mErr) {
			return false
		}
		switch mErr.Number {
		case 1213, 1205: // ER_LOCK_DEADLOCK, ER_LOCK_WAIT_TIMEOUT
			return true
		default:
			return false
		}
	},
}

// NewMySQLStore opens a connection pool against dsn (go-sql-driver/mysql
// DSN syntax, e.g. "user:pass@tcp(host:3306)/dbname?parseTime=true"),
// creates the schema if absent, and returns a Store backed by it.
func NewMySQLStore(ctx context.Context, dsn string) (Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: pinging mysql: %w", err)
	}
	for _, stmt := range splitSchemaStatements(mysqlSchema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: creating mysql schema: %w", err)
		}
	}
	return &sqlStore{db: db, d: mysqlDialect}, nil
}
