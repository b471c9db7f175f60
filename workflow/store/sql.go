package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// paramStyle is how a dialect renders a positional parameter.
type paramStyle int

const (
	paramStyleQuestion paramStyle = iota // MySQL, SQLite: ?
	paramStyleDollar                     // Postgres: $1, $2, ...
)

// dialect isolates the handful of places Postgres, MySQL, and SQLite
// disagree: parameter syntax, row-locking clauses, full-table locking, and
// which driver errors mean "retry me". Everything else — every query this
// package issues — is written once in sqlTx and shared by all three
// backends.
type dialect struct {
	name                 string
	style                paramStyle
	forUpdate            string // appended to a single/ordered-row SELECT; "" if unsupported (SQLite)
	forUpdateSkipLocked  string // appended after a SELECT's WHERE clause for skip_locked scans
	lockWorkUnitTableSQL string
	lockCounterTableSQL  string
	lockDeltaTableSQL    string
	upsertCounterSQL     string // ? placeholders: shard, payload_type, state, delta, delta
	insertRequirementSQL string // ? placeholders: source_id, target_id; no-ops on a duplicate pair
	isRetryable          func(error) bool
}

// splitSchemaStatements splits a schema script into individual statements
// on ';' boundaries. The mysql driver doesn't execute multiple statements
// in one query.ExecContext call unless multiStatements is enabled on the
// DSN, so callers that want to avoid depending on that DSN option split
// and run each statement separately instead.
func splitSchemaStatements(schema string) []string {
	parts := strings.Split(schema, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// rebind rewrites a query written with '?' placeholders into d's own
// parameter style.
func (d dialect) rebind(query string) string {
	if d.style != paramStyleDollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sqlStore is the shared Store implementation for every database/sql
// backend; postgres.go, mysql.go, and sqlite.go each construct one with
// their own *sql.DB and dialect.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) Close() error { return s.db.Close() }

// WithTx runs fn inside one serializable transaction, translating a
// dialect-recognized deadlock or serialization failure into ErrRetryable
// so every caller can retry with a single errors.Is check regardless of
// backend (spec.md §5, §7).
func (s *sqlStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	if err := fn(ctx, &sqlTx{tx: tx, d: s.d}); err != nil {
		_ = tx.Rollback()
		if s.d.isRetryable(err) {
			return fmt.Errorf("%w: %v", ErrRetryable, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if s.d.isRetryable(err) {
			return fmt.Errorf("%w: %v", ErrRetryable, err)
		}
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}

// sqlTx implements Tx against a *sql.Tx. All queries below are written
// with '?' placeholders and rebound to the dialect's own style at call
// time, so this file is the only place any SQL text lives.
type sqlTx struct {
	tx *sql.Tx
	d  dialect
}

func (t *sqlTx) q(query string) string { return t.d.rebind(query) }

func scanWorkUnit(row rowScanner) (*WorkUnit, error) {
	var u WorkUnit
	var leasedUntil sql.NullTime
	var creatorID sql.NullInt64
	var searchTerms string
	err := row.Scan(
		&u.ID, &u.PayloadType, &u.State, &u.NumUnsatisfiedRequirements, &creatorID,
		&u.CreatedAt, &u.LastAttemptAt, &u.SucceededAt, &leasedUntil, &u.LeaseHolder,
		&u.Node, &u.Description, &searchTerms,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if creatorID.Valid {
		u.CreatorID = &creatorID.Int64
	}
	if leasedUntil.Valid {
		u.LeasedUntil = &leasedUntil.Time
	}
	if searchTerms != "" {
		_ = json.Unmarshal([]byte(searchTerms), &u.SearchTerms)
	}
	return &u, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting
// scanWorkUnit serve single-row and multi-row callers alike.
type rowScanner interface {
	Scan(dest ...any) error
}

const workUnitColumns = `id, payload_type, state, num_unsatisfied_requirements, creator_id,
	created_at, last_attempt_at, succeeded_at, leased_until, lease_holder, node, description, search_terms`

func (t *sqlTx) LockWorkUnit(ctx context.Context, id int64) (*WorkUnit, error) {
	query := fmt.Sprintf(`SELECT %s FROM work_units WHERE id = ? %s`, workUnitColumns, t.d.forUpdate)
	row := t.tx.QueryRowContext(ctx, t.q(query), id)
	return scanWorkUnit(row)
}

func (t *sqlTx) LockWorkUnitExcludingState(ctx context.Context, id int64, excludeState State) (*WorkUnit, error) {
	query := fmt.Sprintf(`SELECT %s FROM work_units WHERE id = ? AND state != ? %s`, workUnitColumns, t.d.forUpdate)
	row := t.tx.QueryRowContext(ctx, t.q(query), id, excludeState)
	return scanWorkUnit(row)
}

func (t *sqlTx) GetWorkUnit(ctx context.Context, id int64) (*WorkUnit, error) {
	row := t.tx.QueryRowContext(ctx, t.q(`SELECT `+workUnitColumns+` FROM work_units WHERE id = ?`), id)
	return scanWorkUnit(row)
}

func (t *sqlTx) SaveWorkUnit(ctx context.Context, unit *WorkUnit) error {
	searchTerms, err := json.Marshal(unit.SearchTerms)
	if err != nil {
		return fmt.Errorf("store: marshaling search terms: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, t.q(`
		UPDATE work_units SET
			state = ?, num_unsatisfied_requirements = ?, last_attempt_at = ?, succeeded_at = ?,
			leased_until = ?, lease_holder = ?, node = ?, description = ?, search_terms = ?
		WHERE id = ?`),
		unit.State, unit.NumUnsatisfiedRequirements, unit.LastAttemptAt, unit.SucceededAt,
		unit.LeasedUntil, unit.LeaseHolder, unit.Node, unit.Description, string(searchTerms), unit.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) InsertWorkUnit(ctx context.Context, unit *WorkUnit) (int64, error) {
	searchTerms, err := json.Marshal(unit.SearchTerms)
	if err != nil {
		return 0, fmt.Errorf("store: marshaling search terms: %w", err)
	}
	query := t.q(`
		INSERT INTO work_units
			(payload_type, state, num_unsatisfied_requirements, creator_id, created_at,
			 last_attempt_at, succeeded_at, leased_until, lease_holder, node, description, search_terms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	args := []any{unit.PayloadType, unit.State, unit.NumUnsatisfiedRequirements, unit.CreatorID, unit.CreatedAt,
		unit.LastAttemptAt, unit.SucceededAt, unit.LeasedUntil, unit.LeaseHolder, unit.Node,
		unit.Description, string(searchTerms)}
	if t.d.name == "postgres" {
		// The pgx database/sql driver does not implement LastInsertId.
		var id int64
		if err := t.tx.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *sqlTx) InsertWorkUnitsBulk(ctx context.Context, units []*WorkUnit) error {
	for _, u := range units {
		id, err := t.InsertWorkUnit(ctx, u)
		if err != nil {
			return err
		}
		u.ID = id
	}
	return nil
}

// InsertRequirement inserts the (source, target) edge, treating the pair
// already existing as a no-op rather than an error. The insert itself
// carries the uniqueness check (ON CONFLICT DO NOTHING / INSERT IGNORE,
// dialect-specific) so two concurrent callers adding the identical edge
// never race a separate SELECT against their own INSERT.
func (t *sqlTx) InsertRequirement(ctx context.Context, source, target int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.q(t.d.insertRequirementSQL), source, target)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *sqlTx) InsertRequirementsBulk(ctx context.Context, source int64, targets []int64) error {
	for _, target := range targets {
		if _, err := t.tx.ExecContext(ctx, t.q(`INSERT INTO requirements (source_id, target_id) VALUES (?, ?)`), source, target); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) RequirersOf(ctx context.Context, target int64) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, t.q(`SELECT source_id FROM requirements WHERE target_id = ? ORDER BY source_id`), target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *sqlTx) LockWorkUnitsOrdered(ctx context.Context, ids []int64) ([]*WorkUnit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT %s FROM work_units WHERE id IN (%s) ORDER BY id %s`,
		workUnitColumns, strings.Join(placeholders, ","), t.d.forUpdate)
	rows, err := t.tx.QueryContext(ctx, t.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*WorkUnit
	for rows.Next() {
		u, err := scanWorkUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t *sqlTx) CountUnsatisfiedRequirements(ctx context.Context, id int64) (int, error) {
	var count int
	row := t.tx.QueryRowContext(ctx, t.q(`
		SELECT COUNT(*) FROM requirements r
		JOIN work_units w ON w.id = r.target_id
		WHERE r.source_id = ? AND w.state != ?`), id, Succeeded)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (t *sqlTx) InsertDelta(ctx context.Context, payloadType string, fromState, toState State, delta int) error {
	_, err := t.tx.ExecContext(ctx,
		t.q(`INSERT INTO state_count_deltas (payload_type, from_state, to_state, delta) VALUES (?, ?, ?, ?)`),
		payloadType, fromState, toState, delta)
	return err
}

func (t *sqlTx) LockWorkUnitTable(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, t.d.lockWorkUnitTableSQL)
	return err
}

func (t *sqlTx) BulkTransitionByType(ctx context.Context, filter BulkTransitionFilter) (int, error) {
	var where []string
	var args []any
	if len(filter.WorkUnitIDs) > 0 {
		placeholders := make([]string, len(filter.WorkUnitIDs))
		for i, id := range filter.WorkUnitIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, "id IN ("+strings.Join(placeholders, ",")+")")
	} else {
		where = append(where, "payload_type = ?", "state = ?")
		args = append(args, filter.PayloadType, filter.FromState)
	}
	if filter.RequireZeroUnsatisfied {
		where = append(where, "num_unsatisfied_requirements = 0")
	}
	if filter.CreatedFrom != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *filter.CreatedTo)
	}

	query := fmt.Sprintf(`UPDATE work_units SET state = ? WHERE %s`, strings.Join(where, " AND "))
	args = append([]any{filter.ToState}, args...)
	res, err := t.tx.ExecContext(ctx, t.q(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *sqlTx) HasAnyInState(ctx context.Context, state State) (bool, error) {
	var exists bool
	row := t.tx.QueryRowContext(ctx, t.q(`SELECT 1 FROM work_units WHERE state = ? LIMIT 1`), state)
	switch err := row.Scan(&exists); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, err
	}
}

func (t *sqlTx) LeaseExpiredUnits(ctx context.Context, asOf time.Time, limit int) ([]*WorkUnit, error) {
	query := fmt.Sprintf(`SELECT %s FROM work_units WHERE state = ? AND leased_until < ? ORDER BY id LIMIT ? %s`,
		workUnitColumns, t.d.forUpdateSkipLocked)
	return t.queryWorkUnits(ctx, query, Leased, asOf, limit)
}

func (t *sqlTx) SelectReadyForDispatch(ctx context.Context, payloadTypes []string, asOf time.Time, limit int) ([]*WorkUnit, error) {
	placeholders := make([]string, len(payloadTypes))
	args := make([]any, 0, len(payloadTypes)+3)
	args = append(args, Ready, asOf)
	for i, pt := range payloadTypes {
		placeholders[i] = "?"
		args = append(args, pt)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM work_units
		WHERE state = ? AND (leased_until IS NULL OR leased_until <= ?) AND payload_type IN (%s)
		ORDER BY id LIMIT ? %s`,
		workUnitColumns, strings.Join(placeholders, ","), t.d.forUpdateSkipLocked)
	return t.queryWorkUnits(ctx, query, args...)
}

func (t *sqlTx) queryWorkUnits(ctx context.Context, query string, args ...any) ([]*WorkUnit, error) {
	rows, err := t.tx.QueryContext(ctx, t.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*WorkUnit
	for rows.Next() {
		u, err := scanWorkUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t *sqlTx) InsertPayload(ctx context.Context, workUnitID int64, payloadType string, data []byte) error {
	_, err := t.tx.ExecContext(ctx,
		t.q(`INSERT INTO payloads (work_unit_id, payload_type, data) VALUES (?, ?, ?)`), workUnitID, payloadType, data)
	return err
}

func (t *sqlTx) InsertPayloadsBulk(ctx context.Context, workUnitIDs []int64, payloadType string, data [][]byte) error {
	for i, id := range workUnitIDs {
		if err := t.InsertPayload(ctx, id, payloadType, data[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) LoadPayload(ctx context.Context, workUnitID int64) (string, []byte, error) {
	var payloadType string
	var data []byte
	row := t.tx.QueryRowContext(ctx, t.q(`SELECT payload_type, data FROM payloads WHERE work_unit_id = ?`), workUnitID)
	if err := row.Scan(&payloadType, &data); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, ErrNotFound
		}
		return "", nil, err
	}
	return payloadType, data, nil
}

func (t *sqlTx) SelectDeltaBatch(ctx context.Context, limit int) ([]StateCountDelta, error) {
	query := fmt.Sprintf(`SELECT id, payload_type, from_state, to_state, delta FROM state_count_deltas
		ORDER BY id LIMIT ? %s`, t.d.forUpdateSkipLocked)
	rows, err := t.tx.QueryContext(ctx, t.q(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StateCountDelta
	for rows.Next() {
		var d StateCountDelta
		if err := rows.Scan(&d.ID, &d.PayloadType, &d.FromState, &d.ToState, &d.Delta); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *sqlTx) DeleteDeltas(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := t.tx.ExecContext(ctx,
		t.q(fmt.Sprintf(`DELETE FROM state_count_deltas WHERE id IN (%s)`, strings.Join(placeholders, ","))), args...)
	return err
}

func (t *sqlTx) ApplyCounterDelta(ctx context.Context, shard int, payloadType string, state State, delta int) error {
	_, err := t.tx.ExecContext(ctx, t.q(t.d.upsertCounterSQL), shard, payloadType, state, delta, delta)
	return err
}

func (t *sqlTx) LockCounterTable(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, t.d.lockCounterTableSQL)
	return err
}

func (t *sqlTx) LockDeltaTable(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, t.d.lockDeltaTableSQL)
	return err
}

func (t *sqlTx) DeltaTableEmpty(ctx context.Context) (bool, error) {
	var exists bool
	row := t.tx.QueryRowContext(ctx, `SELECT 1 FROM state_count_deltas LIMIT 1`)
	switch err := row.Scan(&exists); err {
	case nil:
		return false, nil
	case sql.ErrNoRows:
		return true, nil
	default:
		return false, err
	}
}

func (t *sqlTx) TruncateCounters(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM state_counts`)
	return err
}

func (t *sqlTx) CountByPayloadTypeAndState(ctx context.Context) ([]StateCount, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT payload_type, state, COUNT(*) FROM work_units GROUP BY payload_type, state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StateCount
	for rows.Next() {
		var c StateCount
		if err := rows.Scan(&c.PayloadType, &c.State, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *sqlTx) SumCounters(ctx context.Context, payloadType string, state State) (int, error) {
	var sum sql.NullInt64
	row := t.tx.QueryRowContext(ctx,
		t.q(`SELECT SUM(count) FROM state_counts WHERE payload_type = ? AND state = ?`), payloadType, state)
	if err := row.Scan(&sum); err != nil {
		return 0, err
	}
	return int(sum.Int64), nil
}

func (t *sqlTx) CountsByPayloadType(ctx context.Context) (map[string]map[State]int, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT payload_type, state, SUM(count) FROM state_counts GROUP BY payload_type, state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]map[State]int)
	for rows.Next() {
		var pt string
		var st State
		var count int
		if err := rows.Scan(&pt, &st, &count); err != nil {
			return nil, err
		}
		if out[pt] == nil {
			out[pt] = make(map[State]int)
		}
		out[pt][st] = count
	}
	return out, rows.Err()
}

func (t *sqlTx) InsertException(ctx context.Context, exc *WorkException) error {
	frames := strings.Join(exc.StackFrames, "\t")
	_, err := t.tx.ExecContext(ctx,
		t.q(`INSERT INTO work_exceptions (timestamp, category, work_unit_id, message, stack_frames)
			VALUES (?, ?, ?, ?, ?)`),
		exc.Timestamp, exc.Category, exc.WorkUnitID, exc.Message, frames)
	return err
}
