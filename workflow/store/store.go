package store

import (
	"context"
	"time"
)

// Store provides durable, transactional storage for the workflow engine.
//
// Implementations must provide row-level locking and serializable (or
// repeatable-read) transaction semantics: single-row fetch with lock,
// bulk-create of payload+work-unit pairs with a single journal delta per
// batch, bulk update, indexed query by (payload_type, state), and a
// full-table exclusive lock used only by administrative recomputation
// paths (spec.md §4.1, §6).
//
// Three production backends are provided: postgres.go (the primary
// backend, using FOR UPDATE SKIP LOCKED and LOCK TABLE ... IN EXCLUSIVE
// MODE), mysql.go (SELECT ... FOR UPDATE SKIP LOCKED, and a per-table
// sentinel row locked with SELECT ... FOR UPDATE in place of a table
// lock, MySQL 8+), and sqlite.go (single-process embedded store for
// development). memory.go provides an in-memory backend for unit tests.
type Store interface {
	// WithTx runs fn inside a single serializable transaction. If fn
	// returns an error wrapping ErrRetryable (a deadlock or serialization
	// conflict detected by the database), WithTx itself may also return
	// ErrRetryable so callers such as the dispatcher can retry the whole
	// logical operation (spec.md §5, §7). All state-machine mutations in
	// the workflow package run inside exactly one WithTx call.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Close releases the store's resources (connection pool, file handle).
	Close() error
}

// Tx is the set of storage primitives available inside a single
// transaction. Rows are locked in ascending id order whenever more than one
// is locked in one transaction (spec.md §5: "whenever multiple rows are
// locked in one transaction, they are locked in strictly ascending id
// order"): LockWorkUnitsOrdered sorts the ids it is given itself, so the
// workflow package's state-machine code passes ids in any order.
type Tx interface {
	// LockWorkUnit fetches a work unit row with a row lock (SELECT ... FOR
	// UPDATE), blocking until any other transaction's lock on the row is
	// released. Returns ErrNotFound if no such row exists.
	LockWorkUnit(ctx context.Context, id int64) (*WorkUnit, error)

	// LockWorkUnitExcludingState is LockWorkUnit, but returns ErrNotFound
	// (rather than blocking) if the row is currently in excludeState. Used
	// by AddRequirement to lock a requirement's target unless it is
	// already Succeeded (spec.md §4.2.2 step 2).
	LockWorkUnitExcludingState(ctx context.Context, id int64, excludeState State) (*WorkUnit, error)

	// GetWorkUnit fetches a work unit without taking a row lock.
	GetWorkUnit(ctx context.Context, id int64) (*WorkUnit, error)

	// SaveWorkUnit persists all mutable fields of an already-locked work
	// unit. The caller must hold a lock on unit.ID within this
	// transaction.
	SaveWorkUnit(ctx context.Context, unit *WorkUnit) error

	// InsertWorkUnit inserts a brand-new work unit (state Ready, zero
	// unsatisfied requirements unless the caller sets otherwise) and
	// returns its assigned id.
	InsertWorkUnit(ctx context.Context, unit *WorkUnit) (int64, error)

	// InsertWorkUnitsBulk inserts many new work units and fills in each
	// unit's assigned ID (spec.md §4.2.1, bulk_create). The SQL backends
	// issue one INSERT statement per unit; the batch is not a single round
	// trip.
	InsertWorkUnitsBulk(ctx context.Context, units []*WorkUnit) error

	// InsertRequirement inserts the edge source -> target. created is
	// false (no error) if the pair already existed (spec.md §4.1, §4.2.2).
	InsertRequirement(ctx context.Context, source, target int64) (created bool, err error)

	// InsertRequirementsBulk inserts many edges from a single source, used
	// by CreateRequirements (spec.md §4.2.3). The SQL backends issue one
	// INSERT statement per edge. All targets are assumed new, so no
	// conflict handling is needed.
	InsertRequirementsBulk(ctx context.Context, source int64, targets []int64) error

	// RequirersOf returns the ids of all units that require target,
	// in ascending order, WITHOUT locking them (used to compute the set to
	// lock before LockWorkUnitsOrdered is called).
	RequirersOf(ctx context.Context, target int64) ([]int64, error)

	// LockWorkUnitsOrdered locks and returns the given ids' rows, in
	// strictly ascending id order, regardless of the order passed in
	// (spec.md §5). Ids not found are silently omitted (a row may have
	// been deleted by an administrative operation between the unlocked
	// read and this call, which is a benign race for every state-machine
	// caller of this method).
	LockWorkUnitsOrdered(ctx context.Context, ids []int64) ([]*WorkUnit, error)

	// CountUnsatisfiedRequirements recomputes, from the requirement-edge
	// table directly, the number of target units of id that have not
	// Succeeded (spec.md §4.2.11, §4.2.4 INFEASIBLE branch).
	CountUnsatisfiedRequirements(ctx context.Context, id int64) (int, error)

	// InsertDelta appends one row to the delta journal (spec.md §3, §4.2.12).
	// fromState == "" means creation; toState == "" means deletion.
	InsertDelta(ctx context.Context, payloadType string, fromState, toState State, delta int) error

	// LockWorkUnitTable takes a full-table exclusive lock on the work-unit
	// table (Postgres: LOCK TABLE ... IN EXCLUSIVE MODE; MySQL: a sentinel
	// row locked with SELECT ... FOR UPDATE). Used only by RerunAll and MarkAllAsFeasible
	// (spec.md §4.2.10, §6).
	LockWorkUnitTable(ctx context.Context) error

	// BulkTransitionByType updates every unit of payloadType currently in
	// fromState (optionally additionally filtered to
	// num_unsatisfied_requirements == 0 via requireZeroUnsatisfied, and to
	// a [from,to] creation-time range) to toState, and returns the number
	// of rows affected. Used by RerunAll and MarkAllAsFeasible (spec.md
	// §4.2.10, §6): RerunAll is one bulk UPDATE plus one delta row;
	// MarkAllAsFeasible is two (one to Ready, one to Pending).
	BulkTransitionByType(ctx context.Context, filter BulkTransitionFilter) (int, error)

	// HasAnyInState reports whether any work unit of the given state
	// exists (used by RerunAll's PENDING-work guard, spec.md §6).
	HasAnyInState(ctx context.Context, state State) (bool, error)

	// LeaseExpiredUnits returns, with row locks already taken (skip_locked
	// semantics: rows locked by another in-flight transaction are simply
	// omitted from the result, not blocked on), up to limit Leased units
	// whose LeasedUntil is before asOf (spec.md §4.3, the reaper).
	LeaseExpiredUnits(ctx context.Context, asOf time.Time, limit int) ([]*WorkUnit, error)

	// SelectReadyForDispatch returns up to limit Ready units whose
	// payload_type is in payloadTypes and whose LeasedUntil is nil or not
	// after asOf, in ascending id order, with skip_locked semantics (rows
	// already locked elsewhere are omitted, not waited on) so that
	// concurrent dispatcher workers never contend on the same candidate
	// row. A Ready unit's LeasedUntil may be in the future even though it
	// isn't Leased: that's how a handler's transient-failure reschedule
	// expresses "don't run again until then" (spec.md §3, §4.3 step 1, §5).
	SelectReadyForDispatch(ctx context.Context, payloadTypes []string, asOf time.Time, limit int) ([]*WorkUnit, error)

	// InsertPayload stores the polymorphic payload data for a work unit
	// (spec.md §3's WorkUnitPayload, §9's data-driven dispatch — see
	// DESIGN.md for the single-table-with-type-tag resolution).
	InsertPayload(ctx context.Context, workUnitID int64, payloadType string, data []byte) error

	// InsertPayloadsBulk is the batch form of InsertPayload, used by
	// bulk-create paths.
	InsertPayloadsBulk(ctx context.Context, workUnitIDs []int64, payloadType string, data [][]byte) error

	// LoadPayload fetches the raw payload bytes for a work unit.
	LoadPayload(ctx context.Context, workUnitID int64) (payloadType string, data []byte, err error)

	// SelectDeltaBatch selects up to limit delta-journal rows with
	// skip_locked semantics, for the counter applier (spec.md §4.4 step 1).
	SelectDeltaBatch(ctx context.Context, limit int) ([]StateCountDelta, error)

	// DeleteDeltas removes the given delta-journal rows by id (spec.md
	// §4.4 step 4).
	DeleteDeltas(ctx context.Context, ids []int64) error

	// ApplyCounterDelta adds delta to the counter of the given shard for
	// (payloadType, state), creating the shard row if absent; the caller
	// chooses the shard (spec.md §4.4 step 3).
	ApplyCounterDelta(ctx context.Context, shard int, payloadType string, state State, delta int) error

	// LockCounterTable takes a full-table exclusive lock on the counter
	// shard table (spec.md §4.4, Recompute).
	LockCounterTable(ctx context.Context) error

	// LockDeltaTable takes a full-table exclusive lock on the delta
	// journal table (spec.md §4.4, Recompute).
	LockDeltaTable(ctx context.Context) error

	// DeltaTableEmpty reports whether the delta journal has zero rows
	// (Recompute's precondition, spec.md §4.4).
	DeltaTableEmpty(ctx context.Context) (bool, error)

	// TruncateCounters deletes every counter-shard row (Recompute, spec.md §4.4).
	TruncateCounters(ctx context.Context) error

	// CountByPayloadTypeAndState runs a GROUP BY (payload_type, state)
	// count over the work-unit table (Recompute's regeneration source,
	// spec.md §4.4).
	CountByPayloadTypeAndState(ctx context.Context) ([]StateCount, error)

	// SumCounters sums every shard's count for (payloadType, state) — the
	// read path for aggregated counters (spec.md §3, §4.4).
	SumCounters(ctx context.Context, payloadType string, state State) (int, error)

	// CountsByPayloadType sums every shard's count, grouped by
	// (payload_type, state), for the admin "counts" report (spec.md §6,
	// recovered from original_source's get_counts_by_model_and_state).
	CountsByPayloadType(ctx context.Context) (map[string]map[State]int, error)

	// InsertException appends one row to the exception log (spec.md §4.3, §7).
	InsertException(ctx context.Context, exc *WorkException) error
}

// BulkTransitionFilter parameterizes BulkTransitionByType.
type BulkTransitionFilter struct {
	PayloadType            string
	FromState              State
	ToState                State
	RequireZeroUnsatisfied bool
	CreatedFrom, CreatedTo *time.Time
	WorkUnitIDs            []int64 // if set, restricts to these ids instead of PayloadType/FromState
}
