// Package store provides persistence for the workflow engine's durable
// state: work units, payloads, requirement edges, the state-count delta
// journal, sharded counters, and the exception log.
//
// Implementations must provide row-level locking and serializable (or
// repeatable-read) transaction semantics sufficient to implement the state
// machine in the workflow package: single-row fetch with lock, bulk create,
// bulk update, indexed query by (payload_type, state), and a full-table
// exclusive lock for administrative recomputation paths (spec.md §4.1).
package store

import "time"

// State is the lifecycle state of a WorkUnit.
//
// A work unit moves among these five states under the rules enforced by
// the workflow package's state machine. State is the long form used
// throughout the Go API, and the storage backends persist it as-is; Code
// and StateFromCode convert to and from the short three-letter codes of the
// original schema's CharField, and no backend calls them.
type State string

const (
	// Pending means the unit has unsatisfied requirements and cannot run.
	Pending State = "PENDING"
	// Ready means the unit has no unsatisfied requirements and can be leased.
	Ready State = "READY"
	// Leased means a worker currently holds an unexpired lease on the unit.
	Leased State = "LEASED"
	// Succeeded means the unit completed successfully.
	Succeeded State = "SUCCEEDED"
	// Infeasible means a permanent error occurred, or propagated from a
	// required unit that is itself infeasible.
	Infeasible State = "INFEASIBLE"
)

// Code returns the three-letter storage representation of a State,
// matching the original Django CharField(max_length=3) choices.
func (s State) Code() string {
	switch s {
	case Pending:
		return "PEN"
	case Ready:
		return "REA"
	case Leased:
		return "LEA"
	case Succeeded:
		return "SUC"
	case Infeasible:
		return "INF"
	default:
		return ""
	}
}

// StateFromCode reverses State.Code.
func StateFromCode(code string) State {
	switch code {
	case "PEN":
		return Pending
	case "REA":
		return Ready
	case "LEA":
		return Leased
	case "SUC":
		return Succeeded
	case "INF":
		return Infeasible
	default:
		return State(code)
	}
}

// WorkUnit is the scheduling record described in spec.md §3.
//
// A WorkUnit is always paired 1:1 with a Payload row; the pairing is
// created atomically by Create/CreateBulk and is never broken.
type WorkUnit struct {
	ID                         int64
	PayloadType                string
	State                      State
	NumUnsatisfiedRequirements int
	CreatorID                  *int64
	CreatedAt                  time.Time
	LastAttemptAt              time.Time
	SucceededAt                time.Time
	LeasedUntil                *time.Time
	LeaseHolder                string
	Node                       string
	Description                string
	SearchTerms                []string
}

// IsLeased reports whether the unit is currently in the Leased state.
func (w *WorkUnit) IsLeased() bool { return w.State == Leased }

// Requirement is an immutable edge source -> target meaning "source cannot
// execute until target has Succeeded". Edges are unique per (source,
// target) pair and are never modified after insertion, so they can never
// participate in a deadlock (spec.md §4.1, §9).
type Requirement struct {
	Source int64
	Target int64
}

// Payload is implemented by each concrete work payload type. The engine
// never inspects payload fields directly; it dispatches purely by the
// PayloadType tag carried on the WorkUnit, through a registry (spec.md §9,
// "Polymorphic payloads without inheritance").
type Payload interface {
	// Description returns a short human-readable summary of this payload,
	// stored on the WorkUnit and surfaced in admin tooling.
	Description() string

	// SearchTerms returns additional payload-derived strings, stored on the
	// WorkUnit's search_terms column. No search index is built over them,
	// and no operation queries them.
	SearchTerms() []string
}

// StateCountDelta is an append-only journal row recording a single state
// transition's effect on the aggregated counters (spec.md §3, §4.4).
// FromState == "" means creation; ToState == "" means deletion (the engine
// never deletes units itself, but the journal format allows for it).
type StateCountDelta struct {
	ID          int64
	PayloadType string
	FromState   State
	ToState     State
	Delta       int
}

// StateCount is one shard's partial count for a (payload_type, state) pair.
// Readers sum across all shards to get the true count (spec.md §3, §4.4).
type StateCount struct {
	Shard       int
	PayloadType string
	State       State
	Count       int
}

// FailureCategory classifies an exception encountered while executing a
// work unit's handler, for the exception log (spec.md §4.3, §7).
type FailureCategory string

const (
	// CategoryTransient means the dispatcher should reschedule the unit.
	CategoryTransient FailureCategory = "transient"
	// CategoryPermanent means the unit (and its transitive requirers)
	// become Infeasible.
	CategoryPermanent FailureCategory = "permanent"
	// CategoryContractViolation means a state-transition precondition was
	// violated; the transaction aborts and the unit is left untouched.
	CategoryContractViolation FailureCategory = "contract_violation"
)

// WorkException is a persisted record of an error encountered while
// performing work, recovered from original_source's WorkExceptionLog
// (spec.md §4.3: "Each exception is persisted into a log table with
// category, message, and stack frames (tab-separated; one record per
// error)").
type WorkException struct {
	ID         int64
	Timestamp  time.Time
	Category   FailureCategory
	WorkUnitID int64
	Message    string
	// StackFrames holds short "file:line func" strings, one per frame,
	// joined with tabs at the storage boundary (tabs, not newlines,
	// because a frame's own text may embed newlines).
	StackFrames []string
}

// MaxExceptionMessageLen bounds WorkException.Message, matching the
// original's CharField(max_length=50000).
const MaxExceptionMessageLen = 50000

// TruncateMessage caps msg at MaxExceptionMessageLen.
func TruncateMessage(msg string) string {
	if len(msg) <= MaxExceptionMessageLen {
		return msg
	}
	return msg[:MaxExceptionMessageLen]
}
