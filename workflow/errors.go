package workflow

import (
	"errors"
	"fmt"

	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

// ErrDuplicateRequirement names the "requirement edge already exists"
// condition. No operation returns it: store.Tx.InsertRequirement reports a
// duplicate pair as created=false, and AddRequirement passes that on as a
// no-op return value (spec.md §4.1: "Conflicts on the unique-pair
// constraint for requirement edges return 'already exists, no-op' to the
// caller").
var ErrDuplicateRequirement = errors.New("workflow: requirement edge already exists")

// ErrPendingWorkExists is returned by RerunAll, which refuses to run while
// PENDING work of any type exists, since a PENDING count could otherwise be
// corrupted (spec.md §6: "rerun_all ... refuses to run if any PENDING
// units exist").
var ErrPendingWorkExists = errors.New("workflow: refusing bulk operation while PENDING work units exist")

// ErrOutstandingDeltas is returned by Recompute when the delta journal is
// not empty (spec.md §4.4: "it must refuse to run if any deltas are
// outstanding").
var ErrOutstandingDeltas = errors.New("workflow: refusing recompute while delta journal has outstanding rows")

// ErrReaperStalled is returned by Reaper.Reclaim when reaperStallThreshold
// consecutive passes each found expired leases but reclaimed none of them,
// e.g. because every candidate row keeps losing a revoke race against
// another in-flight transaction. A single unlucky pass is not a stall;
// only a run of them is.
var ErrReaperStalled = errors.New("workflow: reaper made no progress across consecutive passes")

// UnexpectedStateError is a contract-violation assertion: a state
// transition was attempted on a work unit that was not in one of the
// states the operation requires. It is the Go rendering of the original
// Python WorkUnit.UnexpectedState exception (original_source's
// toolchain/workflow/models.py), generalized from one exception class per
// Django model to a single typed error carrying the offending unit, its
// actual state, and the states the caller was required to be in.
//
// Contract violations are never silently swallowed (spec.md §7): the
// transaction that raised one must abort, leaving the unit in its prior
// state, and the caller is expected to log it as an operator-visible
// warning.
type UnexpectedStateError struct {
	WorkUnitID int64
	Actual     store.State
	Expected   []store.State
}

func (e *UnexpectedStateError) Error() string {
	return fmt.Sprintf("workflow: work unit %d: unexpected state %s, expected one of %v", e.WorkUnitID, e.Actual, e.Expected)
}

// assertState raises an *UnexpectedStateError if actual is not among
// allowed. This is the single choke point every state-transition method in
// dag.go calls before mutating anything, mirroring the original's
// _assert_state helper.
func assertState(workUnitID int64, actual store.State, allowed ...store.State) error {
	for _, s := range allowed {
		if actual == s {
			return nil
		}
	}
	return &UnexpectedStateError{WorkUnitID: workUnitID, Actual: actual, Expected: allowed}
}
