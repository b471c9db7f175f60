// Package workflow implements a persistent, transactional work-unit
// dispatcher: a DAG of units of work, each gated by requirement edges on
// other units, scheduled through lease acquisition and retried on
// transient failure.
//
// Every state-transition method on Engine runs inside exactly one
// store.Store.WithTx call of its own and locks the work unit(s) it mutates
// within that transaction itself, in ascending id order when more than one
// row is involved, so that concurrent transactions contend for locks in a
// consistent order and deadlocks stay rare rather than impossible.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/toolchainlabs/buildsense-workflow/workflow/emit"
	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

// Engine is the entry point for all work-unit operations. It is safe for
// concurrent use: every method opens its own transaction against the
// underlying store.
type Engine struct {
	store    store.Store
	registry *Registry
	shards   int
	emitter  emit.Emitter
	metrics  *Metrics
}

// New constructs an Engine backed by s, dispatching payloads through reg.
func New(s store.Store, reg *Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		registry: reg,
		shards:   defaultNumShards,
		emitter:  emit.NewNullEmitter(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// defaultNumShards matches the original counter sharding factor: it only
// bounds the range a counter update randomly picks from, so it can be
// changed at any time without migration.
const defaultNumShards = 50

// transitionToState moves unit into newState, recording exactly one delta
// journal entry for the transition. It never saves the unit; callers must
// call tx.SaveWorkUnit themselves once all of a method's mutations are
// applied, matching the original's pattern of accumulating field changes
// before a single save() call.
func (e *Engine) transitionToState(ctx context.Context, tx store.Tx, unit *store.WorkUnit, newState store.State) error {
	if unit.State != newState {
		if err := tx.InsertDelta(ctx, unit.PayloadType, unit.State, newState, 1); err != nil {
			return fmt.Errorf("workflow: recording state transition delta: %w", err)
		}
		if e.metrics != nil {
			e.metrics.IncrementStateTransition(unit.PayloadType, string(unit.State), string(newState))
		}
		e.emitter.Emit(emit.Event{
			WorkUnitID:  unit.ID,
			PayloadType: unit.PayloadType,
			Msg:         "state_transition",
			Meta:        map[string]any{"from": string(unit.State), "to": string(newState)},
		})
	}
	unit.State = newState
	return nil
}

// Create persists a single new work unit carrying payload, in the Ready
// state, with zero unsatisfied requirements. It is CreateBulk of one.
func (e *Engine) Create(ctx context.Context, creatorID *int64, payloadType string, payload store.Payload) (int64, error) {
	ids, err := e.CreateBulk(ctx, creatorID, payloadType, []store.Payload{payload})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// CreateBulk creates many new work units of the same payload type in one
// transaction, all Ready with zero unsatisfied requirements, and records a
// single delta journal entry of size len(payloads) for the batch (spec.md
// §4.2.1, the original's WorkUnitPayloadManager.bulk_create).
func (e *Engine) CreateBulk(ctx context.Context, creatorID *int64, payloadType string, payloads []store.Payload) ([]int64, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	if _, err := e.registry.lookup(payloadType); err != nil {
		return nil, err
	}

	var ids []int64
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := time.Now().UTC()
		units := make([]*store.WorkUnit, len(payloads))
		datas := make([][]byte, len(payloads))
		for i, p := range payloads {
			data, err := marshalPayload(p)
			if err != nil {
				return fmt.Errorf("workflow: marshaling payload %d: %w", i, err)
			}
			datas[i] = data
			units[i] = &store.WorkUnit{
				PayloadType: payloadType,
				State:       store.Ready,
				CreatorID:   creatorID,
				CreatedAt:   now,
				Description: p.Description(),
				SearchTerms: p.SearchTerms(),
			}
		}
		if err := tx.InsertWorkUnitsBulk(ctx, units); err != nil {
			return err
		}
		workUnitIDs := make([]int64, len(units))
		for i, u := range units {
			workUnitIDs[i] = u.ID
		}
		if err := tx.InsertPayloadsBulk(ctx, workUnitIDs, payloadType, datas); err != nil {
			return err
		}
		if err := tx.InsertDelta(ctx, payloadType, "", store.Ready, len(payloads)); err != nil {
			return err
		}
		ids = workUnitIDs
		return nil
	})
	return ids, err
}

// AddRequirement records that source cannot proceed until target has
// Succeeded. Returns created=false, nil if the edge already existed
// (spec.md §4.2.2, the original's add_requirement).
func (e *Engine) AddRequirement(ctx context.Context, sourceID, targetID int64) (created bool, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		source, err := tx.LockWorkUnit(ctx, sourceID)
		if err != nil {
			return err
		}
		if err := assertState(sourceID, source.State, store.Pending, store.Ready, store.Leased); err != nil {
			return err
		}

		created, err = tx.InsertRequirement(ctx, sourceID, targetID)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}

		// Lock the target unless it is already Succeeded, mirroring the
		// original's exclude(state=SUCCEEDED).select_for_update(): if the
		// target has already succeeded there is nothing to gate on, and
		// we must not block waiting for a lock on a row that may never
		// need one.
		target, err := tx.LockWorkUnitExcludingState(ctx, targetID, store.Succeeded)
		if err == store.ErrNotFound {
			// Either the target doesn't exist, or it's already Succeeded.
			// Either way the requirement contributes nothing further.
			return nil
		}
		if err != nil {
			return err
		}

		source.NumUnsatisfiedRequirements++
		if target.State == store.Infeasible {
			if err := e.transitionToState(ctx, tx, source, store.Infeasible); err != nil {
				return err
			}
		} else if source.State != store.Pending {
			if err := e.transitionToState(ctx, tx, source, store.Pending); err != nil {
				return err
			}
		}
		return tx.SaveWorkUnit(ctx, source)
	})
	return created, err
}

// CreateRequirements creates new work units of requirementPayloadType as
// requirements of source, in one transaction. Since the created units are
// known to be brand new, their num_unsatisfied_requirements accounting can
// be folded directly into source's count rather than re-derived (spec.md
// §4.2.3, the original's WorkUnit.create_requirements).
func (e *Engine) CreateRequirements(ctx context.Context, sourceID int64, requirementPayloadType string, payloads []store.Payload) ([]int64, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	if _, err := e.registry.lookup(requirementPayloadType); err != nil {
		return nil, err
	}

	var ids []int64
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		source, err := tx.LockWorkUnit(ctx, sourceID)
		if err != nil {
			return err
		}
		if err := assertState(sourceID, source.State, store.Pending, store.Ready, store.Leased); err != nil {
			return err
		}

		now := time.Now().UTC()
		units := make([]*store.WorkUnit, len(payloads))
		datas := make([][]byte, len(payloads))
		for i, p := range payloads {
			data, err := marshalPayload(p)
			if err != nil {
				return fmt.Errorf("workflow: marshaling payload %d: %w", i, err)
			}
			datas[i] = data
			units[i] = &store.WorkUnit{
				PayloadType: requirementPayloadType,
				State:       store.Ready,
				CreatedAt:   now,
				Description: p.Description(),
				SearchTerms: p.SearchTerms(),
			}
		}
		if err := tx.InsertWorkUnitsBulk(ctx, units); err != nil {
			return err
		}
		workUnitIDs := make([]int64, len(units))
		for i, u := range units {
			workUnitIDs[i] = u.ID
		}
		if err := tx.InsertPayloadsBulk(ctx, workUnitIDs, requirementPayloadType, datas); err != nil {
			return err
		}
		if err := tx.InsertRequirementsBulk(ctx, sourceID, workUnitIDs); err != nil {
			return err
		}
		if err := tx.InsertDelta(ctx, requirementPayloadType, "", store.Ready, len(payloads)); err != nil {
			return err
		}

		source.NumUnsatisfiedRequirements += len(payloads)
		if source.State == store.Ready {
			if err := e.transitionToState(ctx, tx, source, store.Pending); err != nil {
				return err
			}
		}
		if err := tx.SaveWorkUnit(ctx, source); err != nil {
			return err
		}
		ids = workUnitIDs
		return nil
	})
	return ids, err
}

// requirementSatisfied updates requirer to reflect that one of its
// requirements has Succeeded. The caller must already hold a lock on
// requirer. Mirrors the original's WorkUnit.requirement_satisfied.
func (e *Engine) requirementSatisfied(ctx context.Context, tx store.Tx, requirer *store.WorkUnit, rerunIfSucceeded bool) error {
	switch requirer.State {
	case store.Pending:
		requirer.NumUnsatisfiedRequirements--
		if requirer.NumUnsatisfiedRequirements == 0 {
			if requirer.LeasedUntil != nil && requirer.LeasedUntil.After(time.Now().UTC()) {
				// Rescheduled for a future time, and now also fully
				// satisfied; stay Leased so it doesn't run again too soon.
				return e.transitionToState(ctx, tx, requirer, store.Leased)
			}
			return e.transitionToState(ctx, tx, requirer, store.Ready)
		}
		return nil
	case store.Succeeded:
		if rerunIfSucceeded {
			return e.rerunLocked(ctx, tx, requirer)
		}
		return nil
	case store.Leased:
		// May be Leased because it rescheduled itself by time and also had
		// a requirement satisfied in the interim.
		requirer.NumUnsatisfiedRequirements--
		return nil
	case store.Infeasible:
		// Could have gone Infeasible because of this requirement, or for
		// an unrelated reason; we can't tell, so recompute from scratch
		// and retry if nothing else is outstanding.
		n, err := tx.CountUnsatisfiedRequirements(ctx, requirer.ID)
		if err != nil {
			return err
		}
		requirer.NumUnsatisfiedRequirements = n
		if n == 0 {
			return e.transitionToState(ctx, tx, requirer, store.Ready)
		}
		return nil
	default:
		// Ready: the requirement was re-run before this unit had a chance
		// to run, so there's nothing to do.
		return nil
	}
}

// TakeLease transitions unit into Leased, assigning it a fresh lease
// holder identifier of its own choosing and recording the attempt
// (spec.md §4.2.5, the original's take_lease/lease_taken, which mints
// lease_holder = str(uuid.uuid1()) internally rather than accepting one
// from the caller). The dispatcher must hold on to the returned holder to
// later confirm, in a second transaction, that nothing else reaped the
// lease in the meantime.
func (e *Engine) TakeLease(ctx context.Context, id int64, node string, until time.Time) (holder string, err error) {
	holder = uuid.NewString()
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		unit, err := tx.LockWorkUnit(ctx, id)
		if err != nil {
			return err
		}
		if err := assertState(id, unit.State, store.Ready); err != nil {
			return err
		}
		now := time.Now().UTC()
		unit.LeasedUntil = &until
		unit.LeaseHolder = holder
		unit.Node = node
		unit.LastAttemptAt = now
		if err := e.transitionToState(ctx, tx, unit, store.Leased); err != nil {
			return err
		}
		return tx.SaveWorkUnit(ctx, unit)
	})
	if err != nil {
		return "", err
	}
	return holder, nil
}

// ConfirmLease locks unit, and reports whether it is still Leased with
// lease_holder equal to holder. The dispatcher calls this at the start of
// its second transaction (after running a handler outside any
// transaction) to detect whether the reaper already reclaimed the lease
// out from under it; if so, the handler's result must be discarded
// (spec.md §4.3 step 4).
func (e *Engine) ConfirmLease(ctx context.Context, id int64, holder string) (held bool, err error) {
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		unit, err := tx.LockWorkUnit(ctx, id)
		if err != nil {
			return err
		}
		held = unit.State == store.Leased && unit.LeaseHolder == holder
		return nil
	})
	if err != nil {
		return false, err
	}
	return held, nil
}

// RevokeLease releases a held lease without recording a success or
// failure, returning unit to Ready or Pending depending on whether any
// requirement was added while it was leased (spec.md §4.2.6, the
// original's revoke_lease).
func (e *Engine) RevokeLease(ctx context.Context, id int64) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		unit, err := tx.LockWorkUnit(ctx, id)
		if err != nil {
			return err
		}
		if err := assertState(id, unit.State, store.Leased); err != nil {
			return err
		}
		newState := store.Ready
		if unit.NumUnsatisfiedRequirements != 0 {
			newState = store.Pending
		}
		unit.LeaseHolder = ""
		if err := e.transitionToState(ctx, tx, unit, newState); err != nil {
			return err
		}
		return tx.SaveWorkUnit(ctx, unit)
	})
}

// WorkSucceeded marks unit as Succeeded and, unless rerunRequirers is
// false, notifies every work unit that requires it. Requirers are locked
// in ascending id order to bound deadlock risk (spec.md §4.2.7, §5, the
// original's work_succeeded).
func (e *Engine) WorkSucceeded(ctx context.Context, id int64, rerunRequirers bool) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		unit, err := tx.LockWorkUnit(ctx, id)
		if err != nil {
			return err
		}
		if err := assertState(id, unit.State, store.Leased); err != nil {
			return err
		}
		unit.SucceededAt = unit.LastAttemptAt
		if err := e.transitionToState(ctx, tx, unit, store.Succeeded); err != nil {
			return err
		}
		if err := tx.SaveWorkUnit(ctx, unit); err != nil {
			return err
		}

		requirerIDs, err := tx.RequirersOf(ctx, id)
		if err != nil {
			return err
		}
		requirers, err := tx.LockWorkUnitsOrdered(ctx, requirerIDs)
		if err != nil {
			return err
		}
		for _, requirer := range requirers {
			if err := e.requirementSatisfied(ctx, tx, requirer, rerunRequirers); err != nil {
				return err
			}
			if err := tx.SaveWorkUnit(ctx, requirer); err != nil {
				return err
			}
		}
		return nil
	})
}

// Rerun transitions a Succeeded unit back to Ready, incrementing the
// unsatisfied-requirement count of any Pending requirer first so that
// unit's own eventual success doesn't decrement a requirer past zero on an
// unrelated requirement (spec.md §4.2.8, the original's rerun).
func (e *Engine) Rerun(ctx context.Context, id int64) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		unit, err := tx.LockWorkUnit(ctx, id)
		if err != nil {
			return err
		}
		return e.rerunLocked(ctx, tx, unit)
	})
}

// rerunLocked is Rerun's body, reusable from requirementSatisfied where
// unit is already locked within the caller's transaction.
func (e *Engine) rerunLocked(ctx context.Context, tx store.Tx, unit *store.WorkUnit) error {
	if err := assertState(unit.ID, unit.State, store.Succeeded); err != nil {
		return err
	}
	requirerIDs, err := tx.RequirersOf(ctx, unit.ID)
	if err != nil {
		return err
	}
	requirers, err := tx.LockWorkUnitsOrdered(ctx, requirerIDs)
	if err != nil {
		return err
	}
	for _, requirer := range requirers {
		if requirer.State != store.Pending {
			continue
		}
		requirer.NumUnsatisfiedRequirements++
		if err := tx.SaveWorkUnit(ctx, requirer); err != nil {
			return err
		}
	}
	if err := e.transitionToState(ctx, tx, unit, store.Ready); err != nil {
		return err
	}
	return tx.SaveWorkUnit(ctx, unit)
}

// RerunAll bulk-transitions every Succeeded unit of payloadType (optionally
// restricted to a creation-time range) back to Ready in a single update,
// refusing to run while any Pending work exists anywhere in the system
// (spec.md §4.2.9, the original's rerun_all). Unlike Rerun, it does not
// adjust individual requirers' counts, because it can only safely run when
// there is no Pending work whose count could be corrupted by skipping that
// step.
func (e *Engine) RerunAll(ctx context.Context, payloadType string, from, to *time.Time) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.LockWorkUnitTable(ctx); err != nil {
			return err
		}
		hasPending, err := tx.HasAnyInState(ctx, store.Pending)
		if err != nil {
			return err
		}
		if hasPending {
			return ErrPendingWorkExists
		}
		n, err := tx.BulkTransitionByType(ctx, store.BulkTransitionFilter{
			PayloadType: payloadType,
			FromState:   store.Succeeded,
			ToState:     store.Ready,
			CreatedFrom: from,
			CreatedTo:   to,
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		return tx.InsertDelta(ctx, payloadType, store.Succeeded, store.Ready, n)
	})
}

// MarkAllAsFeasible bulk-transitions every Infeasible unit of payloadType
// back to Ready if it has zero unsatisfied requirements, or to Pending if
// it still has some (spec.md §4.2.10, the original's mark_all_as_feasible).
// One delta row is recorded for each of the two destinations that received
// any units.
func (e *Engine) MarkAllAsFeasible(ctx context.Context, payloadType string) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.LockWorkUnitTable(ctx); err != nil {
			return err
		}
		n, err := tx.BulkTransitionByType(ctx, store.BulkTransitionFilter{
			PayloadType:            payloadType,
			FromState:              store.Infeasible,
			ToState:                store.Ready,
			RequireZeroUnsatisfied: true,
		})
		if err != nil {
			return err
		}
		if n > 0 {
			if err := tx.InsertDelta(ctx, payloadType, store.Infeasible, store.Ready, n); err != nil {
				return err
			}
		}
		// Every Infeasible unit of the type still left has outstanding
		// requirements.
		m, err := tx.BulkTransitionByType(ctx, store.BulkTransitionFilter{
			PayloadType: payloadType,
			FromState:   store.Infeasible,
			ToState:     store.Pending,
		})
		if err != nil {
			return err
		}
		if m == 0 {
			return nil
		}
		return tx.InsertDelta(ctx, payloadType, store.Infeasible, store.Pending, m)
	})
}

// PermanentErrorOccurred marks unit Infeasible after a worker reports a
// permanent failure, and propagates Infeasible to every transitive
// requirer that isn't already Infeasible (spec.md §4.2.11, the original's
// permanent_error_occurred).
func (e *Engine) PermanentErrorOccurred(ctx context.Context, id int64) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		unit, err := tx.LockWorkUnit(ctx, id)
		if err != nil {
			return err
		}
		if err := assertState(id, unit.State, store.Leased); err != nil {
			return err
		}

		transitive, err := gatherTransitiveRequirers(ctx, tx, id)
		if err != nil {
			return err
		}
		requirers, err := tx.LockWorkUnitsOrdered(ctx, transitive)
		if err != nil {
			return err
		}
		for _, requirer := range requirers {
			if requirer.State == store.Infeasible {
				continue
			}
			if err := assertState(requirer.ID, requirer.State, store.Pending, store.Succeeded); err != nil {
				return err
			}
			if err := e.transitionToState(ctx, tx, requirer, store.Infeasible); err != nil {
				return err
			}
			if err := tx.SaveWorkUnit(ctx, requirer); err != nil {
				return err
			}
		}

		if err := e.transitionToState(ctx, tx, unit, store.Infeasible); err != nil {
			return err
		}
		return tx.SaveWorkUnit(ctx, unit)
	})
}

// gatherTransitiveRequirers walks the requirement graph backward from id,
// collecting every unit (directly or transitively) that requires it.
// Circular requirements are not expected, but are tolerated rather than
// raised, mirroring the original's _gather_transitive_requirers: a cycle
// simply stops expanding once every member has already been visited.
func gatherTransitiveRequirers(ctx context.Context, tx store.Tx, id int64) ([]int64, error) {
	seen := make(map[int64]bool)
	var walk func(int64) error
	walk = func(cur int64) error {
		direct, err := tx.RequirersOf(ctx, cur)
		if err != nil {
			return err
		}
		for _, d := range direct {
			if d == id || seen[d] {
				continue
			}
			seen[d] = true
			if err := walk(d); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(id); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// MarkAsFeasibleForIDs transitions every given Infeasible unit back to
// Ready or Pending, depending on its own unsatisfied-requirement count
// (spec.md §4.2.12, the original's mark_as_feasible_for_ids /
// mark_as_feasible). Ids that are not currently Infeasible are silently
// skipped.
func (e *Engine) MarkAsFeasibleForIDs(ctx context.Context, ids []int64) ([]int64, error) {
	var affected []int64
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		units, err := tx.LockWorkUnitsOrdered(ctx, ids)
		if err != nil {
			return err
		}
		for _, unit := range units {
			if unit.State != store.Infeasible {
				continue
			}
			newState := store.Ready
			if unit.NumUnsatisfiedRequirements != 0 {
				newState = store.Pending
			}
			if err := e.transitionToState(ctx, tx, unit, newState); err != nil {
				return err
			}
			if err := tx.SaveWorkUnit(ctx, unit); err != nil {
				return err
			}
			affected = append(affected, unit.ID)
		}
		return nil
	})
	return affected, err
}

// CheckNumUnsatisfiedRequirements recomputes a Pending or Infeasible
// unit's unsatisfied-requirement count directly from the requirement
// table, fixing up drift caused by a bug elsewhere in the accounting.
// Returns the corrected count, or nil if the stored count was already
// correct (spec.md §4.2.13, the original's check_num_unsatisfied_requirements).
func (e *Engine) CheckNumUnsatisfiedRequirements(ctx context.Context, id int64) (*int, error) {
	var result *int
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		unit, err := tx.LockWorkUnit(ctx, id)
		if err != nil {
			return err
		}
		if err := assertState(id, unit.State, store.Pending, store.Infeasible); err != nil {
			return err
		}
		actual, err := tx.CountUnsatisfiedRequirements(ctx, id)
		if err != nil {
			return err
		}
		if actual == unit.NumUnsatisfiedRequirements {
			return nil
		}
		unit.NumUnsatisfiedRequirements = actual
		if actual == 0 && unit.State == store.Pending {
			if err := e.transitionToState(ctx, tx, unit, store.Ready); err != nil {
				return err
			}
		}
		if err := tx.SaveWorkUnit(ctx, unit); err != nil {
			return err
		}
		result = &actual
		return nil
	})
	return result, err
}
