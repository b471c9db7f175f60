package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store implementation.
//
// It is designed for unit tests and single-process development, not for
// production use: state is lost on process exit and there is no real
// concurrency control between processes. Internally it serializes every
// WithTx call behind a single mutex, which trivially gives the "locked in
// ascending id order" guarantee the SQL backends must work harder for, and
// makes ErrRetryable effectively unreachable (there is exactly one writer
// at a time, so nothing ever deadlocks or hits a serialization conflict).
//
// For production use, use the Postgres, MySQL, or SQLite backends.
type MemStore struct {
	mu sync.Mutex

	nextWorkUnitID  int64
	nextDeltaID     int64
	nextExceptionID int64

	units        map[int64]*WorkUnit
	payloads     map[int64]memPayload
	requirements map[requirementKey]struct{}
	requirers    map[int64][]int64 // target -> sources

	deltas     []StateCountDelta
	counters   map[counterKey]int
	exceptions []WorkException
}

type memPayload struct {
	payloadType string
	data        []byte
}

type requirementKey struct {
	source, target int64
}

type counterKey struct {
	shard       int
	payloadType string
	state       State
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		units:        make(map[int64]*WorkUnit),
		payloads:     make(map[int64]memPayload),
		requirements: make(map[requirementKey]struct{}),
		requirers:    make(map[int64][]int64),
		counters:     make(map[counterKey]int),
	}
}

// Close is a no-op for MemStore.
func (m *MemStore) Close() error { return nil }

// WithTx holds the store's single mutex for the duration of fn, giving fn
// exclusive access to every Tx method. A panic inside fn propagates after
// the mutex is released, matching the behavior a real driver's deferred
// rollback would give on an unrecovered panic.
func (m *MemStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &memTx{m: m})
}

// memTx implements Tx against its parent MemStore's maps. Every method
// assumes the caller already holds m.mu (true for any call reached through
// WithTx), so no method here takes its own lock.
type memTx struct {
	m *MemStore
}

func (t *memTx) LockWorkUnit(ctx context.Context, id int64) (*WorkUnit, error) {
	u, ok := t.m.units[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (t *memTx) LockWorkUnitExcludingState(ctx context.Context, id int64, excludeState State) (*WorkUnit, error) {
	u, ok := t.m.units[id]
	if !ok || u.State == excludeState {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (t *memTx) GetWorkUnit(ctx context.Context, id int64) (*WorkUnit, error) {
	return t.LockWorkUnit(ctx, id)
}

func (t *memTx) SaveWorkUnit(ctx context.Context, unit *WorkUnit) error {
	if _, ok := t.m.units[unit.ID]; !ok {
		return ErrNotFound
	}
	cp := *unit
	t.m.units[unit.ID] = &cp
	return nil
}

func (t *memTx) InsertWorkUnit(ctx context.Context, unit *WorkUnit) (int64, error) {
	t.m.nextWorkUnitID++
	id := t.m.nextWorkUnitID
	cp := *unit
	cp.ID = id
	t.m.units[id] = &cp
	return id, nil
}

func (t *memTx) InsertWorkUnitsBulk(ctx context.Context, units []*WorkUnit) error {
	for _, u := range units {
		id, err := t.InsertWorkUnit(ctx, u)
		if err != nil {
			return err
		}
		u.ID = id
	}
	return nil
}

func (t *memTx) InsertRequirement(ctx context.Context, source, target int64) (bool, error) {
	key := requirementKey{source, target}
	if _, exists := t.m.requirements[key]; exists {
		return false, nil
	}
	t.m.requirements[key] = struct{}{}
	t.m.requirers[target] = append(t.m.requirers[target], source)
	return true, nil
}

func (t *memTx) InsertRequirementsBulk(ctx context.Context, source int64, targets []int64) error {
	for _, target := range targets {
		key := requirementKey{source, target}
		if _, exists := t.m.requirements[key]; exists {
			continue
		}
		t.m.requirements[key] = struct{}{}
		t.m.requirers[target] = append(t.m.requirers[target], source)
	}
	return nil
}

func (t *memTx) RequirersOf(ctx context.Context, target int64) ([]int64, error) {
	ids := append([]int64(nil), t.m.requirers[target]...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *memTx) LockWorkUnitsOrdered(ctx context.Context, ids []int64) ([]*WorkUnit, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := make([]*WorkUnit, 0, len(sorted))
	for _, id := range sorted {
		if u, ok := t.m.units[id]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) CountUnsatisfiedRequirements(ctx context.Context, id int64) (int, error) {
	count := 0
	for key := range t.m.requirements {
		if key.source != id {
			continue
		}
		target, ok := t.m.units[key.target]
		if !ok || target.State != Succeeded {
			count++
		}
	}
	return count, nil
}

func (t *memTx) InsertDelta(ctx context.Context, payloadType string, fromState, toState State, delta int) error {
	t.m.nextDeltaID++
	t.m.deltas = append(t.m.deltas, StateCountDelta{
		ID:          t.m.nextDeltaID,
		PayloadType: payloadType,
		FromState:   fromState,
		ToState:     toState,
		Delta:       delta,
	})
	return nil
}

func (t *memTx) LockWorkUnitTable(ctx context.Context) error { return nil }

func (t *memTx) BulkTransitionByType(ctx context.Context, filter BulkTransitionFilter) (int, error) {
	match := func(u *WorkUnit) bool {
		if len(filter.WorkUnitIDs) > 0 {
			found := false
			for _, id := range filter.WorkUnitIDs {
				if id == u.ID {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		} else {
			if u.PayloadType != filter.PayloadType || u.State != filter.FromState {
				return false
			}
		}
		if filter.RequireZeroUnsatisfied && u.NumUnsatisfiedRequirements != 0 {
			return false
		}
		if filter.CreatedFrom != nil && u.CreatedAt.Before(*filter.CreatedFrom) {
			return false
		}
		if filter.CreatedTo != nil && u.CreatedAt.After(*filter.CreatedTo) {
			return false
		}
		return true
	}

	n := 0
	for _, u := range t.m.units {
		if !match(u) {
			continue
		}
		u.State = filter.ToState
		n++
	}
	return n, nil
}

func (t *memTx) HasAnyInState(ctx context.Context, state State) (bool, error) {
	for _, u := range t.m.units {
		if u.State == state {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) LeaseExpiredUnits(ctx context.Context, asOf time.Time, limit int) ([]*WorkUnit, error) {
	var ids []int64
	for id, u := range t.m.units {
		if u.State == Leased && u.LeasedUntil != nil && u.LeasedUntil.Before(asOf) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*WorkUnit, 0, len(ids))
	for _, id := range ids {
		cp := *t.m.units[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (t *memTx) SelectReadyForDispatch(ctx context.Context, payloadTypes []string, asOf time.Time, limit int) ([]*WorkUnit, error) {
	allowed := make(map[string]bool, len(payloadTypes))
	for _, pt := range payloadTypes {
		allowed[pt] = true
	}
	var ids []int64
	for id, u := range t.m.units {
		if u.State != Ready {
			continue
		}
		if u.LeasedUntil != nil && u.LeasedUntil.After(asOf) {
			continue
		}
		if len(allowed) > 0 && !allowed[u.PayloadType] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*WorkUnit, 0, len(ids))
	for _, id := range ids {
		cp := *t.m.units[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (t *memTx) InsertPayload(ctx context.Context, workUnitID int64, payloadType string, data []byte) error {
	t.m.payloads[workUnitID] = memPayload{payloadType: payloadType, data: append([]byte(nil), data...)}
	return nil
}

func (t *memTx) InsertPayloadsBulk(ctx context.Context, workUnitIDs []int64, payloadType string, data [][]byte) error {
	for i, id := range workUnitIDs {
		if err := t.InsertPayload(ctx, id, payloadType, data[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) LoadPayload(ctx context.Context, workUnitID int64) (string, []byte, error) {
	p, ok := t.m.payloads[workUnitID]
	if !ok {
		return "", nil, ErrNotFound
	}
	return p.payloadType, append([]byte(nil), p.data...), nil
}

func (t *memTx) SelectDeltaBatch(ctx context.Context, limit int) ([]StateCountDelta, error) {
	n := len(t.m.deltas)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]StateCountDelta, n)
	copy(out, t.m.deltas[:n])
	return out, nil
}

func (t *memTx) DeleteDeltas(ctx context.Context, ids []int64) error {
	remove := make(map[int64]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	filtered := t.m.deltas[:0:0]
	for _, d := range t.m.deltas {
		if !remove[d.ID] {
			filtered = append(filtered, d)
		}
	}
	t.m.deltas = filtered
	return nil
}

func (t *memTx) ApplyCounterDelta(ctx context.Context, shard int, payloadType string, state State, delta int) error {
	key := counterKey{shard: shard, payloadType: payloadType, state: state}
	t.m.counters[key] += delta
	return nil
}

func (t *memTx) LockCounterTable(ctx context.Context) error { return nil }

func (t *memTx) LockDeltaTable(ctx context.Context) error { return nil }

func (t *memTx) DeltaTableEmpty(ctx context.Context) (bool, error) {
	return len(t.m.deltas) == 0, nil
}

func (t *memTx) TruncateCounters(ctx context.Context) error {
	t.m.counters = make(map[counterKey]int)
	return nil
}

func (t *memTx) CountByPayloadTypeAndState(ctx context.Context) ([]StateCount, error) {
	counts := make(map[[2]string]int)
	for _, u := range t.m.units {
		counts[[2]string{u.PayloadType, string(u.State)}]++
	}
	out := make([]StateCount, 0, len(counts))
	for key, count := range counts {
		out = append(out, StateCount{PayloadType: key[0], State: State(key[1]), Count: count})
	}
	return out, nil
}

func (t *memTx) SumCounters(ctx context.Context, payloadType string, state State) (int, error) {
	sum := 0
	for key, count := range t.m.counters {
		if key.payloadType == payloadType && key.state == state {
			sum += count
		}
	}
	return sum, nil
}

func (t *memTx) CountsByPayloadType(ctx context.Context) (map[string]map[State]int, error) {
	out := make(map[string]map[State]int)
	for key, count := range t.m.counters {
		if out[key.payloadType] == nil {
			out[key.payloadType] = make(map[State]int)
		}
		out[key.payloadType][key.state] += count
	}
	return out, nil
}

func (t *memTx) InsertException(ctx context.Context, exc *WorkException) error {
	t.m.nextExceptionID++
	cp := *exc
	cp.ID = t.m.nextExceptionID
	t.m.exceptions = append(t.m.exceptions, cp)
	return nil
}
