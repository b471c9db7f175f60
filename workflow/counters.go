package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

// countKey identifies one (payload_type, state) counter.
type countKey struct {
	payloadType string
	state       store.State
}

// ApplyDeltas drains up to n rows from the delta journal, aggregates them
// in memory, and applies the net effect to the sharded counter table in a
// single transaction, returning the number of journal rows consumed
// (spec.md §4.4, the original's WorkUnitStateCountDelta.apply /
// WorkUnitStateCount.apply_deltas).
//
// Aggregating before applying means a burst of creates and transitions for
// the same (payload_type, state) pair costs one counter update instead of
// one per journal row. All updates in a single call land on the same
// randomly-chosen shard, sorted by key, so two concurrent ApplyDeltas
// calls contend for shard-row locks in the same order and rarely deadlock.
func (e *Engine) ApplyDeltas(ctx context.Context, n int) (int, error) {
	var applied int
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rows, err := tx.SelectDeltaBatch(ctx, n)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		net := make(map[countKey]int)
		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			if row.FromState != "" {
				net[countKey{row.PayloadType, row.FromState}] -= row.Delta
			}
			if row.ToState != "" {
				net[countKey{row.PayloadType, row.ToState}] += row.Delta
			}
			ids = append(ids, row.ID)
		}

		keys := make([]countKey, 0, len(net))
		for k := range net {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].payloadType != keys[j].payloadType {
				return keys[i].payloadType < keys[j].payloadType
			}
			return keys[i].state < keys[j].state
		})

		shard := randomShardIn(e.shards)
		for _, k := range keys {
			if err := tx.ApplyCounterDelta(ctx, shard, k.payloadType, k.state, net[k]); err != nil {
				return err
			}
		}

		// Every row in this batch is already locked by SelectDeltaBatch,
		// and no other process contends for them, so deleting by id is
		// deadlock-free.
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if err := tx.DeleteDeltas(ctx, ids); err != nil {
			return err
		}
		applied = len(ids)
		return nil
	})
	return applied, err
}

// randomShardIn picks a shard in [0, numShards). Which shard a given
// ApplyDeltas call updates can change freely between calls: shard count
// only bounds lock contention, it carries no semantic meaning (spec.md
// §4.4).
func randomShardIn(numShards int) int {
	if numShards <= 0 {
		numShards = defaultNumShards
	}
	return rand.Intn(numShards)
}

// Recompute discards every counter-shard row and regenerates counts
// directly from the work-unit table, collapsing all shards for a
// (payload_type, state) pair into a single shard-0 row. It refuses to run
// while the delta journal has outstanding rows, since those represent
// transitions not yet reflected in the work-unit table snapshot it reads
// (spec.md §4.4, the original's WorkUnitStateCount.recompute).
//
// Call this only when the system is quiescent: while it holds its
// exclusive locks, every ApplyDeltas and counter-reading call blocks.
func (e *Engine) Recompute(ctx context.Context) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.LockCounterTable(ctx); err != nil {
			return err
		}
		if err := tx.LockDeltaTable(ctx); err != nil {
			return err
		}
		empty, err := tx.DeltaTableEmpty(ctx)
		if err != nil {
			return err
		}
		if !empty {
			return ErrOutstandingDeltas
		}
		if err := tx.TruncateCounters(ctx); err != nil {
			return err
		}
		counts, err := tx.CountByPayloadTypeAndState(ctx)
		if err != nil {
			return err
		}
		for _, c := range counts {
			if err := tx.ApplyCounterDelta(ctx, 0, c.PayloadType, c.State, c.Count); err != nil {
				return fmt.Errorf("workflow: recompute: writing shard-0 count for (%s, %s): %w", c.PayloadType, c.State, err)
			}
		}
		return nil
	})
}

// Count sums every shard's count for (payloadType, state), the read path
// used by admin tooling and dashboards (spec.md §3, §4.4).
func (e *Engine) Count(ctx context.Context, payloadType string, state store.State) (int, error) {
	var count int
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		count, err = tx.SumCounters(ctx, payloadType, state)
		return err
	})
	return count, err
}

// CountsByPayloadType returns every payload type's counts across all
// states, for the admin "counts" report (spec.md §6, recovered from the
// original's get_counts_by_model_and_state).
func (e *Engine) CountsByPayloadType(ctx context.Context) (map[string]map[store.State]int, error) {
	var result map[string]map[store.State]int
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		result, err = tx.CountsByPayloadType(ctx)
		return err
	})
	return result, err
}
