package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemStore_InsertWorkUnitsBulk_AssignsSequentialIDs(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	units := []*WorkUnit{
		{PayloadType: "p", State: Ready},
		{PayloadType: "p", State: Ready},
		{PayloadType: "p", State: Ready},
	}
	err := m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertWorkUnitsBulk(ctx, units)
	})
	if err != nil {
		t.Fatalf("InsertWorkUnitsBulk: %v", err)
	}

	for i, u := range units {
		if u.ID != int64(i+1) {
			t.Fatalf("units[%d].ID = %d, want %d", i, u.ID, i+1)
		}
	}
}

func TestMemStore_LockWorkUnit_NotFound(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	err := m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockWorkUnit(ctx, 999)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("LockWorkUnit(missing): got %v, want ErrNotFound", err)
	}
}

func TestMemStore_LockWorkUnit_ReturnsACopy(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	var id int64
	if err := m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		id, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "p", State: Ready})
		return err
	}); err != nil {
		t.Fatalf("InsertWorkUnit: %v", err)
	}

	if err := m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		u, err := tx.LockWorkUnit(ctx, id)
		if err != nil {
			return err
		}
		u.State = Succeeded // mutate the returned copy only
		return nil
	}); err != nil {
		t.Fatalf("LockWorkUnit: %v", err)
	}

	if err := m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		u, err := tx.GetWorkUnit(ctx, id)
		if err != nil {
			return err
		}
		if u.State != Ready {
			t.Fatalf("stored state = %s, want READY (mutating a locked copy must not affect storage)", u.State)
		}
		return nil
	}); err != nil {
		t.Fatalf("GetWorkUnit: %v", err)
	}
}

func TestMemStore_LockWorkUnitExcludingState(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	var id int64
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		id, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "p", State: Succeeded})
		return err
	})

	err := m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockWorkUnitExcludingState(ctx, id, Succeeded)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("LockWorkUnitExcludingState on an excluded-state row: got %v, want ErrNotFound", err)
	}
}

func TestMemStore_InsertRequirement_Idempotent(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	var first, second bool
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		first, err = tx.InsertRequirement(ctx, 1, 2)
		return err
	})
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		second, err = tx.InsertRequirement(ctx, 1, 2)
		return err
	})

	if !first {
		t.Fatal("first InsertRequirement should report created=true")
	}
	if second {
		t.Fatal("second InsertRequirement of the same edge should report created=false")
	}
}

func TestMemStore_RequirersOf_SortedAscending(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.InsertRequirement(ctx, 5, 100); err != nil {
			return err
		}
		if _, err := tx.InsertRequirement(ctx, 2, 100); err != nil {
			return err
		}
		_, err := tx.InsertRequirement(ctx, 9, 100)
		return err
	})

	var requirers []int64
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		requirers, err = tx.RequirersOf(ctx, 100)
		return err
	})

	want := []int64{2, 5, 9}
	if len(requirers) != len(want) {
		t.Fatalf("RequirersOf = %v, want %v", requirers, want)
	}
	for i := range want {
		if requirers[i] != want[i] {
			t.Fatalf("RequirersOf = %v, want %v", requirers, want)
		}
	}
}

func TestMemStore_LockWorkUnitsOrdered_OmitsMissingIDs(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	var id1, id2 int64
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		id1, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "p", State: Ready})
		if err != nil {
			return err
		}
		id2, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "p", State: Ready})
		return err
	})

	var units []*WorkUnit
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		units, err = tx.LockWorkUnitsOrdered(ctx, []int64{id2, 999, id1})
		return err
	})

	if len(units) != 2 {
		t.Fatalf("LockWorkUnitsOrdered returned %d units, want 2 (missing id silently omitted)", len(units))
	}
	if units[0].ID != id1 || units[1].ID != id2 {
		t.Fatalf("LockWorkUnitsOrdered = [%d, %d], want ascending [%d, %d]", units[0].ID, units[1].ID, id1, id2)
	}
}

func TestMemStore_SelectReadyForDispatch_FiltersByStateTypeAndLease(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()
	future := now.Add(time.Hour)

	var readyA, readyB, leasedFuture, wrongType, leased int64
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if readyA, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "a", State: Ready}); err != nil {
			return err
		}
		if readyB, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "a", State: Ready}); err != nil {
			return err
		}
		if leasedFuture, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "a", State: Ready, LeasedUntil: &future}); err != nil {
			return err
		}
		if wrongType, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "b", State: Ready}); err != nil {
			return err
		}
		if leased, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "a", State: Leased}); err != nil {
			return err
		}
		return nil
	})
	_ = wrongType
	_ = leased

	var got []*WorkUnit
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		got, err = tx.SelectReadyForDispatch(ctx, []string{"a"}, now, 10)
		return err
	})

	if len(got) != 2 {
		t.Fatalf("SelectReadyForDispatch returned %d candidates, want 2 (ready and not future-leased, type a)", len(got))
	}
	if got[0].ID != readyA || got[1].ID != readyB {
		t.Fatalf("SelectReadyForDispatch = [%d, %d], want ascending [%d, %d]", got[0].ID, got[1].ID, readyA, readyB)
	}
	_ = leasedFuture
}

func TestMemStore_LeaseExpiredUnits(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	var expired, notYetExpired int64
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if expired, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "a", State: Leased, LeasedUntil: &past}); err != nil {
			return err
		}
		if notYetExpired, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "a", State: Leased, LeasedUntil: &future}); err != nil {
			return err
		}
		return nil
	})
	_ = notYetExpired

	var got []*WorkUnit
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		got, err = tx.LeaseExpiredUnits(ctx, now, 10)
		return err
	})

	if len(got) != 1 || got[0].ID != expired {
		t.Fatalf("LeaseExpiredUnits = %v, want exactly [%d]", got, expired)
	}
}

func TestMemStore_CountUnsatisfiedRequirements(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	var source, succeededTarget, pendingTarget int64
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if source, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "p", State: Pending}); err != nil {
			return err
		}
		if succeededTarget, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "p", State: Succeeded}); err != nil {
			return err
		}
		if pendingTarget, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "p", State: Pending}); err != nil {
			return err
		}
		if _, err = tx.InsertRequirement(ctx, source, succeededTarget); err != nil {
			return err
		}
		_, err = tx.InsertRequirement(ctx, source, pendingTarget)
		return err
	})

	var n int
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.CountUnsatisfiedRequirements(ctx, source)
		return err
	})
	if n != 1 {
		t.Fatalf("CountUnsatisfiedRequirements = %d, want 1 (only the non-succeeded target)", n)
	}
}

func TestMemStore_BulkTransitionByType_RequireZeroUnsatisfied(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	var blocked, unblocked int64
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if blocked, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "p", State: Infeasible, NumUnsatisfiedRequirements: 1}); err != nil {
			return err
		}
		if unblocked, err = tx.InsertWorkUnit(ctx, &WorkUnit{PayloadType: "p", State: Infeasible, NumUnsatisfiedRequirements: 0}); err != nil {
			return err
		}
		return nil
	})
	_ = blocked

	var n int
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.BulkTransitionByType(ctx, BulkTransitionFilter{
			PayloadType:            "p",
			FromState:              Infeasible,
			ToState:                Ready,
			RequireZeroUnsatisfied: true,
		})
		return err
	})
	if n != 1 {
		t.Fatalf("BulkTransitionByType affected %d rows, want 1", n)
	}

	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		u, err := tx.GetWorkUnit(ctx, unblocked)
		if err != nil {
			return err
		}
		if u.State != Ready {
			t.Fatalf("unblocked unit state = %s, want READY", u.State)
		}
		return nil
	})
}

func TestMemStore_DeltaJournal_SelectAndDelete(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertDelta(ctx, "p", "", Ready, 3); err != nil {
			return err
		}
		return tx.InsertDelta(ctx, "p", Ready, Leased, 1)
	})

	var rows []StateCountDelta
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		rows, err = tx.SelectDeltaBatch(ctx, 1)
		return err
	})
	if len(rows) != 1 {
		t.Fatalf("SelectDeltaBatch(limit=1) returned %d rows, want 1", len(rows))
	}

	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.DeleteDeltas(ctx, []int64{rows[0].ID})
	})

	var empty bool
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		empty, err = tx.DeltaTableEmpty(ctx)
		return err
	})
	if empty {
		t.Fatal("DeltaTableEmpty = true, want false (one row should remain)")
	}
}

func TestMemStore_ApplyCounterDelta_And_SumCounters(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.ApplyCounterDelta(ctx, 3, "p", Ready, 2); err != nil {
			return err
		}
		return tx.ApplyCounterDelta(ctx, 7, "p", Ready, 5)
	})

	var sum int
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		sum, err = tx.SumCounters(ctx, "p", Ready)
		return err
	})
	if sum != 7 {
		t.Fatalf("SumCounters = %d, want 7 (sum across shards)", sum)
	}
}

func TestMemStore_TruncateCounters(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.ApplyCounterDelta(ctx, 0, "p", Ready, 10)
	})
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.TruncateCounters(ctx)
	})

	var sum int
	_ = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		sum, err = tx.SumCounters(ctx, "p", Ready)
		return err
	})
	if sum != 0 {
		t.Fatalf("SumCounters after TruncateCounters = %d, want 0", sum)
	}
}

func TestMemStore_InsertAndLoadPayload(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	err := m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertPayload(ctx, 1, "p", []byte(`{"a":1}`)); err != nil {
			return err
		}
		payloadType, data, err := tx.LoadPayload(ctx, 1)
		if err != nil {
			return err
		}
		if payloadType != "p" || string(data) != `{"a":1}` {
			t.Fatalf("LoadPayload = (%q, %q), want (\"p\", `{\"a\":1}`)", payloadType, data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	err = m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, _, err := tx.LoadPayload(ctx, 999)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadPayload(missing): got %v, want ErrNotFound", err)
	}
}

func TestMemStore_InsertException(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	err := m.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertException(ctx, &WorkException{
			Timestamp:  time.Now().UTC(),
			Category:   CategoryTransient,
			WorkUnitID: 42,
			Message:    "boom",
		})
	})
	if err != nil {
		t.Fatalf("InsertException: %v", err)
	}
}

func TestMemStore_Close_IsANoOp(t *testing.T) {
	m := NewMemStore()
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
