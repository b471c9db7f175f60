package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

func TestEngine_ApplyDeltas(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	if _, err := e.Create(ctx, nil, "test.unit", &testPayload{Name: "a"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Create(ctx, nil, "test.unit", &testPayload{Name: "b"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	applied, err := e.ApplyDeltas(ctx, 100)
	if err != nil {
		t.Fatalf("ApplyDeltas: %v", err)
	}
	if applied != 2 {
		t.Fatalf("ApplyDeltas applied = %d, want 2", applied)
	}

	n, err := e.Count(ctx, "test.unit", store.Ready)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("Count(Ready) = %d, want 2", n)
	}

	// A second call with nothing left in the journal applies zero rows.
	applied, err = e.ApplyDeltas(ctx, 100)
	if err != nil {
		t.Fatalf("ApplyDeltas (empty journal): %v", err)
	}
	if applied != 0 {
		t.Fatalf("ApplyDeltas on an empty journal applied = %d, want 0", applied)
	}
}

func TestEngine_ApplyDeltas_AggregatesNetEffect(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	id, err := e.Create(ctx, nil, "test.unit", &testPayload{Name: "a"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.TakeLease(ctx, id, "node-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("TakeLease: %v", err)
	}
	if err := e.WorkSucceeded(ctx, id, true); err != nil {
		t.Fatalf("WorkSucceeded: %v", err)
	}

	// Three transitions happened: "" -> READY, READY -> LEASED, LEASED -> SUCCEEDED.
	if _, err := e.ApplyDeltas(ctx, 100); err != nil {
		t.Fatalf("ApplyDeltas: %v", err)
	}

	readyCount, err := e.Count(ctx, "test.unit", store.Ready)
	if err != nil {
		t.Fatalf("Count(Ready): %v", err)
	}
	if readyCount != 0 {
		t.Fatalf("Count(Ready) = %d, want 0 (unit moved through and past READY)", readyCount)
	}
	succeededCount, err := e.Count(ctx, "test.unit", store.Succeeded)
	if err != nil {
		t.Fatalf("Count(Succeeded): %v", err)
	}
	if succeededCount != 1 {
		t.Fatalf("Count(Succeeded) = %d, want 1", succeededCount)
	}
}

func TestEngine_Recompute_RefusesWithOutstandingDeltas(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	if _, err := e.Create(ctx, nil, "test.unit", &testPayload{Name: "a"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := e.Recompute(ctx); !errors.Is(err, ErrOutstandingDeltas) {
		t.Fatalf("Recompute with a pending delta: got %v, want ErrOutstandingDeltas", err)
	}
}

func TestEngine_Recompute(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	if _, err := e.Create(ctx, nil, "test.unit", &testPayload{Name: "a"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.ApplyDeltas(ctx, 100); err != nil {
		t.Fatalf("ApplyDeltas: %v", err)
	}

	if err := e.Recompute(ctx); err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	n, err := e.Count(ctx, "test.unit", store.Ready)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("Count(Ready) after Recompute = %d, want 1", n)
	}
}

func TestEngine_CountsByPayloadType(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	if _, err := e.Create(ctx, nil, "test.unit", &testPayload{Name: "a"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Create(ctx, nil, "test.unit", &testPayload{Name: "b"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.ApplyDeltas(ctx, 100); err != nil {
		t.Fatalf("ApplyDeltas: %v", err)
	}

	byType, err := e.CountsByPayloadType(ctx)
	if err != nil {
		t.Fatalf("CountsByPayloadType: %v", err)
	}
	if byType["test.unit"][store.Ready] != 2 {
		t.Fatalf("CountsByPayloadType[test.unit][READY] = %d, want 2", byType["test.unit"][store.Ready])
	}
}
