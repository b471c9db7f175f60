package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

func TestEngine_RescheduleTransient(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	id, _ := e.Create(ctx, nil, "test.unit", &testPayload{Name: "a"})
	if _, err := e.TakeLease(ctx, id, "node-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("TakeLease: %v", err)
	}

	until := time.Now().Add(30 * time.Second).UTC()
	if err := e.RescheduleTransient(ctx, id, until); err != nil {
		t.Fatalf("RescheduleTransient: %v", err)
	}

	// Ready again, but with a future LeasedUntil, so the dispatcher must
	// not pick it up yet.
	countReadyCandidates := func(asOf time.Time) int {
		var candidates []*store.WorkUnit
		if err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			candidates, err = tx.SelectReadyForDispatch(ctx, []string{"test.unit"}, asOf, 10)
			return err
		}); err != nil {
			t.Fatalf("SelectReadyForDispatch: %v", err)
		}
		return len(candidates)
	}

	if n := countReadyCandidates(time.Now().UTC()); n != 0 {
		t.Fatalf("candidates ready right now = %d, want 0 (lease not yet expired)", n)
	}
	if n := countReadyCandidates(until.Add(time.Second)); n != 1 {
		t.Fatalf("candidates ready after %v = %d, want 1", until, n)
	}
}

func TestEngine_RescheduleTransient_WrongState(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	id, _ := e.Create(ctx, nil, "test.unit", &testPayload{Name: "a"})
	err := e.RescheduleTransient(ctx, id, time.Now().Add(time.Minute))
	var stateErr *UnexpectedStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("RescheduleTransient on a Ready unit: got %v, want *UnexpectedStateError", err)
	}
}

func TestEngine_LogException(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	id, _ := e.Create(ctx, nil, "test.unit", &testPayload{Name: "a"})
	handlerErr := errors.New("boom: connection refused")

	if err := e.LogException(ctx, id, store.CategoryTransient, handlerErr); err != nil {
		t.Fatalf("LogException: %v", err)
	}
}

func TestCaptureStackFrames(t *testing.T) {
	frames := captureStackFrames()
	if len(frames) == 0 {
		t.Fatal("captureStackFrames returned no frames")
	}
	if len(frames) > maxStackFrames {
		t.Fatalf("captureStackFrames returned %d frames, want at most %d", len(frames), maxStackFrames)
	}
	for _, f := range frames {
		if !strings.Contains(f, ":") {
			t.Fatalf("stack frame %q doesn't look like \"file:line function\"", f)
		}
	}
}
