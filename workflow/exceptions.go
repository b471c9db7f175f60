package workflow

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

// RescheduleTransient returns a Leased unit to Ready with LeasedUntil set
// to until, so the dispatcher won't reselect it before then. By I2, a
// Leased unit always has zero unsatisfied requirements, so Ready is always
// the correct destination state (spec.md §7, "transient handler failure
// ... converted into a lease extension with future leased_until").
func (e *Engine) RescheduleTransient(ctx context.Context, id int64, until time.Time) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		unit, err := tx.LockWorkUnit(ctx, id)
		if err != nil {
			return err
		}
		if err := assertState(id, unit.State, store.Leased); err != nil {
			return err
		}
		unit.LeasedUntil = &until
		unit.LeaseHolder = ""
		if err := e.transitionToState(ctx, tx, unit, store.Ready); err != nil {
			return err
		}
		return tx.SaveWorkUnit(ctx, unit)
	})
}

// maxStackFrames bounds how many caller frames LogException captures,
// innermost first, matching the original's stacktrace_frames(limit=...).
const maxStackFrames = 32

// LogException persists a record of an error encountered while performing
// workUnitID's work, capturing the current goroutine's call stack (spec.md
// §4.3, the original's WorkExceptionLog.create).
func (e *Engine) LogException(ctx context.Context, workUnitID int64, category store.FailureCategory, handlerErr error) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertException(ctx, &store.WorkException{
			Timestamp:   time.Now().UTC(),
			Category:    category,
			WorkUnitID:  workUnitID,
			Message:     store.TruncateMessage(handlerErr.Error()),
			StackFrames: captureStackFrames(),
		})
	})
}

// captureStackFrames renders the calling goroutine's stack as short
// "file:line function" strings, skipping runtime.Callers,
// captureStackFrames itself, and its immediate caller.
func captureStackFrames() []string {
	pcs := make([]uintptr, maxStackFrames)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var out []string
	for {
		frame, more := frames.Next()
		out = append(out, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		if !more {
			break
		}
	}
	return out
}
