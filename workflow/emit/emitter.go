package emit

import "context"

// Emitter receives lifecycle events from the engine and dispatcher.
//
// Implementations must be non-blocking and safe for concurrent use: many
// dispatcher workers may emit events at once, and a slow or failing
// emitter must never hold up work-unit processing.
type Emitter interface {
	// Emit sends a single event. Implementations must not panic or block
	// on a slow backend; buffer or drop rather than stall the caller.
	Emit(event Event)

	// EmitBatch sends multiple events at once. Returns an error only for
	// catastrophic, non-recoverable failures; per-event delivery problems
	// should be logged internally, not returned.
	EmitBatch(ctx context.Context, events []Event) error
}
