// Package emit provides pluggable lifecycle-event emission for the
// workflow engine: lease acquisition, state transitions, handler failures,
// and reaper activity, independent of the process-level structured logging
// in internal/logging.
package emit

// Event is one lifecycle occurrence inside the dispatcher or state
// machine.
type Event struct {
	// WorkUnitID identifies the affected unit. Zero for engine-level
	// events that aren't about any single unit (e.g. a reaper pass
	// summary).
	WorkUnitID int64

	// PayloadType is the unit's payload type, when known.
	PayloadType string

	// Msg names the kind of event: "lease_taken", "work_succeeded",
	// "permanent_error", "reaper_reclaimed", "delta_applied", and so on.
	Msg string

	// Meta carries event-specific structured detail, e.g. "attempt",
	// "lease_holder", "error".
	Meta map[string]any
}
