package emit

import "context"

// NullEmitter discards every event. It is the default for deployments that
// don't need per-event visibility beyond the structured logs
// internal/logging already produces.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that does nothing.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (*NullEmitter) Emit(Event) {}

func (*NullEmitter) EmitBatch(context.Context, []Event) error { return nil }
