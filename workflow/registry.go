package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

// marshalPayload serializes a concrete payload value to JSON for storage.
// Payloads are stored in a single table tagged by payload type rather than
// one table per type (spec.md §9: "polymorphic payloads without
// inheritance" — see DESIGN.md for why this reads better in Go than a
// per-type schema does).
func marshalPayload(p store.Payload) ([]byte, error) {
	return json.Marshal(p)
}

// Classifier inspects an error returned by a payload type's Handler and
// decides whether the dispatcher should retry the unit, mark it
// permanently Infeasible, or treat the error as a contract violation,
// which the dispatcher logs while leaving the unit Leased (spec.md §7).
type Classifier func(error) store.FailureCategory

// Handler executes the work described by a payload. ctx carries the
// dispatch deadline (bounded by the unit's lease); the handler must return
// before the lease expires or risk the unit being reaped and retried by
// another worker concurrently.
type Handler func(ctx context.Context, workUnitID int64, payload store.Payload) error

// Registry maps a payload type name to everything the engine needs to
// store, dispatch, and classify failures for it: how to reconstruct a
// concrete value from stored bytes, the function that performs the work,
// how to classify its errors, and how long a lease on it should last
// before the reaper reclaims it.
//
// Payload types are registered once at process startup through an explicit
// call into a Registry value (see examplepayload.Register), mirroring how
// the original's ContentType framework resolved a payload's Django model
// class at runtime — but made explicit and compile-time-checked, per
// spec.md §9's preference for "explicit, data-driven dispatch" over
// implicit type resolution.
type Registry struct {
	entries map[string]*registryEntry
}

type registryEntry struct {
	newPayload  func() store.Payload
	handler     Handler
	classifier  Classifier
	leaseTTL    time.Duration
	retryPolicy RetryPolicy
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Register associates payloadType with the means to unmarshal, execute,
// and classify failures for it. newPayload must return a new zero-valued
// pointer to the concrete payload type, suitable as a json.Unmarshal
// target. A zero-valued retryPolicy falls back to DefaultRetryPolicy. It
// panics if payloadType is already registered: registration conflicts are
// a programming error caught at startup, not a runtime condition to
// recover from.
func (r *Registry) Register(payloadType string, newPayload func() store.Payload, handler Handler, classifier Classifier, leaseTTL time.Duration, retryPolicy RetryPolicy) {
	if _, exists := r.entries[payloadType]; exists {
		panic(fmt.Sprintf("workflow: payload type %q already registered", payloadType))
	}
	if retryPolicy.MaxAttempts == 0 {
		retryPolicy = DefaultRetryPolicy
	}
	r.entries[payloadType] = &registryEntry{
		newPayload:  newPayload,
		handler:     handler,
		classifier:  classifier,
		leaseTTL:    leaseTTL,
		retryPolicy: retryPolicy,
	}
}

// ErrUnknownPayloadType is returned when an operation names a payload type
// that was never registered.
var ErrUnknownPayloadType = errors.New("workflow: unknown payload type")

func (r *Registry) lookup(payloadType string) (*registryEntry, error) {
	entry, ok := r.entries[payloadType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, payloadType)
	}
	return entry, nil
}

// unmarshalPayload reconstructs a concrete payload value for payloadType
// from stored bytes.
func (r *Registry) unmarshalPayload(payloadType string, data []byte) (store.Payload, error) {
	entry, err := r.lookup(payloadType)
	if err != nil {
		return nil, err
	}
	p := entry.newPayload()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("workflow: unmarshaling payload of type %q: %w", payloadType, err)
	}
	return p, nil
}

// LeaseTTL returns the configured lease duration for payloadType, or
// fallback if the type has none configured.
func (r *Registry) LeaseTTL(payloadType string, fallback time.Duration) time.Duration {
	entry, ok := r.entries[payloadType]
	if !ok || entry.leaseTTL == 0 {
		return fallback
	}
	return entry.leaseTTL
}

// RetryPolicy returns the configured retry policy for payloadType, or
// DefaultRetryPolicy if the type is unknown.
func (r *Registry) RetryPolicy(payloadType string) RetryPolicy {
	entry, ok := r.entries[payloadType]
	if !ok {
		return DefaultRetryPolicy
	}
	return entry.retryPolicy
}

// PayloadTypes returns every registered payload type name, in no
// particular order. Used by the dispatcher to build its default dispatch
// set when the operator hasn't restricted it to a subset.
func (r *Registry) PayloadTypes() []string {
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}
