package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

func TestRegistry_Register_DuplicatePanics(t *testing.T) {
	reg := newTestRegistry()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Register with a duplicate payload type did not panic")
		}
	}()
	reg.Register("test.unit",
		func() store.Payload { return &testPayload{} },
		func(ctx context.Context, id int64, p store.Payload) error { return nil },
		func(err error) store.FailureCategory { return store.CategoryPermanent },
		time.Minute, RetryPolicy{MaxAttempts: 1},
	)
}

func TestRegistry_Lookup_Unknown(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.lookup("no.such.type"); !errors.Is(err, ErrUnknownPayloadType) {
		t.Fatalf("lookup of unknown type: got %v, want ErrUnknownPayloadType", err)
	}
}

func TestRegistry_LeaseTTL_Fallback(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test.unit",
		func() store.Payload { return &testPayload{} },
		func(ctx context.Context, id int64, p store.Payload) error { return nil },
		nil, 2*time.Minute, RetryPolicy{MaxAttempts: 1},
	)

	if got := reg.LeaseTTL("test.unit", time.Hour); got != 2*time.Minute {
		t.Fatalf("LeaseTTL(registered) = %v, want 2m", got)
	}
	if got := reg.LeaseTTL("unknown", time.Hour); got != time.Hour {
		t.Fatalf("LeaseTTL(unknown) = %v, want fallback 1h", got)
	}
}

func TestRegistry_RetryPolicy_DefaultsWhenZero(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test.unit",
		func() store.Payload { return &testPayload{} },
		func(ctx context.Context, id int64, p store.Payload) error { return nil },
		nil, time.Minute, RetryPolicy{},
	)

	got := reg.RetryPolicy("test.unit")
	if got != DefaultRetryPolicy {
		t.Fatalf("RetryPolicy with a zero-valued policy = %+v, want DefaultRetryPolicy %+v", got, DefaultRetryPolicy)
	}
	if got := reg.RetryPolicy("unknown"); got != DefaultRetryPolicy {
		t.Fatalf("RetryPolicy(unknown) = %+v, want DefaultRetryPolicy", got)
	}
}

func TestRegistry_PayloadTypes(t *testing.T) {
	reg := newTestRegistry()
	types := reg.PayloadTypes()
	if len(types) != 1 || types[0] != "test.unit" {
		t.Fatalf("PayloadTypes() = %v, want [test.unit]", types)
	}
}

func TestRegistry_UnmarshalPayload_RoundTrip(t *testing.T) {
	reg := newTestRegistry()
	data, err := marshalPayload(&testPayload{Name: "round-trip"})
	if err != nil {
		t.Fatalf("marshalPayload: %v", err)
	}

	p, err := reg.unmarshalPayload("test.unit", data)
	if err != nil {
		t.Fatalf("unmarshalPayload: %v", err)
	}
	tp, ok := p.(*testPayload)
	if !ok {
		t.Fatalf("unmarshalPayload returned %T, want *testPayload", p)
	}
	if tp.Name != "round-trip" {
		t.Fatalf("unmarshalPayload: Name = %q, want %q", tp.Name, "round-trip")
	}
}
