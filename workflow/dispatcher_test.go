package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolchainlabs/buildsense-workflow/workflow/emit"
	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

var errHandlerTransient = errors.New("dispatcher_test: transient failure")
var errHandlerPermanent = errors.New("dispatcher_test: permanent failure")

func classifyHandlerErr(err error) store.FailureCategory {
	switch {
	case errors.Is(err, errHandlerTransient):
		return store.CategoryTransient
	case errors.Is(err, errHandlerPermanent):
		return store.CategoryPermanent
	default:
		return store.CategoryContractViolation
	}
}

func registerCountingHandler(reg *Registry, payloadType string, result func(attempt int32) error, retryPolicy RetryPolicy) *int32 {
	var calls int32
	reg.Register(payloadType,
		func() store.Payload { return &testPayload{} },
		func(ctx context.Context, id int64, p store.Payload) error {
			n := atomic.AddInt32(&calls, 1)
			return result(n)
		},
		classifyHandlerErr,
		time.Minute,
		retryPolicy,
	)
	return &calls
}

func TestDispatcher_DispatchesReadyWork_Success(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	calls := registerCountingHandler(reg, "test.success", func(int32) error { return nil }, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	emitter := emit.NewBufferedEmitter()
	e := New(store.NewMemStore(), reg, WithEmitter(emitter))
	id, err := e.Create(ctx, nil, "test.success", &testPayload{Name: "a"})
	require.NoError(t, err)

	d := NewDispatcher(e, DispatcherConfig{Concurrency: 2, Node: "test-node"})
	require.NoError(t, d.dispatchBatch(ctx))

	assert.EqualValues(t, 1, atomic.LoadInt32(calls))

	_, err = e.ApplyDeltas(ctx, 1000)
	require.NoError(t, err)
	n, err := e.Count(ctx, "test.success", store.Succeeded)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history := emitter.History(id)
	var sawLeaseTaken, sawSucceeded bool
	for _, ev := range history {
		switch ev.Msg {
		case "lease_taken":
			sawLeaseTaken = true
		case "work_succeeded":
			sawSucceeded = true
		}
	}
	assert.True(t, sawLeaseTaken, "expected a lease_taken event, got %+v", history)
	assert.True(t, sawSucceeded, "expected a work_succeeded event, got %+v", history)
}

func TestDispatcher_PermanentFailure_MarksInfeasible(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	registerCountingHandler(reg, "test.permanent", func(int32) error { return errHandlerPermanent }, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	e := New(store.NewMemStore(), reg)
	_, err := e.Create(ctx, nil, "test.permanent", &testPayload{Name: "a"})
	require.NoError(t, err)

	d := NewDispatcher(e, DispatcherConfig{Concurrency: 2, Node: "test-node"})
	require.NoError(t, d.dispatchBatch(ctx))

	_, err = e.ApplyDeltas(ctx, 1000)
	require.NoError(t, err)
	n, err := e.Count(ctx, "test.permanent", store.Infeasible)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatcher_TransientFailure_RetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	calls := registerCountingHandler(reg, "test.flaky", func(attempt int32) error {
		if attempt < 2 {
			return errHandlerTransient
		}
		return nil
	}, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	e := New(store.NewMemStore(), reg)
	_, err := e.Create(ctx, nil, "test.flaky", &testPayload{Name: "a"})
	require.NoError(t, err)

	d := NewDispatcher(e, DispatcherConfig{Concurrency: 1, Node: "test-node"})

	// First pass fails transiently and reschedules with a future
	// LeasedUntil; it stays out of the candidate set until that passes.
	require.NoError(t, d.dispatchBatch(ctx))
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))

	// Wait past the reschedule delay (BaseDelay=1ms) before the next pass.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.dispatchBatch(ctx))
	assert.EqualValues(t, 2, atomic.LoadInt32(calls))

	_, err = e.ApplyDeltas(ctx, 1000)
	require.NoError(t, err)
	n, err := e.Count(ctx, "test.flaky", store.Succeeded)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatcher_TransientFailure_ExhaustsRetriesIntoPermanent(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	registerCountingHandler(reg, "test.always_flaky", func(int32) error { return errHandlerTransient },
		RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	e := New(store.NewMemStore(), reg)
	_, err := e.Create(ctx, nil, "test.always_flaky", &testPayload{Name: "a"})
	require.NoError(t, err)

	d := NewDispatcher(e, DispatcherConfig{Concurrency: 1, Node: "test-node"})
	require.NoError(t, d.dispatchBatch(ctx))

	_, err = e.ApplyDeltas(ctx, 1000)
	require.NoError(t, err)
	n, err := e.Count(ctx, "test.always_flaky", store.Infeasible)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "MaxAttempts=1 means the first transient failure exhausts retries")
}

func TestDispatcher_NoReadyWork_IsANoOp(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	e := New(store.NewMemStore(), reg)
	d := NewDispatcher(e, DispatcherConfig{})

	assert.NoError(t, d.dispatchBatch(ctx))
}

func TestDispatcherConfig_Defaults(t *testing.T) {
	cfg := DispatcherConfig{}.withDefaults()
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, cfg.Concurrency*4, cfg.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.DefaultLeaseTTL)
	assert.Equal(t, "unknown", cfg.Node)
}
