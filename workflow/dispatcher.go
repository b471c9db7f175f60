package workflow

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/toolchainlabs/buildsense-workflow/internal/logging"
	"github.com/toolchainlabs/buildsense-workflow/workflow/emit"
	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

// DispatcherConfig configures a Dispatcher's polling cadence, concurrency,
// and default lease duration.
type DispatcherConfig struct {
	// PayloadTypes restricts dispatch to this subset. Empty means every
	// type registered on the Engine's Registry.
	PayloadTypes []string

	// Concurrency bounds how many handlers run at once. Defaults to 4.
	Concurrency int

	// PollInterval is how often the dispatcher scans for Ready work.
	// Defaults to one second.
	PollInterval time.Duration

	// BatchSize caps candidates fetched per scan. Defaults to
	// Concurrency*4.
	BatchSize int

	// DefaultLeaseTTL is used for payload types that didn't register their
	// own lease duration. Defaults to five minutes.
	DefaultLeaseTTL time.Duration

	// Node identifies this process in WorkUnit.Node, surfaced in admin
	// tooling to show where a lease is held (spec.md §3).
	Node string
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Concurrency * 4
	}
	if c.DefaultLeaseTTL <= 0 {
		c.DefaultLeaseTTL = 5 * time.Minute
	}
	if c.Node == "" {
		c.Node = "unknown"
	}
	return c
}

// Dispatcher drives an Engine's state machine against its Registry: it
// scans for Ready work, leases it, runs the registered handler, and
// reschedules or finalizes the outcome according to the payload type's
// Classifier (spec.md §4.3 "the dispatch loop", §7 "the failure model").
//
// A Dispatcher holds no durable state of its own; every work unit's
// attempt count lives only in this process's memory, reset on restart.
// That's a deliberate simplification over the original, which didn't
// track per-unit attempt counts durably either: losing the count on
// restart only means a unit gets a few extra retries before the
// payload type's RetryPolicy.MaxAttempts gives up on it, never fewer.
type Dispatcher struct {
	engine *Engine
	cfg    DispatcherConfig

	mu       sync.Mutex
	attempts map[int64]int
	rngs     sync.Pool
}

// NewDispatcher constructs a Dispatcher for engine, using cfg (zero
// fields take their documented defaults).
func NewDispatcher(engine *Engine, cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		engine:   engine,
		cfg:      cfg.withDefaults(),
		attempts: make(map[int64]int),
	}
	d.rngs.New = func() any {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return d
}

// Run polls for Ready work and dispatches it with up to cfg.Concurrency
// concurrent workers until ctx is cancelled, and then returns ctx.Err().
// A failed scan is logged and polling continues; Run returns no other
// error.
func (d *Dispatcher) Run(ctx context.Context) error {
	log := logging.WithComponent("dispatcher")
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.dispatchBatch(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return ctx.Err()
				}
				log.Error().Err(err).Msg("scan for ready work failed")
			}
		}
	}
}

func (d *Dispatcher) payloadTypes() []string {
	if len(d.cfg.PayloadTypes) > 0 {
		return d.cfg.PayloadTypes
	}
	return d.engine.registry.PayloadTypes()
}

// dispatchBatch fetches one batch of Ready candidates and runs each
// through a handler, bounded by cfg.Concurrency. A single candidate's
// failure never aborts the batch: dispatchOne reports its own errors via
// logging and the emitter instead of returning them.
func (d *Dispatcher) dispatchBatch(ctx context.Context) error {
	types := d.payloadTypes()
	if len(types) == 0 {
		return nil
	}

	var candidates []*store.WorkUnit
	err := d.engine.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		candidates, err = tx.SelectReadyForDispatch(ctx, types, time.Now().UTC(), d.cfg.BatchSize)
		return err
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, unit := range candidates {
		unit := unit
		g.Go(func() error {
			d.dispatchOne(gctx, unit)
			return nil
		})
	}
	return g.Wait()
}

// dispatchOne runs the full lease/execute/confirm protocol for a single
// candidate (spec.md §4.3):
//
//  1. Take a lease, assigning a fresh holder.
//  2. Run the handler outside any transaction, bounded by the lease TTL.
//  3. Confirm the lease is still held by the same holder.
//  4. Apply the outcome: success, transient reschedule, permanent
//     failure, or (for a handler-reported contract violation) leave the
//     unit leased for the reaper and an operator to investigate.
func (d *Dispatcher) dispatchOne(ctx context.Context, unit *store.WorkUnit) {
	log := logging.WithWorkUnit(unit.ID, unit.PayloadType)

	entry, err := d.engine.registry.lookup(unit.PayloadType)
	if err != nil {
		log.Error().Err(err).Msg("encountered work unit of unregistered payload type")
		return
	}

	rng := d.rngs.Get().(*rand.Rand)
	defer d.rngs.Put(rng)

	leaseTTL := d.engine.registry.LeaseTTL(unit.PayloadType, d.cfg.DefaultLeaseTTL)
	holder, err := withStorageRetry(ctx, rng, func() (string, error) {
		return d.engine.TakeLease(ctx, unit.ID, d.cfg.Node, time.Now().UTC().Add(leaseTTL))
	})
	if err != nil {
		var stateErr *UnexpectedStateError
		if errors.As(err, &stateErr) {
			log.Debug().Msg("lost the race to lease this unit, skipping")
			return
		}
		log.Error().Err(err).Msg("failed to take lease")
		return
	}
	d.engine.emitter.Emit(emit.Event{
		WorkUnitID: unit.ID, PayloadType: unit.PayloadType, Msg: "lease_taken",
		Meta: map[string]any{"lease_holder": holder, "node": d.cfg.Node},
	})

	payload, err := d.loadPayload(ctx, unit.ID, unit.PayloadType)
	if err != nil {
		log.Error().Err(err).Msg("failed to load payload, leaving lease to expire")
		return
	}

	handlerCtx, cancel := context.WithDeadline(ctx, time.Now().Add(leaseTTL))
	start := time.Now()
	handlerErr := runHandler(handlerCtx, entry.handler, unit.ID, payload)
	latency := time.Since(start)
	cancel()

	held, err := withStorageRetry(ctx, rng, func() (bool, error) {
		return d.engine.ConfirmLease(ctx, unit.ID, holder)
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to confirm lease after handler ran")
		return
	}
	if !held {
		log.Warn().Msg("lease was reclaimed before the handler finished; discarding its result")
		return
	}

	if handlerErr == nil {
		d.clearAttempts(unit.ID)
		d.recordLatency(unit.PayloadType, latency, "success")
		if err := d.engine.WorkSucceeded(ctx, unit.ID, true); err != nil {
			log.Error().Err(err).Msg("failed to record success")
			return
		}
		d.engine.emitter.Emit(emit.Event{WorkUnitID: unit.ID, PayloadType: unit.PayloadType, Msg: "work_succeeded"})
		return
	}

	category := store.CategoryPermanent
	if entry.classifier != nil {
		category = entry.classifier(handlerErr)
	}
	if err := d.engine.LogException(ctx, unit.ID, category, handlerErr); err != nil {
		log.Error().Err(err).Msg("failed to log exception")
	}

	switch category {
	case store.CategoryTransient:
		d.handleTransient(ctx, unit, entry, handlerErr, latency, rng, log)
	case store.CategoryContractViolation:
		d.recordLatency(unit.PayloadType, latency, "contract_violation")
		log.Error().Err(handlerErr).Msg("handler reported a contract violation; leaving the unit leased")
		d.engine.emitter.Emit(emit.Event{
			WorkUnitID: unit.ID, PayloadType: unit.PayloadType, Msg: "contract_violation",
			Meta: map[string]any{"error": handlerErr.Error()},
		})
	default:
		d.recordLatency(unit.PayloadType, latency, "permanent")
		d.finishPermanent(ctx, unit, handlerErr, log)
	}
}

func (d *Dispatcher) handleTransient(ctx context.Context, unit *store.WorkUnit, entry *registryEntry, handlerErr error, latency time.Duration, rng *rand.Rand, log zerolog.Logger) {
	d.recordLatency(unit.PayloadType, latency, "transient")
	if d.engine.metrics != nil {
		d.engine.metrics.IncrementRetries(unit.PayloadType, string(store.CategoryTransient))
	}

	attempt := d.nextAttempt(unit.ID)
	policy := entry.retryPolicy
	if attempt >= policy.MaxAttempts {
		log.Warn().Int("attempts", attempt).Msg("exhausted retry attempts; treating as a permanent failure")
		d.finishPermanent(ctx, unit, handlerErr, log)
		return
	}

	delay := computeBackoff(attempt, policy, rng)
	if err := d.engine.RescheduleTransient(ctx, unit.ID, time.Now().UTC().Add(delay)); err != nil {
		log.Error().Err(err).Msg("failed to reschedule after transient failure")
		return
	}
	d.engine.emitter.Emit(emit.Event{
		WorkUnitID: unit.ID, PayloadType: unit.PayloadType, Msg: "transient_failure",
		Meta: map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds(), "error": handlerErr.Error()},
	})
}

func (d *Dispatcher) finishPermanent(ctx context.Context, unit *store.WorkUnit, handlerErr error, log zerolog.Logger) {
	d.clearAttempts(unit.ID)
	if err := d.engine.PermanentErrorOccurred(ctx, unit.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark unit and its requirers infeasible")
		return
	}
	d.engine.emitter.Emit(emit.Event{
		WorkUnitID: unit.ID, PayloadType: unit.PayloadType, Msg: "permanent_error",
		Meta: map[string]any{"error": handlerErr.Error()},
	})
}

func (d *Dispatcher) loadPayload(ctx context.Context, id int64, payloadType string) (store.Payload, error) {
	var data []byte
	err := d.engine.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, raw, err := tx.LoadPayload(ctx, id)
		data = raw
		return err
	})
	if err != nil {
		return nil, err
	}
	return d.engine.registry.unmarshalPayload(payloadType, data)
}

func (d *Dispatcher) nextAttempt(id int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts[id]++
	return d.attempts[id]
}

func (d *Dispatcher) clearAttempts(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.attempts, id)
}

func (d *Dispatcher) recordLatency(payloadType string, latency time.Duration, outcome string) {
	if d.engine.metrics != nil {
		d.engine.metrics.RecordAttemptLatency(payloadType, latency, outcome)
	}
}

// runHandler recovers a panicking handler into an error, treating it the
// same as any other handler failure so one bad payload can't take down a
// dispatcher worker (spec.md §7, "handler failures are always contained").
func runHandler(ctx context.Context, h Handler, id int64, payload store.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("workflow: handler panicked")
		}
	}()
	return h(ctx, id, payload)
}

// withStorageRetry retries op while it returns an error wrapping
// store.ErrRetryable, using storageRetryPolicy's backoff (spec.md §5,
// §7: "a transient storage failure ... is retried by the dispatcher and
// never surfaced to a handler or an operator").
func withStorageRetry[T any](ctx context.Context, rng *rand.Rand, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < storageRetryPolicy.MaxAttempts; attempt++ {
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, store.ErrRetryable) {
			return zero, err
		}
		lastErr = err
		select {
		case <-time.After(computeBackoff(attempt, storageRetryPolicy, rng)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
