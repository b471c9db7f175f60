package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/toolchainlabs/buildsense-workflow/internal/logging"
	"github.com/toolchainlabs/buildsense-workflow/workflow/emit"
	"github.com/toolchainlabs/buildsense-workflow/workflow/store"
)

// ReaperConfig configures Reaper's scan cadence and batch size.
type ReaperConfig struct {
	// Schedule is a robfig/cron expression. Defaults to every thirty
	// seconds ("@every 30s").
	Schedule string

	// BatchSize caps leases reclaimed per pass. Defaults to 200.
	BatchSize int
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	if c.Schedule == "" {
		c.Schedule = "@every 30s"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	return c
}

// reaperStallThreshold is the number of consecutive passes that must find
// expired leases but reclaim none of them before Reclaim reports
// ErrReaperStalled.
const reaperStallThreshold = 3

// Reaper periodically reclaims work units whose lease expired without the
// holder extending or releasing it, returning them to Ready or Pending the
// same way RevokeLease does (spec.md §4.3, "at-least-once dispatch": a
// handler that never returns, or whose process died mid-handler, must not
// strand its unit LEASED forever).
type Reaper struct {
	engine *Engine
	cfg    ReaperConfig
	cron   *cron.Cron

	consecutiveStalls int
}

// NewReaper constructs a Reaper for engine.
func NewReaper(engine *Engine, cfg ReaperConfig) *Reaper {
	return &Reaper{
		engine: engine,
		cfg:    cfg.withDefaults(),
		cron:   cron.New(),
	}
}

// Start schedules reclamation passes and begins running them in the
// background. Call Stop to end the schedule.
func (r *Reaper) Start() error {
	_, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		if err := r.Reclaim(context.Background()); err != nil {
			logging.WithComponent("reaper").Error().Err(err).Msg("reclamation pass failed")
		}
	})
	if err != nil {
		return fmt.Errorf("workflow: scheduling reaper: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop waits for any in-flight pass to finish and ends the schedule.
func (r *Reaper) Stop(ctx context.Context) error {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reclaim runs a single reclamation pass: it finds Leased units whose
// LeasedUntil has passed and revokes their lease, one transaction per
// unit so a slow or contended row never blocks the rest of the batch.
func (r *Reaper) Reclaim(ctx context.Context) error {
	asOf := time.Now().UTC()
	var expired []*store.WorkUnit
	err := r.engine.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		expired, err = tx.LeaseExpiredUnits(ctx, asOf, r.cfg.BatchSize)
		return err
	})
	if err != nil {
		return err
	}

	log := logging.WithComponent("reaper")
	reclaimed := 0
	for _, unit := range expired {
		if err := r.engine.RevokeLease(ctx, unit.ID); err != nil {
			log.Error().Err(err).Int64("work_unit_id", unit.ID).Msg("failed to revoke expired lease")
			continue
		}
		reclaimed++
		if r.engine.metrics != nil {
			r.engine.metrics.IncrementReaperReclaimed(unit.PayloadType)
		}
		r.engine.emitter.Emit(emit.Event{
			WorkUnitID: unit.ID, PayloadType: unit.PayloadType, Msg: "reaper_reclaimed",
			Meta: map[string]any{"lease_holder": unit.LeaseHolder, "node": unit.Node},
		})
	}

	if len(expired) > 0 && reclaimed == 0 {
		r.consecutiveStalls++
	} else {
		r.consecutiveStalls = 0
	}
	if r.consecutiveStalls >= reaperStallThreshold {
		r.engine.emitter.Emit(emit.Event{
			Msg: "reaper_stalled",
			Meta: map[string]any{"consecutive_stalls": r.consecutiveStalls, "candidates": len(expired)},
		})
		return fmt.Errorf("reaper: %d consecutive passes found %d expired leases and reclaimed none: %w",
			r.consecutiveStalls, len(expired), ErrReaperStalled)
	}
	return nil
}

// CounterApplierConfig configures CounterApplier's cadence and batch size.
type CounterApplierConfig struct {
	// Schedule is a robfig/cron expression. Defaults to every five seconds.
	Schedule string

	// BatchSize caps delta rows applied per pass. Defaults to 500.
	BatchSize int
}

func (c CounterApplierConfig) withDefaults() CounterApplierConfig {
	if c.Schedule == "" {
		c.Schedule = "@every 5s"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	return c
}

// CounterApplier periodically drains the state-count delta journal into
// the sharded counter table (spec.md §4.4). Running it off the critical
// path of state transitions is what lets a burst of bulk_create or
// work_succeeded calls avoid contending on a handful of hot counter rows.
type CounterApplier struct {
	engine *Engine
	cfg    CounterApplierConfig
	cron   *cron.Cron
}

// NewCounterApplier constructs a CounterApplier for engine.
func NewCounterApplier(engine *Engine, cfg CounterApplierConfig) *CounterApplier {
	return &CounterApplier{
		engine: engine,
		cfg:    cfg.withDefaults(),
		cron:   cron.New(),
	}
}

// Start schedules delta-draining passes and begins running them in the
// background.
func (a *CounterApplier) Start() error {
	_, err := a.cron.AddFunc(a.cfg.Schedule, func() {
		applied, err := a.engine.ApplyDeltas(context.Background(), a.cfg.BatchSize)
		if err != nil {
			logging.WithComponent("counter-applier").Error().Err(err).Msg("delta apply pass failed")
			return
		}
		if applied > 0 {
			a.engine.emitter.Emit(emit.Event{Msg: "delta_applied", Meta: map[string]any{"count": applied}})
		}
	})
	if err != nil {
		return fmt.Errorf("workflow: scheduling counter applier: %w", err)
	}
	a.cron.Start()
	return nil
}

// Stop waits for any in-flight pass to finish and ends the schedule.
func (a *CounterApplier) Stop(ctx context.Context) error {
	stopCtx := a.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
