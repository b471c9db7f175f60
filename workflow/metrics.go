package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus-compatible instrumentation for the dispatcher
// and state machine, all namespaced "buildsense_workflow_".
//
// Metrics exposed:
//
//  1. ready_queue_depth (gauge): Ready units waiting to be leased, per
//     payload type.
//  2. leased_units (gauge): Currently-leased units, per payload type.
//  3. attempt_latency_ms (histogram): Handler execution duration, labeled
//     by payload type and outcome (success/transient/permanent/
//     contract_violation).
//  4. retries_total (counter): Handler retry attempts, labeled by payload
//     type and failure category.
//  5. state_transitions_total (counter): State-machine transitions,
//     labeled by payload type, from-state, and to-state.
//  6. reaper_reclaimed_total (counter): Units reclaimed from an expired
//     lease, labeled by payload type.
type Metrics struct {
	readyQueueDepth  *prometheus.GaugeVec
	leasedUnits      *prometheus.GaugeVec
	attemptLatency   *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	reaperReclaimed  *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics registers and returns the engine's metric collectors against
// registry (use prometheus.DefaultRegisterer for the global registry).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.readyQueueDepth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "buildsense_workflow",
		Name:      "ready_queue_depth",
		Help:      "Work units currently in the Ready state, waiting to be leased",
	}, []string{"payload_type"})

	m.leasedUnits = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "buildsense_workflow",
		Name:      "leased_units",
		Help:      "Work units currently held under an unexpired lease",
	}, []string{"payload_type"})

	m.attemptLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "buildsense_workflow",
		Name:      "attempt_latency_ms",
		Help:      "Handler execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 300000},
	}, []string{"payload_type", "outcome"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildsense_workflow",
		Name:      "retries_total",
		Help:      "Cumulative handler retry attempts",
	}, []string{"payload_type", "category"})

	m.stateTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildsense_workflow",
		Name:      "state_transitions_total",
		Help:      "Work unit state transitions",
	}, []string{"payload_type", "from_state", "to_state"})

	m.reaperReclaimed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildsense_workflow",
		Name:      "reaper_reclaimed_total",
		Help:      "Units reclaimed by the reaper after their lease expired",
	}, []string{"payload_type"})

	return m
}

func (m *Metrics) RecordAttemptLatency(payloadType string, latency time.Duration, outcome string) {
	if !m.isEnabled() {
		return
	}
	m.attemptLatency.WithLabelValues(payloadType, outcome).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) IncrementRetries(payloadType, category string) {
	if !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(payloadType, category).Inc()
}

func (m *Metrics) IncrementStateTransition(payloadType, fromState, toState string) {
	if !m.isEnabled() {
		return
	}
	m.stateTransitions.WithLabelValues(payloadType, fromState, toState).Inc()
}

func (m *Metrics) IncrementReaperReclaimed(payloadType string) {
	if !m.isEnabled() {
		return
	}
	m.reaperReclaimed.WithLabelValues(payloadType).Inc()
}

func (m *Metrics) SetReadyQueueDepth(payloadType string, depth int) {
	if !m.isEnabled() {
		return
	}
	m.readyQueueDepth.WithLabelValues(payloadType).Set(float64(depth))
}

func (m *Metrics) SetLeasedUnits(payloadType string, count int) {
	if !m.isEnabled() {
		return
	}
	m.leasedUnits.WithLabelValues(payloadType).Set(float64(count))
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable stops recording new observations, useful in tests that don't
// want metric state to leak between cases sharing a registry.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
