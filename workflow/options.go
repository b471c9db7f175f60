package workflow

import "github.com/toolchainlabs/buildsense-workflow/workflow/emit"

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithEmitter attaches an emit.Emitter that receives lifecycle events for
// every state transition, lease operation, and counter batch the engine
// performs. Defaults to emit.NewNullEmitter().
func WithEmitter(e emit.Emitter) Option {
	return func(eng *Engine) { eng.emitter = e }
}

// WithMetrics attaches Prometheus instrumentation. Defaults to nil, which
// disables metric recording entirely (cheaper than a disabled Metrics for
// callers that never wire a registry).
func WithMetrics(m *Metrics) Option {
	return func(eng *Engine) { eng.metrics = m }
}

// WithNumShards overrides the counter-sharding factor used by ApplyDeltas;
// Recompute always writes shard 0. Defaults to defaultNumShards (50, matching the original
// system's NUM_SHARDS). Changing this is safe at any time; it only bounds
// the range a counter update randomly picks a shard from.
func WithNumShards(n int) Option {
	return func(eng *Engine) {
		if n > 0 {
			eng.shards = n
		}
	}
}
