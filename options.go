package shardring

import (
	"github.com/nats-io/nats.go/jetstream"
)

// Option configures a Router with optional dependencies.
type Option func(*routerOptions)

// routerOptions holds optional Router configuration.
type routerOptions struct {
	hooks         *Hooks
	metrics       MetricsCollector
	logger        Logger
	js            jetstream.JetStream
	topologyKV    jetstream.KeyValue
	heartbeatKV   jetstream.KeyValue
	healthMonitor bool
	follower      bool
}

// WithHooks sets lifecycle event hooks.
//
// Parameters:
//   - hooks: Hooks structure with callback functions
//
// Returns:
//   - Option: Functional option for NewRouter
//
// Example:
//
//	hooks := &shardring.Hooks{
//	    OnOperationFinished: func(ctx context.Context, report shardring.OperationReport) error {
//	        return notifyOperators(report)
//	    },
//	}
//	router, _ := shardring.NewRouter(&cfg, stores, keys, shardring.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *routerOptions) {
		o.hooks = hooks
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for NewRouter
//
// Example:
//
//	metrics := shardring.NewPrometheusMetrics(prometheus.DefaultRegisterer, "")
//	router, _ := shardring.NewRouter(&cfg, stores, keys, shardring.WithMetrics(metrics))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *routerOptions) {
		o.metrics = metrics
	}
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for NewRouter
func WithLogger(logger Logger) Option {
	return func(o *routerOptions) {
		o.logger = logger
	}
}

// WithJetStream persists topology in NATS JetStream KV.
//
// The topology bucket (and the heartbeat bucket when the health monitor is
// enabled) is created on Start using the names in Config.KVBuckets. A stored
// topology takes precedence over Config.Shards.
//
// Parameters:
//   - js: JetStream context
//
// Returns:
//   - Option: Functional option for NewRouter
func WithJetStream(js jetstream.JetStream) Option {
	return func(o *routerOptions) {
		o.js = js
	}
}

// WithTopologyKV persists topology in an existing KV bucket.
//
// Takes precedence over the bucket created through WithJetStream.
func WithTopologyKV(kv jetstream.KeyValue) Option {
	return func(o *routerOptions) {
		o.topologyKV = kv
	}
}

// WithHealthMonitor enables the heartbeat monitor, which marks shards
// Unavailable when their heartbeat expires and Active when it returns.
//
// The heartbeat bucket comes from WithHeartbeatKV, or is created through
// WithJetStream.
func WithHealthMonitor() Option {
	return func(o *routerOptions) {
		o.healthMonitor = true
	}
}

// WithHeartbeatKV enables the heartbeat monitor on an existing KV bucket.
//
// The bucket TTL should match Config.Health.HeartbeatTTL.
func WithHeartbeatKV(kv jetstream.KeyValue) Option {
	return func(o *routerOptions) {
		o.heartbeatKV = kv
		o.healthMonitor = true
	}
}

// WithFollower makes the router read-only.
//
// A follower watches the topology published by the leader router and serves
// Assign, AssignAt and Locate. Every mutating call returns ErrReadOnly. Requires
// WithJetStream or WithTopologyKV.
func WithFollower() Option {
	return func(o *routerOptions) {
		o.follower = true
	}
}
