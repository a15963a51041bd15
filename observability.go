package shardring

import (
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/shardring/internal/health"
	"github.com/arloliu/shardring/internal/logging"
	"github.com/arloliu/shardring/internal/metrics"
)

// HealthProbe checks the backend of a shard. A nil error means healthy.
type HealthProbe = health.Probe

// HeartbeatPublisher writes periodic heartbeats for one shard.
type HeartbeatPublisher = health.Publisher

// NewPrometheusMetrics returns a MetricsCollector backed by Prometheus.
//
// Collectors are registered on first use.
//
// Parameters:
//   - reg: Registerer for the collectors; nil uses prometheus.DefaultRegisterer
//   - namespace: Metric name prefix (e.g., "shardring")
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	router, err := shardring.NewRouter(&cfg, stores, keys,
//	    shardring.WithMetrics(shardring.NewPrometheusMetrics(reg, "shardring")),
//	)
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) MetricsCollector {
	return metrics.NewPrometheus(reg, namespace)
}

// NewSlogLogger adapts a *slog.Logger to Logger.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		return logging.NewSlogDefault()
	}

	return logging.NewSlog(l)
}

// NewHeartbeatPublisher creates the heartbeat publisher a shard process runs
// next to its backend so the router's health monitor can track it.
//
// Parameters:
//   - kv: Heartbeat bucket shared with the router (Config.KVBuckets.HeartbeatBucket)
//   - cfg: Router configuration supplying the prefix and interval
//   - shardID: Shard the heartbeat reports on
//   - probe: Backend check; nil means always healthy
//   - logger: Logger for heartbeat failures; nil disables logging
//
// Example:
//
//	hb := shardring.NewHeartbeatPublisher(kv, &cfg, "pg-1", func(ctx context.Context) error {
//	    return db.PingContext(ctx)
//	}, logger)
//	if err := hb.Start(ctx); err != nil {
//	    return err
//	}
//	defer hb.Stop()
func NewHeartbeatPublisher(kv jetstream.KeyValue, cfg *Config, shardID string, probe HealthProbe, logger Logger) *HeartbeatPublisher {
	hc := DefaultConfig().Health
	if cfg != nil {
		c := *cfg
		SetDefaults(&c)
		hc = c.Health
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return health.NewPublisher(kv, hc.HeartbeatPrefix, shardID, hc.HeartbeatInterval, probe, logger)
}
