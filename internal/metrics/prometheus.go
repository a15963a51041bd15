package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/shardring/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are created and registered lazily on first use, so constructing a
// PrometheusCollector that is never exercised registers nothing.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	topologyChanges   *prometheus.CounterVec
	topologyVersion   prometheus.Gauge
	virtualNodes      prometheus.Gauge
	ringBuildDuration prometheus.Histogram
	staleLookups      prometheus.Counter
	kvLatency         *prometheus.HistogramVec

	shardTransitions *prometheus.CounterVec
	shardCount       *prometheus.GaugeVec
	droppedEvents    prometheus.Counter

	keyMigrations     *prometheus.CounterVec
	migrationRetries  *prometheus.CounterVec
	retryBackoff      *prometheus.HistogramVec
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	failedMigrations  prometheus.Gauge
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer (prometheus.DefaultRegisterer if nil)
//   - namespace: Metric namespace ("shardring" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "shardring"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.topologyChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "topology",
			Name:      "changes_total",
			Help:      "Total topology snapshots published by reason.",
		}, []string{"reason"})
		p.topologyVersion = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "topology",
			Name:      "version",
			Help:      "Version of the current topology snapshot.",
		})
		p.virtualNodes = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "topology",
			Name:      "virtual_nodes",
			Help:      "Virtual nodes on the assignment ring.",
		})
		p.ringBuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "topology",
			Name:      "ring_build_seconds",
			Help:      "Time taken to build a ring in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs .. ~1.6s
		})
		p.staleLookups = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "topology",
			Name:      "stale_lookups_total",
			Help:      "Lookups rejected because the caller's topology version was too old.",
		})
		p.kvLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "kv",
			Name:      "operation_seconds",
			Help:      "NATS KV operation latency in seconds by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"op"})

		p.shardTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "transitions_total",
			Help:      "Total shard status transitions.",
		}, []string{"from", "to"})
		p.shardCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "shards",
			Help:      "Number of shards by status.",
		}, []string{"status"})
		p.droppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "dropped_events_total",
			Help:      "Registry events dropped because a subscriber was slow.",
		})

		p.keyMigrations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "migration",
			Name:      "keys_total",
			Help:      "Keys processed by migration, by result (moved, skipped, failed).",
		}, []string{"result"})
		p.migrationRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "migration",
			Name:      "retries_total",
			Help:      "Retried migration steps by stage.",
		}, []string{"stage"})
		p.retryBackoff = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "migration",
			Name:      "retry_backoff_seconds",
			Help:      "Backoff before a retried migration step in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"stage"})
		p.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "operation",
			Name:      "finished_total",
			Help:      "Topology change operations by kind and terminal status.",
		}, []string{"kind", "status"})
		p.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "operation",
			Name:      "duration_seconds",
			Help:      "Wall time of topology change operations in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"})
		p.failedMigrations = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "migration",
			Name:      "failed_keys",
			Help:      "Keys that exhausted retries and await a resumed operation.",
		})

		p.reg.MustRegister(
			p.topologyChanges, p.topologyVersion, p.virtualNodes, p.ringBuildDuration,
			p.staleLookups, p.kvLatency,
			p.shardTransitions, p.shardCount, p.droppedEvents,
			p.keyMigrations, p.migrationRetries, p.retryBackoff,
			p.operations, p.operationDuration, p.failedMigrations,
		)
	})
}

// RecordTopologyChange increments the change counter and updates the version gauges.
func (p *PrometheusCollector) RecordTopologyChange(reason string, version int64, virtualNodes int) {
	p.ensureRegistered()
	p.topologyChanges.WithLabelValues(reason).Inc()
	p.topologyVersion.Set(float64(version))
	p.virtualNodes.Set(float64(virtualNodes))
}

// RecordRingBuildDuration observes a ring build.
func (p *PrometheusCollector) RecordRingBuildDuration(duration float64) {
	p.ensureRegistered()
	p.ringBuildDuration.Observe(duration)
}

// RecordStaleLookup increments the stale lookup counter.
func (p *PrometheusCollector) RecordStaleLookup() {
	p.ensureRegistered()
	p.staleLookups.Inc()
}

// RecordKVOperationDuration observes a KV operation.
func (p *PrometheusCollector) RecordKVOperationDuration(operation string, duration float64) {
	p.ensureRegistered()
	p.kvLatency.WithLabelValues(operation).Observe(duration)
}

// RecordShardTransition increments the transition counter.
func (p *PrometheusCollector) RecordShardTransition(from, to types.ShardStatus) {
	p.ensureRegistered()
	p.shardTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// RecordShardCount sets the gauge for one status.
func (p *PrometheusCollector) RecordShardCount(status types.ShardStatus, count int) {
	p.ensureRegistered()
	p.shardCount.WithLabelValues(status.String()).Set(float64(count))
}

// RecordStateChangeDropped increments the dropped event counter.
func (p *PrometheusCollector) RecordStateChangeDropped() {
	p.ensureRegistered()
	p.droppedEvents.Inc()
}

// RecordKeyMigration increments the per-result key counter.
func (p *PrometheusCollector) RecordKeyMigration(result string) {
	p.ensureRegistered()
	p.keyMigrations.WithLabelValues(result).Inc()
}

// RecordMigrationRetry counts a retry and observes its backoff.
func (p *PrometheusCollector) RecordMigrationRetry(stage types.MigrationStage, backoff float64) {
	p.ensureRegistered()
	p.migrationRetries.WithLabelValues(string(stage)).Inc()
	p.retryBackoff.WithLabelValues(string(stage)).Observe(backoff)
}

// RecordOperation counts a finished operation and observes its duration.
func (p *PrometheusCollector) RecordOperation(kind types.OperationKind, status types.OperationStatus, duration float64) {
	p.ensureRegistered()
	p.operations.WithLabelValues(string(kind), string(status)).Inc()
	p.operationDuration.WithLabelValues(string(kind)).Observe(duration)
}

// RecordFailedMigrations sets the failed key gauge.
func (p *PrometheusCollector) RecordFailedMigrations(count int) {
	p.ensureRegistered()
	p.failedMigrations.Set(float64(count))
}
