// Package metrics provides types.MetricsCollector implementations.
package metrics

import "github.com/arloliu/shardring/types"

// NopMetrics discards all metrics.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a no-op metrics collector.
//
// Example:
//
//	router, err := shardring.NewRouter(cfg, stores, keys, shardring.WithMetrics(metrics.NewNop()))
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// RecordTopologyChange discards the metric.
func (n *NopMetrics) RecordTopologyChange(_ string, _ int64, _ int) {}

// RecordRingBuildDuration discards the metric.
func (n *NopMetrics) RecordRingBuildDuration(_ float64) {}

// RecordStaleLookup discards the metric.
func (n *NopMetrics) RecordStaleLookup() {}

// RecordKVOperationDuration discards the metric.
func (n *NopMetrics) RecordKVOperationDuration(_ string, _ float64) {}

// RecordShardTransition discards the metric.
func (n *NopMetrics) RecordShardTransition(_, _ types.ShardStatus) {}

// RecordShardCount discards the metric.
func (n *NopMetrics) RecordShardCount(_ types.ShardStatus, _ int) {}

// RecordStateChangeDropped discards the metric.
func (n *NopMetrics) RecordStateChangeDropped() {}

// RecordKeyMigration discards the metric.
func (n *NopMetrics) RecordKeyMigration(_ string) {}

// RecordMigrationRetry discards the metric.
func (n *NopMetrics) RecordMigrationRetry(_ types.MigrationStage, _ float64) {}

// RecordOperation discards the metric.
func (n *NopMetrics) RecordOperation(_ types.OperationKind, _ types.OperationStatus, _ float64) {}

// RecordFailedMigrations discards the metric.
func (n *NopMetrics) RecordFailedMigrations(_ int) {}
