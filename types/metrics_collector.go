package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from internal goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	TopologyMetrics
	RegistryMetrics
	MigrationMetrics
}

// TopologyMetrics defines metrics for ring snapshots and lookups.
type TopologyMetrics interface {
	// RecordTopologyChange records a published topology snapshot.
	//
	// Parameters:
	//   - reason: Why the topology changed ("add_shard", "remove_shard", "restore", ...)
	//   - version: Registry version of the new snapshot
	//   - virtualNodes: Total virtual nodes on the assignment ring
	RecordTopologyChange(reason string, version int64, virtualNodes int)

	// RecordRingBuildDuration records the time taken to build a ring, in seconds.
	RecordRingBuildDuration(duration float64)

	// RecordStaleLookup records an AssignAt call rejected for staleness.
	RecordStaleLookup()

	// RecordKVOperationDuration records NATS KV operation latency.
	//
	// Parameters:
	//   - operation: Operation type ("get", "put", "delete", "watch")
	//   - duration: Time taken in seconds
	RecordKVOperationDuration(operation string, duration float64)
}

// RegistryMetrics defines metrics for shard membership.
type RegistryMetrics interface {
	// RecordShardTransition records a shard status transition.
	RecordShardTransition(from, to ShardStatus)

	// RecordShardCount sets the number of shards in a status (gauge metric).
	RecordShardCount(status ShardStatus, count int)

	// RecordStateChangeDropped records when a registry notification is dropped due to a slow subscriber.
	RecordStateChangeDropped()
}

// MigrationMetrics defines metrics for key migration.
type MigrationMetrics interface {
	// RecordKeyMigration records the outcome of one key ("moved", "skipped", "failed").
	RecordKeyMigration(result string)

	// RecordMigrationRetry records a retried migration step.
	//
	// Parameters:
	//   - stage: Failed stage ("read", "write", "delete")
	//   - backoff: Delay before the next attempt, in seconds
	RecordMigrationRetry(stage MigrationStage, backoff float64)

	// RecordOperation records a topology change operation reaching a terminal state.
	//
	// Parameters:
	//   - kind: Operation kind
	//   - status: Terminal status
	//   - duration: Wall time in seconds
	RecordOperation(kind OperationKind, status OperationStatus, duration float64)

	// RecordFailedMigrations sets the number of keys awaiting operator action (gauge metric).
	RecordFailedMigrations(count int)
}
