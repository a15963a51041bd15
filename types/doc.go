// Package types provides core type definitions and interfaces for the shardring library.
//
// This package contains shared types that are used across multiple packages in the
// library. Keeping them in a separate package avoids import cycles between the root
// shardring package and its internal implementations.
//
// Key types:
//   - Position, KeyRange, RangeMove: 128-bit ring coordinates and ownership changes
//   - ShardStatus, ShardState: Registry view of a shard
//   - OperationReport, FailedMigration: Progress of asynchronous topology changes
//   - ShardStore, StoreResolver, KeyEnumerator: External storage collaborators
//   - Logger: Structured logging interface
//   - MetricsCollector: Metrics recording interface
package types
