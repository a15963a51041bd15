package types

import "context"

// Hooks defines callbacks for Router lifecycle events.
//
// All hooks are optional and called asynchronously in background goroutines
// so they never delay a lookup or a topology swap. Hooks receive the router's
// lifecycle context which is cancelled during shutdown.
//
// Hook errors are logged but don't fail router operations.
type Hooks struct {
	// OnTopologyChanged is called after a new topology snapshot is published.
	OnTopologyChanged func(ctx context.Context, version int64, shards []ShardState) error

	// OnShardStatusChanged is called after a shard changes status in the registry.
	OnShardStatusChanged func(ctx context.Context, shardID string, from, to ShardStatus) error

	// OnOperationFinished is called when an operation reaches a terminal status.
	OnOperationFinished func(ctx context.Context, report OperationReport) error

	// OnError is called when a recoverable error occurs.
	OnError func(ctx context.Context, err error) error
}
