// Package store provides shard storage backends for the router.
//
// MemoryCluster keeps every shard in an in-process skip list and is meant for
// tests, examples and single-process deployments. KVCluster stores each shard
// in its own NATS JetStream key-value bucket.
//
// Both implement types.StoreResolver, types.KeyEnumerator and types.KeyCounter,
// so one value can be passed as both the stores and the key source of a Router.
package store
