// Package health feeds shard liveness into the router through NATS KV heartbeats.
//
// Every process that owns a shard backend runs a Publisher. It probes the backend
// and, while the probe succeeds, refreshes the key "{prefix}.{shardID}" in a
// bucket created with a TTL of roughly three heartbeat intervals. A crashed or
// unhealthy shard stops refreshing its key, which then expires.
//
// The router runs a Monitor over the same bucket. The monitor combines a KV watch
// for fast detection with polling at half the TTL, because TTL expiry produces no
// watch event. Shards whose heartbeat disappears are marked Unavailable; shards
// whose heartbeat returns are marked Active again.
//
// Only shards that published at least one heartbeat are monitored, so a
// deployment that feeds health through MarkUnavailable/MarkActive directly is
// unaffected.
//
// Example:
//
//	pub := health.NewPublisher(kv, "shard-hb", "pg-eu-1", 2*time.Second, probe, logger)
//	if err := pub.Start(ctx); err != nil {
//	    return err
//	}
//	defer pub.Stop()
package health
