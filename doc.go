// Package shardring routes keys to storage shards on a consistent hash ring and
// migrates data when shards join or leave.
//
// Every shard owns a fixed number of virtual nodes on a 128-bit ring. A key
// belongs to the first virtual node at or after its hash, so adding or
// removing one shard moves only about 1/N of the key space. Lookups read an
// immutable ring snapshot and never block; structural changes build a new
// ring, publish it, and migrate the affected keys in the background.
//
// # Quick Start
//
// Basic usage with the in-memory store:
//
//	import (
//	    "github.com/arloliu/shardring"
//	    "github.com/arloliu/shardring/store"
//	)
//
//	cluster := store.NewMemoryCluster("pg-1", "pg-2", "pg-3")
//
//	cfg := shardring.DefaultConfig()
//	cfg.Shards = []string{"pg-1", "pg-2", "pg-3"}
//
//	router, err := shardring.NewRouter(&cfg, cluster, cluster)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := router.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer router.Stop(context.Background())
//
//	shard, err := router.Assign("user:42")
//
// # Key Features
//
//   - Deterministic placement: sha256 (default), md5 or seeded xxh3 positions
//   - Minimal movement: only arcs that change owner are migrated
//   - Safe migration: a source key is deleted only after its destination write succeeded
//   - Operations: AddShard and RemoveShard run asynchronously and can be cancelled,
//     resumed after failures, and inspected through their reports
//   - Health: heartbeats in NATS KV mark shards Unavailable and Active again
//   - Followers: read-only routers serve lookups from the topology the leader publishes
//
// # Shard Lifecycle
//
// Shards move through a versioned state machine:
//
//	Unregistered → Active → Draining → Removed
//	Active ⇄ Unavailable → Removed
//
// Each transition bumps the topology version. Callers that cache routing
// decisions pass their version to AssignAt and refresh on ErrStaleRing.
//
// # Migrations
//
// While an operation runs, Locate reports both the new owner and the shard a
// key may still live on:
//
//	p, err := router.Locate(key)
//	v, ok, err := read(p.Shard, key)
//	if !ok && p.Source != "" {
//	    v, ok, err = read(p.Source, key)
//	}
//
// Keys that exhaust their retries are kept on the source and listed on the
// operation report. ResumeOperation retries them; CancelOperation reverts the
// operation as long as no source key was deleted yet.
//
// # Persistence
//
// WithJetStream stores the topology and operation reports in NATS KV. A
// restarted router restores the stored topology, and an operation that was
// interrupted comes back as failed so it can be resumed or cancelled.
//
// See the admin package for an HTTP interface and the examples/ directory for
// complete programs.
package shardring
