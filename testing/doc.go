// Package testing provides test utilities for shardring and its users.
//
// Helpers:
//   - StartEmbeddedNATS: in-process NATS server with JetStream
//   - CreateJetStreamKV / CreateJetStreamKVWithTTL: memory-backed KV buckets
//   - NewTestLogger: types.Logger writing through testing.TB
//
// Example usage:
//
//	import (
//	    "testing"
//	    shardtest "github.com/arloliu/shardring/testing"
//	)
//
//	func TestRouterWithNATS(t *testing.T) {
//	    _, nc := shardtest.StartEmbeddedNATS(t)
//	    // ...
//	}
package testing
