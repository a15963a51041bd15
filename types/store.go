package types

import "context"

// ShardStore is the storage backend of one shard.
//
// Put must be durable when it returns nil and must behave as an upsert keyed by
// key, so replaying a migration converges to the same state.
type ShardStore interface {
	// Put stores value under key, replacing any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value stored under key. The boolean is false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// ConditionalStore is implemented by stores that can write a key only when it
// is absent.
//
// Migration uses it so a value written by a client to the new owner is never
// replaced by the older copy from the source. Stores without it are checked with
// Get before Put, which leaves a small race window.
type ConditionalStore interface {
	// PutIfAbsent stores value unless key exists. The boolean reports whether it was stored.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
}

// StoreResolver returns the storage backend for a shard.
//
// Resolvers must be able to resolve shards that join the ring after startup.
type StoreResolver interface {
	Store(shardID string) (ShardStore, error)
}

// KeyFilter selects keys during enumeration. A nil filter selects every key.
type KeyFilter func(key string) bool

// KeyEnumerator yields the keys a shard currently holds.
//
// It is used only while migrating, never on the lookup path.
type KeyEnumerator interface {
	// Enumerate calls yield for every key held by shardID that passes filter.
	// Enumeration stops at the first error returned by yield, which Enumerate returns.
	Enumerate(ctx context.Context, shardID string, filter KeyFilter, yield func(key string) error) error
}

// KeyCounter is implemented by enumerators that can count keys without a full scan.
type KeyCounter interface {
	CountKeys(ctx context.Context, shardID string) (int, error)
}
