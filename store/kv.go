package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/shardring/internal/kvutil"
	"github.com/arloliu/shardring/internal/metrics"
	"github.com/arloliu/shardring/types"
)

// KVStore is a shard store backed by one NATS JetStream KV bucket.
//
// Keys are base64url encoded because KV keys allow only a restricted alphabet.
type KVStore struct {
	kv      jetstream.KeyValue
	metrics types.MetricsCollector
}

// Compile-time assertions that KVStore implements the store interfaces.
var (
	_ types.ShardStore       = (*KVStore)(nil)
	_ types.ConditionalStore = (*KVStore)(nil)
)

// NewKVStore wraps an existing bucket.
func NewKVStore(kv jetstream.KeyValue, mc types.MetricsCollector) *KVStore {
	if mc == nil {
		mc = metrics.NewNop()
	}

	return &KVStore{kv: kv, metrics: mc}
}

// Put stores value under key.
func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	ek, err := kvutil.EncodeKey(key)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = s.kv.Put(ctx, ek, value)
	s.metrics.RecordKVOperationDuration("put", time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to put %q into %s: %w", key, s.kv.Bucket(), err)
	}

	return nil
}

// PutIfAbsent stores value unless key exists, using KV Create.
func (s *KVStore) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ek, err := kvutil.EncodeKey(key)
	if err != nil {
		return false, err
	}

	start := time.Now()
	_, err = s.kv.Create(ctx, ek, value)
	s.metrics.RecordKVOperationDuration("create", time.Since(start).Seconds())
	if errors.Is(err, jetstream.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create %q in %s: %w", key, s.kv.Bucket(), err)
	}

	return true, nil
}

// Get returns the value stored under key.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ek, err := kvutil.EncodeKey(key)
	if err != nil {
		return nil, false, err
	}

	start := time.Now()
	entry, err := s.kv.Get(ctx, ek)
	s.metrics.RecordKVOperationDuration("get", time.Since(start).Seconds())
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %q from %s: %w", key, s.kv.Bucket(), err)
	}

	return entry.Value(), true, nil
}

// Delete removes key. Deleting an absent key succeeds.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	ek, err := kvutil.EncodeKey(key)
	if err != nil {
		return err
	}

	start := time.Now()
	err = s.kv.Delete(ctx, ek)
	s.metrics.RecordKVOperationDuration("delete", time.Since(start).Seconds())
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete %q from %s: %w", key, s.kv.Bucket(), err)
	}

	return nil
}

// keys streams the decoded keys of the bucket.
func (s *KVStore) keys(ctx context.Context, yield func(key string) error) error {
	start := time.Now()
	lister, err := s.kv.ListKeys(ctx)
	s.metrics.RecordKVOperationDuration("list", time.Since(start).Seconds())
	if kvutil.IsNoKeysFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list keys of %s: %w", s.kv.Bucket(), err)
	}
	defer func() { _ = lister.Stop() }()

	for ek := range lister.Keys() {
		key, err := kvutil.DecodeKey(ek)
		if err != nil {
			return err
		}
		if err := yield(key); err != nil {
			return err
		}
	}

	return ctx.Err()
}

// KVClusterOption configures a KVCluster.
type KVClusterOption func(*KVCluster)

// WithBucketPrefix sets the bucket name prefix ("shard" by default).
func WithBucketPrefix(prefix string) KVClusterOption {
	return func(c *KVCluster) { c.prefix = prefix }
}

// WithStorage selects file or memory storage for new buckets.
func WithStorage(storage jetstream.StorageType) KVClusterOption {
	return func(c *KVCluster) { c.storage = storage }
}

// WithReplicas sets the replica count of new buckets.
func WithReplicas(n int) KVClusterOption {
	return func(c *KVCluster) { c.replicas = n }
}

// WithKVMetrics sets the metrics collector for KV latency.
func WithKVMetrics(mc types.MetricsCollector) KVClusterOption {
	return func(c *KVCluster) { c.metrics = mc }
}

// KVCluster maps each shard to a KV bucket named "<prefix>-<shardID>".
//
// Buckets are created on first use.
type KVCluster struct {
	js       jetstream.JetStream
	prefix   string
	storage  jetstream.StorageType
	replicas int
	metrics  types.MetricsCollector
	timeout  time.Duration

	stores *xsync.Map[string, *KVStore]
}

// Compile-time assertions that KVCluster serves the router's storage interfaces.
var (
	_ types.StoreResolver = (*KVCluster)(nil)
	_ types.KeyEnumerator = (*KVCluster)(nil)
	_ types.KeyCounter    = (*KVCluster)(nil)
)

// NewKVCluster creates a NATS KV backed cluster.
//
// Example:
//
//	js, _ := jetstream.New(nc)
//	cluster := store.NewKVCluster(js, store.WithBucketPrefix("users"))
//	router, err := shardring.NewRouter(cfg, cluster, cluster)
func NewKVCluster(js jetstream.JetStream, opts ...KVClusterOption) *KVCluster {
	c := &KVCluster{
		js:       js,
		prefix:   "shard",
		storage:  jetstream.FileStorage,
		replicas: 1,
		metrics:  metrics.NewNop(),
		timeout:  5 * time.Second,
		stores:   xsync.NewMap[string, *KVStore](),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Store implements types.StoreResolver.
func (c *KVCluster) Store(shardID string) (types.ShardStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	return c.open(ctx, shardID)
}

func (c *KVCluster) open(ctx context.Context, shardID string) (*KVStore, error) {
	if shardID == "" {
		return nil, types.ErrInvalidShardID
	}
	if s, ok := c.stores.Load(shardID); ok {
		return s, nil
	}

	kv, err := kvutil.EnsureKVBucketWithRetry(ctx, c.js, jetstream.KeyValueConfig{
		Bucket:      kvutil.BucketName(c.prefix, shardID),
		Description: "shardring data for shard " + shardID,
		History:     1,
		Storage:     c.storage,
		Replicas:    c.replicas,
	}, 3)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrShardUnavailable, shardID, err)
	}

	s, _ := c.stores.LoadOrStore(shardID, NewKVStore(kv, c.metrics))

	return s, nil
}

// Enumerate implements types.KeyEnumerator.
func (c *KVCluster) Enumerate(ctx context.Context, shardID string, filter types.KeyFilter, yield func(key string) error) error {
	s, err := c.open(ctx, shardID)
	if err != nil {
		return err
	}

	return s.keys(ctx, func(key string) error {
		if filter != nil && !filter(key) {
			return nil
		}

		return yield(key)
	})
}

// CountKeys implements types.KeyCounter.
func (c *KVCluster) CountKeys(ctx context.Context, shardID string) (int, error) {
	s, err := c.open(ctx, shardID)
	if err != nil {
		return 0, err
	}

	n := 0
	err = s.keys(ctx, func(string) error {
		n++
		return nil
	})

	return n, err
}
