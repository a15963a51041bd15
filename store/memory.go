package store

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zhangyunhao116/skipmap"

	"github.com/arloliu/shardring/types"
)

// Memory is an in-memory shard store ordered by key.
type Memory struct {
	id          string
	data        *skipmap.OrderedMap[string, []byte]
	unavailable atomic.Bool
}

// Compile-time assertions that Memory implements the store interfaces.
var (
	_ types.ShardStore       = (*Memory)(nil)
	_ types.ConditionalStore = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store for shard id.
func NewMemory(id string) *Memory {
	return &Memory{id: id, data: skipmap.New[string, []byte]()}
}

// Put stores a copy of value under key.
func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.data.Store(key, slices.Clone(value))

	return nil
}

// PutIfAbsent stores a copy of value unless key exists.
func (m *Memory) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	_, loaded := m.data.LoadOrStore(key, slices.Clone(value))

	return !loaded, nil
}

// Get returns a copy of the value stored under key.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := m.check(ctx); err != nil {
		return nil, false, err
	}
	v, ok := m.data.Load(key)
	if !ok {
		return nil, false, nil
	}

	return slices.Clone(v), true, nil
}

// Delete removes key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.data.Delete(key)

	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	return m.data.Len()
}

// Keys returns the stored keys in ascending order.
func (m *Memory) Keys() []string {
	keys := make([]string, 0, m.data.Len())
	m.data.Range(func(k string, _ []byte) bool {
		keys = append(keys, k)
		return true
	})

	return keys
}

// SetUnavailable makes every call fail with ErrShardUnavailable until reset.
func (m *Memory) SetUnavailable(down bool) {
	m.unavailable.Store(down)
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.unavailable.Load() {
		return fmt.Errorf("%w: %s", types.ErrShardUnavailable, m.id)
	}

	return nil
}

// MemoryCluster is a set of in-memory shard stores created on first use.
type MemoryCluster struct {
	shards *xsync.Map[string, *Memory]
}

// Compile-time assertions that MemoryCluster serves the router's storage interfaces.
var (
	_ types.StoreResolver = (*MemoryCluster)(nil)
	_ types.KeyEnumerator = (*MemoryCluster)(nil)
	_ types.KeyCounter    = (*MemoryCluster)(nil)
)

// NewMemoryCluster creates a cluster with the given shards pre-created.
//
// Example:
//
//	cluster := store.NewMemoryCluster("shard-a", "shard-b")
//	router, err := shardring.NewRouter(cfg, cluster, cluster)
func NewMemoryCluster(ids ...string) *MemoryCluster {
	c := &MemoryCluster{shards: xsync.NewMap[string, *Memory]()}
	for _, id := range ids {
		c.Shard(id)
	}

	return c
}

// Store implements types.StoreResolver.
func (c *MemoryCluster) Store(shardID string) (types.ShardStore, error) {
	if shardID == "" {
		return nil, types.ErrInvalidShardID
	}

	return c.Shard(shardID), nil
}

// Shard returns the store of shardID, creating it if needed.
func (c *MemoryCluster) Shard(shardID string) *Memory {
	if m, ok := c.shards.Load(shardID); ok {
		return m
	}
	m, _ := c.shards.LoadOrStore(shardID, NewMemory(shardID))

	return m
}

// Enumerate implements types.KeyEnumerator.
//
// Keys are yielded in ascending order. Keys written or deleted during the scan
// may or may not be observed.
func (c *MemoryCluster) Enumerate(ctx context.Context, shardID string, filter types.KeyFilter, yield func(key string) error) error {
	m, ok := c.shards.Load(shardID)
	if !ok {
		return nil
	}
	if err := m.check(ctx); err != nil {
		return err
	}

	var err error
	m.data.Range(func(key string, _ []byte) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		if filter != nil && !filter(key) {
			return true
		}
		err = yield(key)

		return err == nil
	})

	return err
}

// CountKeys implements types.KeyCounter.
func (c *MemoryCluster) CountKeys(ctx context.Context, shardID string) (int, error) {
	m, ok := c.shards.Load(shardID)
	if !ok {
		return 0, nil
	}
	if err := m.check(ctx); err != nil {
		return 0, err
	}

	return m.Len(), nil
}

// TotalKeys returns the number of keys across all shards.
func (c *MemoryCluster) TotalKeys() int {
	total := 0
	c.shards.Range(func(_ string, m *Memory) bool {
		total += m.Len()
		return true
	})

	return total
}
