package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/shardring/internal/logging"
	"github.com/arloliu/shardring/internal/metrics"
	"github.com/arloliu/shardring/internal/registry"
	shardtest "github.com/arloliu/shardring/testing"
	"github.com/arloliu/shardring/types"
)

// registryTarget adapts a registry to the Target interface.
type registryTarget struct {
	reg *registry.Registry
}

func (r registryTarget) Shards() []types.ShardState { return r.reg.List() }

func (r registryTarget) MarkUnavailable(id string) error {
	_, err := r.reg.MarkUnavailable(id)
	return err
}

func (r registryTarget) MarkActive(id string) error {
	_, err := r.reg.MarkActive(id)
	return err
}

func newTarget(t *testing.T, ids ...string) registryTarget {
	t.Helper()
	reg := registry.New(logging.NewTest(t), metrics.NewNop())
	for _, id := range ids {
		_, err := reg.RegisterShard(id)
		require.NoError(t, err)
	}

	return registryTarget{reg: reg}
}

func status(t *testing.T, target registryTarget, id string) types.ShardStatus {
	t.Helper()
	st, ok := target.reg.Get(id)
	require.True(t, ok)

	return st.Status
}

func TestPublisher_Lifecycle(t *testing.T) {
	ctx := t.Context()
	_, nc := shardtest.StartEmbeddedNATS(t)
	kv := shardtest.CreateJetStreamKV(t, nc, "hb-lifecycle")

	pub := NewPublisher(kv, "shard-hb", "a", 50*time.Millisecond, nil, logging.NewTest(t))
	require.ErrorIs(t, pub.Stop(), types.ErrNotStarted)

	require.NoError(t, pub.Start(ctx))
	require.ErrorIs(t, pub.Start(ctx), types.ErrAlreadyStarted)
	require.True(t, pub.Healthy())

	entry, err := kv.Get(ctx, "shard-hb.a")
	require.NoError(t, err)
	require.NotEmpty(t, entry.Value())

	require.NoError(t, pub.Stop())
	require.NoError(t, pub.Stop())
	require.ErrorIs(t, pub.Start(ctx), ErrAlreadyStopped)

	_, err = kv.Get(ctx, "shard-hb.a")
	require.ErrorIs(t, err, jetstream.ErrKeyNotFound)
}

func TestPublisher_RequiresShardID(t *testing.T) {
	_, nc := shardtest.StartEmbeddedNATS(t)
	kv := shardtest.CreateJetStreamKV(t, nc, "hb-noid")

	pub := NewPublisher(kv, "shard-hb", "", time.Second, nil, logging.NewNop())
	require.ErrorIs(t, pub.Start(t.Context()), ErrNoShardID)
}

func TestPublisher_FailingProbeSkipsHeartbeat(t *testing.T) {
	ctx := t.Context()
	_, nc := shardtest.StartEmbeddedNATS(t)
	kv := shardtest.CreateJetStreamKV(t, nc, "hb-probe")

	var failing atomic.Bool
	failing.Store(true)
	probe := func(context.Context) error {
		if failing.Load() {
			return errors.New("connection refused")
		}
		return nil
	}

	pub := NewPublisher(kv, "shard-hb", "a", 30*time.Millisecond, probe, logging.NewTest(t))
	require.NoError(t, pub.Start(ctx))
	t.Cleanup(func() { _ = pub.Stop() })

	require.False(t, pub.Healthy())
	_, err := kv.Get(ctx, "shard-hb.a")
	require.ErrorIs(t, err, jetstream.ErrKeyNotFound)

	failing.Store(false)
	require.Eventually(t, func() bool {
		_, err := kv.Get(ctx, "shard-hb.a")
		return err == nil && pub.Healthy()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMonitor_Check(t *testing.T) {
	ctx := t.Context()
	_, nc := shardtest.StartEmbeddedNATS(t)
	kv := shardtest.CreateJetStreamKV(t, nc, "hb-check")
	target := newTarget(t, "a", "b", "c")

	_, err := kv.Put(ctx, "shard-hb.a", []byte("now"))
	require.NoError(t, err)
	_, err = kv.Put(ctx, "shard-hb.b", []byte("now"))
	require.NoError(t, err)
	_, err = kv.Put(ctx, "other.c", []byte("now"))
	require.NoError(t, err)

	mon := NewMonitor(kv, "shard-hb", time.Second, target, logging.NewTest(t))

	live, err := mon.LiveShards(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, live)

	require.NoError(t, mon.Check(ctx))
	require.Equal(t, types.StatusActive, status(t, target, "a"))
	require.Equal(t, types.StatusActive, status(t, target, "c"), "never-seen shards are not monitored")

	require.NoError(t, kv.Delete(ctx, "shard-hb.b"))
	require.NoError(t, mon.Check(ctx))
	require.Equal(t, types.StatusUnavailable, status(t, target, "b"))
	require.Equal(t, types.StatusActive, status(t, target, "c"))

	_, err = kv.Put(ctx, "shard-hb.b", []byte("now"))
	require.NoError(t, err)
	require.NoError(t, mon.Check(ctx))
	require.Equal(t, types.StatusActive, status(t, target, "b"))
}

func TestMonitor_DrainingShardsAreLeftAlone(t *testing.T) {
	ctx := t.Context()
	_, nc := shardtest.StartEmbeddedNATS(t)
	kv := shardtest.CreateJetStreamKV(t, nc, "hb-draining")
	target := newTarget(t, "a")

	_, err := kv.Put(ctx, "shard-hb.a", []byte("now"))
	require.NoError(t, err)

	mon := NewMonitor(kv, "shard-hb", time.Second, target, logging.NewTest(t))
	require.NoError(t, mon.Check(ctx))

	_, err = target.reg.MarkDraining("a")
	require.NoError(t, err)
	require.NoError(t, kv.Delete(ctx, "shard-hb.a"))
	require.NoError(t, mon.Check(ctx))
	require.Equal(t, types.StatusDraining, status(t, target, "a"))
}

func TestMonitor_DetectsExpiredHeartbeat(t *testing.T) {
	ctx := t.Context()
	_, nc := shardtest.StartEmbeddedNATS(t)
	ttl := 600 * time.Millisecond
	kv := shardtest.CreateJetStreamKVWithTTL(t, nc, "hb-ttl", ttl)
	target := newTarget(t, "a", "b")

	pubA := NewPublisher(kv, "shard-hb", "a", 100*time.Millisecond, nil, logging.NewTest(t))
	require.NoError(t, pubA.Start(ctx))
	t.Cleanup(func() { _ = pubA.Stop() })

	// b beats once and then goes silent, as a crashed process would.
	_, err := kv.Put(ctx, "shard-hb.b", []byte("now"))
	require.NoError(t, err)

	mon := NewMonitor(kv, "shard-hb", ttl, target, logging.NewTest(t))
	require.NoError(t, mon.Start(ctx))
	require.ErrorIs(t, mon.Start(ctx), types.ErrAlreadyStarted)
	t.Cleanup(func() { _ = mon.Stop() })

	require.Eventually(t, func() bool {
		return status(t, target, "b") == types.StatusUnavailable
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, types.StatusActive, status(t, target, "a"))

	// Recovery through the watcher path.
	_, err = kv.Put(ctx, "shard-hb.b", []byte("again"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return status(t, target, "b") == types.StatusActive
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, mon.Stop())
	require.NoError(t, mon.Stop())
}
