package topology

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/shardring/internal/logging"
	"github.com/arloliu/shardring/internal/metrics"
	shardtest "github.com/arloliu/shardring/testing"
	"github.com/arloliu/shardring/types"
)

func testSnapshot(version int64, ids ...string) Snapshot {
	shards := make([]types.ShardState, len(ids))
	for i, id := range ids {
		shards[i] = types.ShardState{ID: id, Status: types.StatusActive, JoinedAtVersion: int64(i + 1), UpdatedAtVersion: int64(i + 1)}
	}

	return Snapshot{Version: version, Shards: shards, Members: ids, VirtualNodesPerShard: 100, HashFunction: "sha256"}
}

func TestPublisher(t *testing.T) {
	_, nc := shardtest.StartEmbeddedNATS(t)
	kv := shardtest.CreateJetStreamKV(t, nc, "topology")
	ctx := t.Context()

	pub := NewPublisher(kv, logging.NewTest(t), metrics.NewNop())

	snap, err := pub.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, snap)

	require.NoError(t, pub.Publish(ctx, testSnapshot(3, "a", "b", "c")))
	require.Equal(t, int64(3), pub.LastVersion())

	t.Run("rejects older versions", func(t *testing.T) {
		err := pub.Publish(ctx, testSnapshot(2, "a"))
		require.ErrorIs(t, err, ErrVersionRegression)
	})

	t.Run("same version may be republished", func(t *testing.T) {
		s := testSnapshot(3, "a", "b", "c")
		s.Pending = &Pending{OperationID: "op-1", Kind: types.OperationAddShard, Shard: "c", SourceMembers: []string{"a", "b"}}
		require.NoError(t, pub.Publish(ctx, s))
	})

	t.Run("a new publisher discovers the stored version", func(t *testing.T) {
		other := NewPublisher(kv, logging.NewTest(t), metrics.NewNop())
		loaded, err := other.Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		require.Equal(t, int64(3), loaded.Version)
		require.Len(t, loaded.Shards, 3)
		require.Equal(t, types.StatusActive, loaded.Shards[0].Status)
		require.NotNil(t, loaded.Pending)
		require.Equal(t, []string{"a", "b"}, loaded.Pending.SourceMembers)
		require.False(t, loaded.PublishedAt.IsZero())

		require.ErrorIs(t, other.Publish(ctx, testSnapshot(1)), ErrVersionRegression)
	})
}

func TestPublisher_Operations(t *testing.T) {
	_, nc := shardtest.StartEmbeddedNATS(t)
	kv := shardtest.CreateJetStreamKV(t, nc, "topology")
	ctx := t.Context()
	pub := NewPublisher(kv, logging.NewTest(t), metrics.NewNop())

	reports, err := pub.LoadOperations(ctx)
	require.NoError(t, err)
	require.Empty(t, reports)

	require.NoError(t, pub.Publish(ctx, testSnapshot(1, "a")))
	require.NoError(t, pub.SaveOperation(ctx, types.OperationReport{
		ID: "op-1", Kind: types.OperationAddShard, Shard: "b", Status: types.OperationFailed,
		FailedMigrations: []types.FailedMigration{{Key: "k", From: "a", To: "b", Stage: types.StageWrite, Attempts: 5}},
	}))
	require.NoError(t, pub.SaveOperation(ctx, types.OperationReport{ID: "op-2", Status: types.OperationCompleted}))

	reports, err = pub.LoadOperations(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	byID := map[string]types.OperationReport{}
	for _, r := range reports {
		byID[r.ID] = r
	}
	require.Equal(t, types.OperationFailed, byID["op-1"].Status)
	require.Len(t, byID["op-1"].FailedMigrations, 1)
}

func TestWatcher(t *testing.T) {
	_, nc := shardtest.StartEmbeddedNATS(t)
	kv := shardtest.CreateJetStreamKV(t, nc, "topology")
	ctx := t.Context()
	pub := NewPublisher(kv, logging.NewTest(t), metrics.NewNop())
	require.NoError(t, pub.Publish(ctx, testSnapshot(1, "a")))

	var (
		mu       sync.Mutex
		versions []int64
	)
	w := NewWatcher(kv, 50*time.Millisecond, func(_ context.Context, snap Snapshot) error {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, snap.Version)
		return nil
	}, logging.NewTest(t), metrics.NewNop())

	require.NoError(t, w.Start(ctx))
	require.ErrorIs(t, w.Start(ctx), types.ErrAlreadyStarted)
	require.Equal(t, int64(1), w.LastVersion(), "current snapshot is delivered synchronously")

	require.NoError(t, pub.Publish(ctx, testSnapshot(2, "a", "b")))
	require.NoError(t, pub.Publish(ctx, testSnapshot(3, "a", "b", "c")))

	require.Eventually(t, func() bool { return w.LastVersion() == 3 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(versions); i++ {
		require.Greater(t, versions[i], versions[i-1], "versions delivered out of order: %v", versions)
	}
	require.Equal(t, int64(3), versions[len(versions)-1])
}

func TestWatcher_StopBeforeStart(t *testing.T) {
	_, nc := shardtest.StartEmbeddedNATS(t)
	kv := shardtest.CreateJetStreamKV(t, nc, "topology")
	w := NewWatcher(kv, 0, func(context.Context, Snapshot) error { return nil }, logging.NewNop(), metrics.NewNop())
	require.ErrorIs(t, w.Stop(), types.ErrNotStarted)
}

func TestWatcher_DeliversSettledMigration(t *testing.T) {
	_, nc := shardtest.StartEmbeddedNATS(t)
	kv := shardtest.CreateJetStreamKV(t, nc, "topology")
	ctx := t.Context()
	pub := NewPublisher(kv, logging.NewTest(t), metrics.NewNop())

	pending := testSnapshot(2, "a", "b")
	pending.Pending = &Pending{OperationID: "op-1", Kind: types.OperationAddShard, Shard: "b", SourceMembers: []string{"a"}}
	require.NoError(t, pub.Publish(ctx, pending))

	var settled atomic.Bool
	w := NewWatcher(kv, 50*time.Millisecond, func(_ context.Context, snap Snapshot) error {
		if snap.Version == 2 && snap.Pending == nil {
			settled.Store(true)
		}
		return nil
	}, logging.NewTest(t), metrics.NewNop())
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, pub.Publish(ctx, testSnapshot(2, "a", "b")))
	require.Eventually(t, settled.Load, 5*time.Second, 20*time.Millisecond)
}

func TestSnapshot_PendingID(t *testing.T) {
	snap := testSnapshot(3, "A", "B")
	require.Empty(t, snap.pendingID())

	snap.Pending = &Pending{OperationID: "op-1", Kind: types.OperationAddShard, Shard: "B"}
	forward := snap.pendingID()
	require.Equal(t, "op-1", forward)

	snap.Pending.Reverting = true
	require.NotEqual(t, forward, snap.pendingID())
}
