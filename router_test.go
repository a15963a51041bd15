package shardring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/shardring/internal/logging"
	"github.com/arloliu/shardring/internal/topology"
	"github.com/arloliu/shardring/store"
)

type putHook func(ctx context.Context, shard, key string) error

// hookedCluster intercepts Put calls on every shard of a memory cluster.
type hookedCluster struct {
	*store.MemoryCluster
	beforePut atomic.Pointer[putHook]
}

func newHookedCluster(ids ...string) *hookedCluster {
	return &hookedCluster{MemoryCluster: store.NewMemoryCluster(ids...)}
}

func (c *hookedCluster) setPutHook(h putHook) {
	if h == nil {
		c.beforePut.Store(nil)
		return
	}
	c.beforePut.Store(&h)
}

func (c *hookedCluster) Store(id string) (ShardStore, error) {
	s, err := c.MemoryCluster.Store(id)
	if err != nil {
		return nil, err
	}

	return &hookedStore{ShardStore: s, id: id, cluster: c}, nil
}

type hookedStore struct {
	ShardStore
	id      string
	cluster *hookedCluster
}

func (s *hookedStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.hook(ctx, key); err != nil {
		return err
	}

	return s.ShardStore.Put(ctx, key, value)
}

func (s *hookedStore) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	if err := s.hook(ctx, key); err != nil {
		return false, err
	}

	return s.ShardStore.(ConditionalStore).PutIfAbsent(ctx, key, value)
}

func (s *hookedStore) hook(ctx context.Context, key string) error {
	if h := s.cluster.beforePut.Load(); h != nil {
		return (*h)(ctx, s.id, key)
	}

	return nil
}

// blockPuts makes every Put wait until release is closed.
func blockPuts(c *hookedCluster) (release func()) {
	ch := make(chan struct{})
	c.setPutHook(func(ctx context.Context, _, _ string) error {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	return func() { close(ch) }
}

func startRouter(t *testing.T, cfg Config, stores StoreResolver, keys KeyEnumerator, opts ...Option) *Router {
	t.Helper()

	opts = append([]Option{WithLogger(logging.NewTest(t))}, opts...)
	r, err := NewRouter(&cfg, stores, keys, opts...)
	require.NoError(t, err)
	require.NoError(t, r.Start(t.Context()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })

	return r
}

func newTestRouter(t *testing.T, c *hookedCluster, shards ...string) *Router {
	t.Helper()

	cfg := TestConfig()
	cfg.Shards = shards

	return startRouter(t, cfg, c, c)
}

// seedKeys writes n keys to their owners.
func seedKeys(t *testing.T, r *Router, c *hookedCluster, n int) []string {
	t.Helper()

	keys := make([]string, n)
	for i := range n {
		keys[i] = fmt.Sprintf("user:%d", i)
		owner, err := r.Assign(keys[i])
		require.NoError(t, err)
		require.NoError(t, c.Shard(owner).Put(t.Context(), keys[i], []byte("v-"+keys[i])))
	}

	return keys
}

// requirePlaced asserts every key is stored exactly once, on its owner.
func requirePlaced(t *testing.T, r *Router, c *hookedCluster, keys []string) {
	t.Helper()

	for _, key := range keys {
		owner, err := r.Assign(key)
		require.NoError(t, err)
		v, ok, err := c.Shard(owner).Get(t.Context(), key)
		require.NoError(t, err)
		require.True(t, ok, "key %s missing from owner %s", key, owner)
		require.Equal(t, []byte("v-"+key), v)
	}
	require.Equal(t, len(keys), c.TotalKeys())
}

func waitOp(t *testing.T, op *Operation) OperationReport {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	report, err := op.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)

	return report
}

func TestNewRouter_Validation(t *testing.T) {
	c := newHookedCluster()

	t.Run("nil config", func(t *testing.T) {
		_, err := NewRouter(nil, c, c)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("nil store resolver", func(t *testing.T) {
		cfg := TestConfig()
		_, err := NewRouter(&cfg, nil, c)
		require.ErrorIs(t, err, ErrStoreResolverRequired)
	})

	t.Run("nil key enumerator", func(t *testing.T) {
		cfg := TestConfig()
		_, err := NewRouter(&cfg, c, nil)
		require.ErrorIs(t, err, ErrKeyEnumeratorRequired)
	})

	t.Run("follower without topology bucket", func(t *testing.T) {
		cfg := TestConfig()
		_, err := NewRouter(&cfg, nil, nil, WithFollower())
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("unknown hash function", func(t *testing.T) {
		cfg := TestConfig()
		cfg.HashFunction = "crc32"
		_, err := NewRouter(&cfg, c, c)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("defaults applied", func(t *testing.T) {
		cfg := Config{}
		r, err := NewRouter(&cfg, c, c)
		require.NoError(t, err)
		require.Equal(t, 100, r.cfg.VirtualNodesPerShard)
		require.False(t, r.IsFollower())
	})
}

func TestRouter_Lifecycle(t *testing.T) {
	c := newHookedCluster("A", "B")
	cfg := TestConfig()
	cfg.Shards = []string{"A", "B"}

	r, err := NewRouter(&cfg, c, c)
	require.NoError(t, err)

	_, err = r.Assign("k")
	require.ErrorIs(t, err, ErrNotStarted)
	_, err = r.AddShard(t.Context(), "C")
	require.ErrorIs(t, err, ErrNotStarted)
	require.ErrorIs(t, r.Stop(t.Context()), ErrNotStarted)

	require.NoError(t, r.Start(t.Context()))
	require.ErrorIs(t, r.Start(t.Context()), ErrAlreadyStarted)
	require.Equal(t, int64(2), r.CurrentTopologyVersion())

	require.NoError(t, r.Stop(t.Context()))
	require.ErrorIs(t, r.Stop(t.Context()), ErrNotStarted)

	_, err = r.AddShard(t.Context(), "C")
	require.ErrorIs(t, err, ErrNotStarted)

	// Lookups keep serving the last topology.
	_, err = r.Assign("k")
	require.NoError(t, err)
}

func TestRouter_EmptyRing(t *testing.T) {
	c := newHookedCluster()
	r := newTestRouter(t, c)

	_, err := r.Assign("k")
	require.ErrorIs(t, err, ErrNoShards)
	_, err = r.Locate("k")
	require.ErrorIs(t, err, ErrNoShards)

	// The first shard has nothing to migrate.
	op, err := r.AddShard(t.Context(), "A")
	require.NoError(t, err)
	report := waitOp(t, op)
	require.Equal(t, OperationCompleted, report.Status)
	require.Empty(t, report.Plan.Moves)

	shard, err := r.Assign("k")
	require.NoError(t, err)
	require.Equal(t, "A", shard)
}

func TestRouter_AssignDeterministic(t *testing.T) {
	shards := []string{"A", "B", "C", "D"}
	r1 := newTestRouter(t, newHookedCluster(), shards...)
	r2 := newTestRouter(t, newHookedCluster(), "D", "C", "B", "A")

	for i := range 1000 {
		key := fmt.Sprintf("key-%d", i)
		s1, err := r1.Assign(key)
		require.NoError(t, err)
		s2, err := r2.Assign(key)
		require.NoError(t, err)
		require.Equal(t, s1, s2, "key %s", key)
	}

	own := r1.Ownership()
	require.Len(t, own, 4)
	var total float64
	for _, f := range own {
		total += f
	}
	require.InDelta(t, 1.0, total, 1e-9)
}

func TestRouter_AddShard(t *testing.T) {
	c := newHookedCluster("A", "B", "C")
	r := newTestRouter(t, c, "A", "B", "C")
	keys := seedKeys(t, r, c, 500)

	before, err := r.Assign("42")
	require.NoError(t, err)
	version := r.CurrentTopologyVersion()

	op, err := r.AddShard(t.Context(), "D")
	require.NoError(t, err)
	require.Equal(t, OperationAddShard, op.Kind())
	require.Equal(t, "D", op.Shard())

	report := waitOp(t, op)
	require.Equal(t, OperationCompleted, report.Status)
	require.NoError(t, op.Err())
	require.Equal(t, 1, report.Attempts)
	require.Positive(t, report.Progress.Moved)
	require.Empty(t, report.FailedMigrations)

	after, err := r.Assign("42")
	require.NoError(t, err)
	require.Contains(t, []string{before, "D"}, after)

	require.Greater(t, r.CurrentTopologyVersion(), version)
	requirePlaced(t, r, c, keys)
	require.Positive(t, c.Shard("D").Len())

	st, ok := r.registry.Get("D")
	require.True(t, ok)
	require.Equal(t, StatusActive, st.Status)

	_, err = r.AddShard(t.Context(), "D")
	require.ErrorIs(t, err, ErrShardExists)
}

func TestRouter_RemoveShardDrains(t *testing.T) {
	c := newHookedCluster("A", "B", "C", "D")
	r := newTestRouter(t, c, "A", "B", "C", "D")
	keys := seedKeys(t, r, c, 500)
	require.Positive(t, c.Shard("B").Len())

	op, err := r.RemoveShard(t.Context(), "B")
	require.NoError(t, err)

	report := waitOp(t, op)
	require.Equal(t, OperationCompleted, report.Status)
	require.True(t, report.Plan.FullDrain)

	require.Zero(t, c.Shard("B").Len())
	requirePlaced(t, r, c, keys)
	for _, key := range keys {
		owner, err := r.Assign(key)
		require.NoError(t, err)
		require.NotEqual(t, "B", owner)
	}

	st, ok := r.registry.Get("B")
	require.True(t, ok)
	require.Equal(t, StatusRemoved, st.Status)
	require.NotContains(t, r.Topology().Members, "B")
}

func TestRouter_RemoveShardErrors(t *testing.T) {
	c := newHookedCluster("A", "B")
	r := newTestRouter(t, c, "A", "B")

	_, err := r.RemoveShard(t.Context(), "Z")
	require.ErrorIs(t, err, ErrShardNotFound)

	require.NoError(t, r.MarkUnavailable("B"))
	_, err = r.RemoveShard(t.Context(), "B")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.NoError(t, r.MarkActive("B"))

	op, err := r.RemoveShard(t.Context(), "B")
	require.NoError(t, err)
	waitOp(t, op)

	_, err = r.RemoveShard(t.Context(), "B")
	require.ErrorIs(t, err, ErrShardNotFound)
	_, err = r.RemoveShard(t.Context(), "A")
	require.ErrorIs(t, err, ErrNoShards)
}

func TestRouter_RemoveAndReAddRestoresRing(t *testing.T) {
	c := newHookedCluster("A", "B", "C")
	r := newTestRouter(t, c, "A", "B", "C")
	keys := seedKeys(t, r, c, 300)

	owners := make(map[string]string, len(keys))
	for _, key := range keys {
		owners[key], _ = r.Assign(key)
	}

	op, err := r.RemoveShard(t.Context(), "C")
	require.NoError(t, err)
	waitOp(t, op)

	op, err = r.AddShard(t.Context(), "C")
	require.NoError(t, err)
	require.Equal(t, OperationCompleted, waitOp(t, op).Status)

	for _, key := range keys {
		owner, err := r.Assign(key)
		require.NoError(t, err)
		require.Equal(t, owners[key], owner, "key %s", key)
	}
	requirePlaced(t, r, c, keys)
}

func TestRouter_MigrationRetriesWrite(t *testing.T) {
	c := newHookedCluster("A", "B")
	r := newTestRouter(t, c, "A", "B")
	ctx := t.Context()

	source, err := r.Assign("7")
	require.NoError(t, err)
	dest := "A"
	if source == "A" {
		dest = "B"
	}
	require.NoError(t, c.Shard(source).Put(ctx, "7", []byte("seven")))

	var (
		attempts      atomic.Int32
		sourceMissing atomic.Bool
	)
	c.setPutHook(func(_ context.Context, shard, key string) error {
		if shard != dest || key != "7" {
			return nil
		}
		// The key stays on the source until the destination acknowledges.
		if _, ok, _ := c.Shard(source).Get(ctx, key); !ok {
			sourceMissing.Store(true)
		}
		if attempts.Add(1) <= 3 {
			return errors.New("destination write timeout")
		}

		return nil
	})

	op, err := r.RemoveShard(ctx, source)
	require.NoError(t, err)
	report := waitOp(t, op)

	require.Equal(t, OperationCompleted, report.Status)
	require.Equal(t, int32(4), attempts.Load())
	require.False(t, sourceMissing.Load(), "source deleted before the destination write succeeded")

	_, onSource, err := c.Shard(source).Get(ctx, "7")
	require.NoError(t, err)
	require.False(t, onSource)
	v, onDest, err := c.Shard(dest).Get(ctx, "7")
	require.NoError(t, err)
	require.True(t, onDest)
	require.Equal(t, []byte("seven"), v)
}

func TestRouter_OperationInProgress(t *testing.T) {
	c := newHookedCluster("A", "B", "C")
	r := newTestRouter(t, c, "A", "B", "C")
	keys := seedKeys(t, r, c, 300)

	release := blockPuts(c)
	op, err := r.AddShard(t.Context(), "D")
	require.NoError(t, err)
	require.Equal(t, OperationRunning, op.Status())

	_, err = r.AddShard(t.Context(), "E")
	require.ErrorIs(t, err, ErrOperationInProgress)
	_, err = r.RemoveShard(t.Context(), "A")
	require.ErrorIs(t, err, ErrOperationInProgress)

	// The new owner is served immediately; Locate points at the old copy.
	moving := 0
	for _, key := range keys {
		p, err := r.Locate(key)
		require.NoError(t, err)
		if p.Source == "" {
			continue
		}
		moving++
		require.Equal(t, "D", p.Shard)
		require.NotEqual(t, "D", p.Source)
		_, ok, err := c.Shard(p.Source).Get(t.Context(), key)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Positive(t, moving)

	info := r.Topology()
	require.Equal(t, op.ID(), info.OperationID)
	require.ElementsMatch(t, []string{"A", "B", "C"}, info.SourceMembers)

	_, err = r.ResumeOperation(t.Context(), op.ID())
	require.ErrorIs(t, err, ErrOperationNotResumable)

	release()
	require.Equal(t, OperationCompleted, waitOp(t, op).Status)
	requirePlaced(t, r, c, keys)

	for _, key := range keys {
		p, err := r.Locate(key)
		require.NoError(t, err)
		require.Empty(t, p.Source)
	}
	require.Empty(t, r.Topology().OperationID)
}

func TestRouter_AssignAtStaleness(t *testing.T) {
	c := newHookedCluster("A", "B", "C")
	cfg := TestConfig()
	cfg.Shards = []string{"A", "B", "C"}
	cfg.StalenessWindow = 1
	r := startRouter(t, cfg, c, c)

	v0 := r.CurrentTopologyVersion()
	require.NoError(t, r.MarkUnavailable("C"))
	require.NoError(t, r.MarkActive("C"))
	current := r.CurrentTopologyVersion()
	require.Equal(t, v0+2, current)

	shard, version, err := r.AssignAt("k", current)
	require.NoError(t, err)
	require.Equal(t, current, version)
	expected, _ := r.Assign("k")
	require.Equal(t, expected, shard)

	_, _, err = r.AssignAt("k", current-1)
	require.NoError(t, err)

	_, version, err = r.AssignAt("k", v0)
	require.ErrorIs(t, err, ErrStaleRing)
	require.Equal(t, current, version)

	var stale *StaleRingError
	require.ErrorAs(t, err, &stale)
	require.Equal(t, v0, stale.Requested)
	require.Equal(t, current, stale.Current)
	require.Equal(t, int64(1), stale.Window)
}

func TestRouter_CancelRunningOperation(t *testing.T) {
	c := newHookedCluster("A", "B", "C")
	r := newTestRouter(t, c, "A", "B", "C")
	keys := seedKeys(t, r, c, 300)

	owners := make(map[string]string, len(keys))
	for _, key := range keys {
		owners[key], _ = r.Assign(key)
	}

	release := blockPuts(c)
	op, err := r.AddShard(t.Context(), "D")
	require.NoError(t, err)

	require.NoError(t, r.CancelOperation(t.Context(), op.ID()))
	release()

	report := waitOp(t, op)
	require.Equal(t, OperationCancelled, report.Status)
	require.NoError(t, op.Err())

	st, ok := r.registry.Get("D")
	require.True(t, ok)
	require.Equal(t, StatusRemoved, st.Status)
	require.Zero(t, c.Shard("D").Len())

	for _, key := range keys {
		owner, err := r.Assign(key)
		require.NoError(t, err)
		require.Equal(t, owners[key], owner)
	}
	requirePlaced(t, r, c, keys)

	require.ErrorIs(t, r.CancelOperation(t.Context(), op.ID()), ErrCannotCancel)

	// The slot is free again.
	op, err = r.AddShard(t.Context(), "D")
	require.NoError(t, err)
	require.Equal(t, OperationCompleted, waitOp(t, op).Status)
}

func TestRouter_CancelRemoveRestoresShard(t *testing.T) {
	c := newHookedCluster("A", "B", "C")
	r := newTestRouter(t, c, "A", "B", "C")
	keys := seedKeys(t, r, c, 200)

	release := blockPuts(c)
	op, err := r.RemoveShard(t.Context(), "B")
	require.NoError(t, err)

	st, _ := r.registry.Get("B")
	require.Equal(t, StatusDraining, st.Status)

	require.NoError(t, r.CancelOperation(t.Context(), op.ID()))
	release()
	require.Equal(t, OperationCancelled, waitOp(t, op).Status)

	st, _ = r.registry.Get("B")
	require.Equal(t, StatusActive, st.Status)
	require.Contains(t, r.Topology().Members, "B")
	requirePlaced(t, r, c, keys)
}

func TestRouter_FailedOperationResume(t *testing.T) {
	c := newHookedCluster("A", "B", "C")
	cfg := TestConfig()
	cfg.Shards = []string{"A", "B", "C"}
	cfg.Migration.MaxAttempts = 2
	r := startRouter(t, cfg, c, c)

	keys := seedKeys(t, r, c, 200)
	source, _ := r.Assign("7")
	require.NoError(t, c.Shard(source).Put(t.Context(), "7", []byte("v-7")))
	keys = append(keys, "7")

	var broken atomic.Bool
	broken.Store(true)
	c.setPutHook(func(_ context.Context, _, key string) error {
		if key == "7" && broken.Load() {
			return errors.New("destination rejected write")
		}

		return nil
	})

	op, err := r.RemoveShard(t.Context(), source)
	require.NoError(t, err)

	report := waitOp(t, op)
	require.Equal(t, OperationFailed, report.Status)
	require.ErrorIs(t, op.Err(), ErrMigrationFailed)
	require.Len(t, report.FailedMigrations, 1)
	failed := report.FailedMigrations[0]
	require.Equal(t, "7", failed.Key)
	require.Equal(t, source, failed.From)
	require.Equal(t, StageWrite, failed.Stage)
	require.Equal(t, 2, failed.Attempts)

	// The undelivered key is kept on the source.
	_, ok, err := c.Shard(source).Get(t.Context(), "7")
	require.NoError(t, err)
	require.True(t, ok)

	// A failed operation holds the slot until it is resumed or cancelled.
	_, err = r.AddShard(t.Context(), "D")
	require.ErrorIs(t, err, ErrOperationInProgress)
	require.ErrorIs(t, r.CancelOperation(t.Context(), op.ID()), ErrCannotCancel)

	broken.Store(false)
	resumed, err := r.ResumeOperation(t.Context(), op.ID())
	require.NoError(t, err)
	require.Same(t, op, resumed)

	report = waitOp(t, op)
	require.Equal(t, OperationCompleted, report.Status)
	require.Equal(t, 2, report.Attempts)
	require.Empty(t, report.FailedMigrations)
	require.Zero(t, c.Shard(source).Len())
	requirePlaced(t, r, c, keys)

	_, err = r.ResumeOperation(t.Context(), op.ID())
	require.ErrorIs(t, err, ErrOperationNotResumable)
}

func TestRouter_CancelFailedOperation(t *testing.T) {
	c := newHookedCluster("A", "B", "C")
	cfg := TestConfig()
	cfg.Shards = []string{"A", "B", "C"}
	cfg.Migration.MaxAttempts = 1
	r := startRouter(t, cfg, c, c)
	keys := seedKeys(t, r, c, 200)

	c.setPutHook(func(_ context.Context, shard, _ string) error {
		if shard == "D" {
			return errors.New("D is read-only")
		}

		return nil
	})

	op, err := r.AddShard(t.Context(), "D")
	require.NoError(t, err)
	require.Equal(t, OperationFailed, waitOp(t, op).Status)

	require.NoError(t, r.CancelOperation(t.Context(), op.ID()))
	report := waitOp(t, op)
	require.Equal(t, OperationCancelled, report.Status)

	st, _ := r.registry.Get("D")
	require.Equal(t, StatusRemoved, st.Status)
	requirePlaced(t, r, c, keys)
}

func TestRouter_ForceRemoveShard(t *testing.T) {
	c := newHookedCluster("A", "B", "C")
	r := newTestRouter(t, c, "A", "B", "C")

	_, err := r.ForceRemoveShard(t.Context(), "B")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = r.ForceRemoveShard(t.Context(), "Z")
	require.ErrorIs(t, err, ErrShardNotFound)

	require.ErrorIs(t, r.MarkActive("B"), ErrInvalidTransition)
	require.ErrorIs(t, r.MarkUnavailable("Z"), ErrShardNotFound)

	require.NoError(t, r.MarkUnavailable("B"))
	c.Shard("B").SetUnavailable(true)

	// Unavailable shards keep their ring positions.
	require.Contains(t, r.Topology().Members, "B")

	op, err := r.ForceRemoveShard(t.Context(), "B")
	require.NoError(t, err)
	report := waitOp(t, op)
	require.Equal(t, OperationForceRemove, report.Kind)
	require.Equal(t, OperationCompleted, report.Status)
	require.NotEmpty(t, report.Plan.Moves)

	st, _ := r.registry.Get("B")
	require.Equal(t, StatusRemoved, st.Status)
	for i := range 500 {
		owner, err := r.Assign(fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		require.NotEqual(t, "B", owner)
	}

	require.ErrorIs(t, r.CancelOperation(t.Context(), op.ID()), ErrCannotCancel)
}

func TestRouter_Operations(t *testing.T) {
	c := newHookedCluster("A", "B")

	finished := make(chan OperationReport, 4)
	hooks := &Hooks{
		OnOperationFinished: func(_ context.Context, report OperationReport) error {
			finished <- report
			return nil
		},
	}

	cfg := TestConfig()
	cfg.Shards = []string{"A", "B"}
	r := startRouter(t, cfg, c, c, WithHooks(hooks))
	seedKeys(t, r, c, 100)

	op1, err := r.AddShard(t.Context(), "C")
	require.NoError(t, err)
	waitOp(t, op1)
	op2, err := r.RemoveShard(t.Context(), "A")
	require.NoError(t, err)
	waitOp(t, op2)

	reports := r.Operations()
	require.Len(t, reports, 2)
	require.Equal(t, op1.ID(), reports[0].ID)
	require.Equal(t, op2.ID(), reports[1].ID)

	got, err := r.Operation(op2.ID())
	require.NoError(t, err)
	require.Same(t, op2, got)

	_, err = r.Operation("missing")
	require.ErrorIs(t, err, ErrOperationNotFound)
	require.ErrorIs(t, r.CancelOperation(t.Context(), "missing"), ErrOperationNotFound)

	for range 2 {
		select {
		case report := <-finished:
			assert.Equal(t, OperationCompleted, report.Status)
		case <-time.After(5 * time.Second):
			t.Fatal("operation hook not called")
		}
	}
}

func TestRouter_FailuresReportedUntilResolved(t *testing.T) {
	c := newHookedCluster("A", "B", "C")
	cfg := TestConfig()
	cfg.Shards = []string{"A", "B", "C"}
	cfg.Migration.MaxAttempts = 1
	r := startRouter(t, cfg, c, c)

	keys := seedKeys(t, r, c, 200)
	source, _ := r.Assign("7")
	require.NoError(t, c.Shard(source).Put(t.Context(), "7", []byte("v-7")))
	keys = append(keys, "7")

	const (
		reject int32 = iota
		hold
	)
	var mode atomic.Int32
	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	c.setPutHook(func(ctx context.Context, _, key string) error {
		if key != "7" {
			return nil
		}
		if mode.Load() == reject {
			return errors.New("destination rejected write")
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	op, err := r.RemoveShard(t.Context(), source)
	require.NoError(t, err)
	report := waitOp(t, op)
	require.Equal(t, OperationFailed, report.Status)
	require.Len(t, report.FailedMigrations, 1)

	t.Run("failing again is not counted twice", func(t *testing.T) {
		_, err := r.ResumeOperation(t.Context(), op.ID())
		require.NoError(t, err)

		report := waitOp(t, op)
		require.Equal(t, OperationFailed, report.Status)
		require.Equal(t, 2, report.Attempts)
		require.Len(t, report.FailedMigrations, 1)
		require.Equal(t, "7", report.FailedMigrations[0].Key)
		require.Equal(t, int64(1), report.Progress.Failed)
	})

	t.Run("still reported while the retry runs", func(t *testing.T) {
		mode.Store(hold)
		_, err := r.ResumeOperation(t.Context(), op.ID())
		require.NoError(t, err)

		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatal("retry never reached the destination")
		}

		running := op.Report()
		require.Equal(t, OperationRunning, running.Status)
		require.Len(t, running.FailedMigrations, 1)
		require.Equal(t, "7", running.FailedMigrations[0].Key)
		require.Equal(t, int64(1), running.Progress.Failed)

		close(gate)
		report := waitOp(t, op)
		require.Equal(t, OperationCompleted, report.Status)
		require.Empty(t, report.FailedMigrations)
		require.Zero(t, report.Progress.Failed)
		requirePlaced(t, r, c, keys)
	})
}

func TestRouter_MigrationKeepsClientWrite(t *testing.T) {
	c := newHookedCluster("A", "B", "C", "D")
	r := newTestRouter(t, c, "A", "B", "C")
	keys := seedKeys(t, r, c, 300)

	entered := make(chan string, 1)
	gate := make(chan struct{})
	c.setPutHook(func(ctx context.Context, shard, key string) error {
		if shard != "D" {
			return nil
		}
		select {
		case entered <- key:
		default:
		}
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	op, err := r.AddShard(t.Context(), "D")
	require.NoError(t, err)

	var key string
	select {
	case key = <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("migration never wrote to D")
	}

	// The new ring is live: a client updates the key on its new owner while
	// the migration's copy is still in flight.
	owner, err := r.Assign(key)
	require.NoError(t, err)
	require.Equal(t, "D", owner)
	require.NoError(t, c.Shard("D").Put(t.Context(), key, []byte("client")))

	close(gate)
	report := waitOp(t, op)
	require.Equal(t, OperationCompleted, report.Status)
	require.Equal(t, int64(1), report.Progress.Conflicts)

	v, ok, err := c.Shard("D").Get(t.Context(), key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("client"), v)
	require.Equal(t, len(keys), c.TotalKeys())

	for _, k := range keys {
		if k == key {
			continue
		}
		owner, err := r.Assign(k)
		require.NoError(t, err)
		v, ok, err := c.Shard(owner).Get(t.Context(), k)
		require.NoError(t, err)
		require.True(t, ok, "key %s missing from owner %s", k, owner)
		require.Equal(t, []byte("v-"+k), v)
	}
}

func TestRouter_ConcurrentLookupsDuringChanges(t *testing.T) {
	c := newHookedCluster("A", "B", "C", "D")
	r := newTestRouter(t, c, "A", "B", "C")
	seedKeys(t, r, c, 500)

	type observation struct {
		key     string
		shard   string
		version int64
	}

	const readers = 8
	stop := make(chan struct{})
	results := make([][]observation, readers)
	errs := make(chan error, readers)
	var wg sync.WaitGroup
	for g := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last int64
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}

				key := fmt.Sprintf("user:%d", i%500)
				p, err := r.Locate(key)
				if err != nil {
					errs <- err
					return
				}
				if p.Version < last {
					errs <- fmt.Errorf("version went back from %d to %d", last, p.Version)
					return
				}
				last = p.Version
				shard, err := r.Assign(key)
				if err != nil {
					errs <- err
					return
				}
				results[g] = append(results[g],
					observation{key: key, shard: p.Shard, version: p.Version},
					observation{key: key, shard: shard})
			}
		}()
	}

	initial := r.topo.Load().ring
	op, err := r.AddShard(t.Context(), "D")
	require.NoError(t, err)
	require.Equal(t, OperationCompleted, waitOp(t, op).Status)
	added := r.topo.Load().ring

	require.NoError(t, r.MarkUnavailable("C"))
	require.NoError(t, r.MarkActive("C"))

	op, err = r.RemoveShard(t.Context(), "B")
	require.NoError(t, err)
	require.Equal(t, OperationCompleted, waitOp(t, op).Status)
	removed := r.topo.Load().ring

	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	total := 0
	for _, obs := range results {
		total += len(obs)
		for _, o := range obs {
			// Every answer comes from one of the published rings.
			require.Contains(t,
				[]string{initial.Lookup(o.key), added.Lookup(o.key), removed.Lookup(o.key)},
				o.shard, "key %s at version %d", o.key, o.version)
		}
	}
	require.NotZero(t, total)
}

func TestRouter_ShardStatusHook(t *testing.T) {
	type change struct {
		shard    string
		from, to ShardStatus
	}
	changes := make(chan change, 32)
	hooks := &Hooks{
		OnShardStatusChanged: func(_ context.Context, shardID string, from, to ShardStatus) error {
			changes <- change{shard: shardID, from: from, to: to}
			return nil
		},
	}

	c := newHookedCluster("A", "B", "C")
	cfg := TestConfig()
	cfg.Shards = []string{"A", "B"}
	r := startRouter(t, cfg, c, c, WithHooks(hooks))

	expect := func(want change) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case got := <-changes:
				if got == want {
					return
				}
			case <-deadline:
				t.Fatalf("no status change %+v", want)
			}
		}
	}

	expect(change{shard: "B", from: StatusUnregistered, to: StatusActive})

	op, err := r.AddShard(t.Context(), "C")
	require.NoError(t, err)
	waitOp(t, op)
	expect(change{shard: "C", from: StatusUnregistered, to: StatusActive})

	require.NoError(t, r.MarkUnavailable("A"))
	expect(change{shard: "A", from: StatusActive, to: StatusUnavailable})
	require.NoError(t, r.MarkActive("A"))
	expect(change{shard: "A", from: StatusUnavailable, to: StatusActive})

	op, err = r.RemoveShard(t.Context(), "B")
	require.NoError(t, err)
	waitOp(t, op)
	expect(change{shard: "B", from: StatusActive, to: StatusDraining})
	expect(change{shard: "B", from: StatusDraining, to: StatusRemoved})
}

func TestRouter_PendingSourceFromRegistry(t *testing.T) {
	c := newHookedCluster("A", "B", "C", "D")
	r := newTestRouter(t, c, "A", "B", "C")

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.registry.RegisterShard("D")
	require.NoError(t, err)
	_, err = r.registry.MarkDraining("B")
	require.NoError(t, err)

	require.Equal(t, []string{"X", "Y"},
		r.pendingSource(&topology.Pending{Kind: OperationAddShard, Shard: "D", SourceMembers: []string{"X", "Y"}}))
	require.Equal(t, []string{"A", "B", "C"},
		r.pendingSource(&topology.Pending{Kind: OperationAddShard, Shard: "D"}))
	require.Equal(t, []string{"A", "B", "C", "D"},
		r.pendingSource(&topology.Pending{Kind: OperationAddShard, Shard: "D", Reverting: true}))
	require.Equal(t, []string{"A", "B", "C", "D"},
		r.pendingSource(&topology.Pending{Kind: OperationRemoveShard, Shard: "B"}))
	require.Equal(t, []string{"A", "C", "D"},
		r.pendingSource(&topology.Pending{Kind: OperationRemoveShard, Shard: "B", Reverting: true}))
}

func TestRouter_ForceRemoveAroundFailedOperation(t *testing.T) {
	c := newHookedCluster("A", "B", "C")
	cfg := TestConfig()
	cfg.Shards = []string{"A", "B", "C"}
	cfg.Migration.MaxAttempts = 1
	r := startRouter(t, cfg, c, c)
	seedKeys(t, r, c, 300)

	onB := c.Shard("B").Keys()
	require.NotEmpty(t, onB)
	aBefore := c.Shard("A").Len()

	// C dies while B drains into it.
	c.Shard("C").SetUnavailable(true)
	op, err := r.RemoveShard(t.Context(), "B")
	require.NoError(t, err)
	report := waitOp(t, op)
	require.Equal(t, OperationFailed, report.Status)
	require.NotEmpty(t, report.FailedMigrations)
	for _, f := range report.FailedMigrations {
		require.Equal(t, "C", f.To)
	}

	require.NoError(t, r.MarkUnavailable("C"))

	// Only the failed operation's own shard stays blocked.
	_, err = r.ForceRemoveShard(t.Context(), "B")
	require.ErrorIs(t, err, ErrOperationInProgress)

	force, err := r.ForceRemoveShard(t.Context(), "C")
	require.NoError(t, err)
	require.Equal(t, OperationCompleted, waitOp(t, force).Status)

	st, _ := r.registry.Get("C")
	require.Equal(t, StatusRemoved, st.Status)
	info := r.Topology()
	require.Equal(t, []string{"A"}, info.Members)
	require.Equal(t, []string{"A", "B"}, info.SourceMembers)
	require.Equal(t, op.ID(), info.OperationID)

	rebased := op.Report()
	require.Empty(t, rebased.FailedMigrations)
	for _, mv := range rebased.Plan.Moves {
		require.Equal(t, "A", mv.To)
	}

	_, err = r.ResumeOperation(t.Context(), op.ID())
	require.NoError(t, err)
	require.Equal(t, OperationCompleted, waitOp(t, op).Status)

	require.Zero(t, c.Shard("B").Len())
	require.Equal(t, aBefore+len(onB), c.Shard("A").Len())
	for _, key := range onB {
		v, ok, err := c.Shard("A").Get(t.Context(), key)
		require.NoError(t, err)
		require.True(t, ok, "key %s not drained to A", key)
		require.Equal(t, []byte("v-"+key), v)
	}
	require.Empty(t, r.Topology().OperationID)
}
