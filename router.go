package shardring

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/shardring/internal/backoff"
	"github.com/arloliu/shardring/internal/hash"
	"github.com/arloliu/shardring/internal/health"
	"github.com/arloliu/shardring/internal/hooks"
	"github.com/arloliu/shardring/internal/kvutil"
	"github.com/arloliu/shardring/internal/logging"
	"github.com/arloliu/shardring/internal/metrics"
	"github.com/arloliu/shardring/internal/natsutil"
	"github.com/arloliu/shardring/internal/rebalance"
	"github.com/arloliu/shardring/internal/registry"
	"github.com/arloliu/shardring/internal/topology"
)

// ringState is the immutable topology served to lookups.
//
// source is non-nil while keys migrate; it is the ring they migrate away from.
type ringState struct {
	version int64
	ring    *hash.Ring
	source  *hash.Ring
	pending *topology.Pending
}

// Placement is where a key lives.
type Placement struct {
	// Shard is the owner of the key on the current ring.
	Shard string `json:"shard"`

	// Source is the previous owner while a migration is in flight and the key
	// may not have moved yet. Empty otherwise.
	Source string `json:"source,omitempty"`

	// Version is the topology version the placement was computed at.
	Version int64 `json:"version"`
}

// TopologyInfo describes the topology a router currently serves.
type TopologyInfo struct {
	Version              int64              `json:"version"`
	HashFunction         string             `json:"hashFunction"`
	VirtualNodesPerShard int                `json:"virtualNodesPerShard"`
	Members              []string           `json:"members"`
	SourceMembers        []string           `json:"sourceMembers,omitempty"`
	OperationID          string             `json:"operationId,omitempty"`
	Shards               []ShardState       `json:"shards"`
	Ownership            map[string]float64 `json:"ownership"`
}

// Router maps keys to shards on a consistent hash ring and drives key
// migration when shards join or leave.
//
// Router is the main entry point of the library. It handles:
//   - Lock-free key lookups against an immutable ring snapshot
//   - Shard membership through a versioned registry
//   - Asynchronous migrations with retry, cancellation and resume
//   - Optional topology persistence and health monitoring through NATS KV
//
// Thread Safety:
//   - All public methods are safe for concurrent use
//   - Lookups never block; structural changes are serialized
//
// Lifecycle:
//   - Create with NewRouter()
//   - Call Start() to restore or bootstrap the topology
//   - Call Stop() for graceful shutdown
type Router struct {
	cfg    Config
	stores StoreResolver
	keys   KeyEnumerator
	hasher hash.Hasher

	hooks   Hooks
	metrics MetricsCollector
	logger  Logger

	js            jetstream.JetStream
	topologyKV    jetstream.KeyValue
	heartbeatKV   jetstream.KeyValue
	healthEnabled bool
	follower      bool

	registry   *registry.Registry
	rebalancer *rebalance.Rebalancer
	publisher  *topology.Publisher
	watcher    *topology.Watcher
	monitor    *health.Monitor

	topo atomic.Pointer[ringState]

	// mu serializes registry transitions, ring swaps and the in-flight slot.
	mu      sync.Mutex
	current *Operation
	ops     *xsync.Map[string, *Operation]

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewRouter creates a Router.
//
// Parameters:
//   - cfg: Configuration; missing values are filled with defaults
//   - stores: Resolves shard IDs to storage backends (may be nil for followers)
//   - keys: Enumerates shard keys during migration (may be nil for followers)
//   - opts: Optional dependencies (logger, metrics, hooks, NATS KV, follower mode)
//
// Returns:
//   - *Router: Initialized router, not yet started
//   - error: ErrInvalidConfig, ErrStoreResolverRequired or ErrKeyEnumeratorRequired
//
// Example:
//
//	cluster := store.NewMemoryCluster("pg-1", "pg-2", "pg-3")
//	cfg := shardring.DefaultConfig()
//	cfg.Shards = []string{"pg-1", "pg-2", "pg-3"}
//	router, err := shardring.NewRouter(&cfg, cluster, cluster)
func NewRouter(cfg *Config, stores StoreResolver, keys KeyEnumerator, opts ...Option) (*Router, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}

	options := &routerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if !options.follower {
		if stores == nil {
			return nil, ErrStoreResolverRequired
		}
		if keys == nil {
			return nil, ErrKeyEnumeratorRequired
		}
	} else if options.js == nil && options.topologyKV == nil {
		return nil, fmt.Errorf("%w: follower mode requires a topology bucket", ErrInvalidConfig)
	}

	SetDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	metricsCollector := options.metrics
	if metricsCollector == nil {
		metricsCollector = metrics.NewNop()
	}

	loggerInstance := options.logger
	if loggerInstance == nil {
		loggerInstance = logging.NewNop()
	}

	cfg.ValidateWithWarnings(loggerInstance)

	hasher, err := hash.New(cfg.HashFunction, cfg.HashSeed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	r := &Router{
		cfg:           *cfg,
		stores:        stores,
		keys:          keys,
		hasher:        hasher,
		hooks:         hooks.Fill(options.hooks),
		metrics:       metricsCollector,
		logger:        loggerInstance,
		js:            options.js,
		topologyKV:    options.topologyKV,
		heartbeatKV:   options.heartbeatKV,
		healthEnabled: options.healthMonitor,
		follower:      options.follower,
		registry:      registry.New(loggerInstance, metricsCollector),
		ops:           xsync.NewMap[string, *Operation](),
	}

	if !r.follower {
		m := cfg.Migration
		r.rebalancer = rebalance.New(stores, keys, rebalance.Config{
			Parallelism:    m.Parallelism,
			Retry:          backoff.NewPolicy(m.MaxAttempts, m.InitialBackoff, m.MaxBackoff, m.BackoffMultiplier, m.RetrySeed),
			AttemptTimeout: m.AttemptTimeout,
		}, loggerInstance, metricsCollector)
	}

	return r, nil
}

// Start restores or bootstraps the topology and starts background work.
//
// A leader router restores the topology stored in NATS KV when configured,
// falling back to Config.Shards. An operation found in flight is restored as
// failed so it can be resumed or cancelled. A follower router loads and then
// watches the topology published by the leader.
//
// Parameters:
//   - ctx: Context for startup; bounded by Config.StartupTimeout
//
// Returns:
//   - error: ErrAlreadyStarted, or a restore/bootstrap error
func (r *Router) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}

	startCtx, cancel := context.WithTimeout(ctx, r.cfg.StartupTimeout)
	defer cancel()

	r.ctx, r.cancel = context.WithCancel(context.Background())

	if err := r.start(startCtx); err != nil {
		r.cancel()
		return err
	}
	r.started = true

	st := r.topo.Load()
	r.logger.Info("router started",
		"version", st.version,
		"shards", st.ring.Shards(),
		"follower", r.follower,
		"hash", r.hasher.Name(),
	)

	return nil
}

func (r *Router) start(ctx context.Context) error {
	r.watchStatus()

	if err := r.openBuckets(ctx); err != nil {
		return err
	}

	if r.follower {
		return r.startFollower()
	}

	if err := r.startLeader(ctx); err != nil {
		return err
	}

	if r.heartbeatKV != nil {
		r.monitor = health.NewMonitor(r.heartbeatKV, r.cfg.Health.HeartbeatPrefix, r.cfg.Health.HeartbeatTTL, r, r.logger)
		if err := r.monitor.Start(r.ctx); err != nil {
			return fmt.Errorf("failed to start health monitor: %w", err)
		}
	}

	return nil
}

// openBuckets creates the KV buckets configured through WithJetStream.
func (r *Router) openBuckets(ctx context.Context) error {
	const maxRetries = 5

	if r.topologyKV == nil && r.js != nil {
		kv, err := kvutil.EnsureKVBucketWithRetry(ctx, r.js, jetstream.KeyValueConfig{
			Bucket:      r.cfg.KVBuckets.TopologyBucket,
			Description: "shardring topology snapshots and operation reports",
			History:     5,
		}, maxRetries)
		if err != nil {
			return fmt.Errorf("failed to create topology KV: %w", err)
		}
		r.topologyKV = kv
	}

	if r.follower || !r.healthEnabled || r.heartbeatKV != nil {
		return nil
	}
	if r.js == nil {
		return fmt.Errorf("%w: health monitor requires WithJetStream or WithHeartbeatKV", ErrInvalidConfig)
	}

	kv, err := kvutil.EnsureKVBucketWithRetry(ctx, r.js, jetstream.KeyValueConfig{
		Bucket:      r.cfg.KVBuckets.HeartbeatBucket,
		Description: "shardring shard heartbeats",
		History:     1,
		TTL:         r.cfg.Health.HeartbeatTTL,
	}, maxRetries)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat KV: %w", err)
	}
	r.heartbeatKV = kv

	return nil
}

func (r *Router) startLeader(ctx context.Context) error {
	if r.topologyKV != nil {
		r.publisher = topology.NewPublisher(r.topologyKV, r.logger, r.metrics)

		snap, err := r.publisher.Load(ctx)
		if err != nil {
			return err
		}
		if snap != nil {
			return r.restore(ctx, snap)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.cfg.Shards {
		if _, err := r.registry.RegisterShard(id); err != nil {
			return fmt.Errorf("failed to register shard %s: %w", id, err)
		}
	}

	ring, err := r.buildRing(r.registry.AssignableMembers())
	if err != nil {
		return err
	}
	r.installLocked(ctx, &ringState{version: r.registry.Version(), ring: ring}, "bootstrap")

	return nil
}

// restore rebuilds the leader state from a stored snapshot.
func (r *Router) restore(ctx context.Context, snap *topology.Snapshot) error {
	if err := r.checkSnapshot(snap); err != nil {
		return err
	}

	history, err := r.publisher.LoadOperations(ctx)
	if err != nil {
		r.logger.Warn("failed to load operation history", "error", err)
	}
	for _, report := range history {
		r.ops.Store(report.ID, historicOperation(report))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.registry.Restore(registry.Snapshot{Version: snap.Version, Shards: snap.Shards}); err != nil {
		return fmt.Errorf("failed to restore registry: %w", err)
	}

	st, err := r.stateFromSnapshot(snap)
	if err != nil {
		return err
	}

	if p := snap.Pending; p != nil && st.source != nil {
		report := OperationReport{ID: p.OperationID, Kind: p.Kind, Shard: p.Shard}
		if stored, ok := r.ops.Load(p.OperationID); ok {
			report = stored.Report()
		}

		previous, target := st.source, st.ring
		if p.Reverting {
			previous, target = st.ring, st.source
		}
		report.Plan = planFor(report.Plan, p.Kind, previous, target, p.Shard)

		op := restoreOperation(report, previous, target, p.Reverting)
		r.ops.Store(op.ID(), op)
		r.current = op

		r.logger.Warn("restored interrupted operation, resume or cancel it",
			"operation", op.ID(), "kind", op.Kind(), "shard", op.Shard(), "reverting", p.Reverting)
	}

	r.topo.Store(st)
	r.metrics.RecordTopologyChange("restore", st.version, st.ring.Size())

	return nil
}

func (r *Router) startFollower() error {
	r.watcher = topology.NewWatcher(r.topologyKV, r.cfg.TopologyPollInterval, r.applySnapshot, r.logger, r.metrics)

	empty, err := r.buildRing(nil)
	if err != nil {
		return err
	}
	r.topo.Store(&ringState{ring: empty})

	return r.watcher.Start(r.ctx)
}

// applySnapshot installs a topology published by the leader.
func (r *Router) applySnapshot(_ context.Context, snap topology.Snapshot) error {
	if err := r.checkSnapshot(&snap); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.registry.Restore(registry.Snapshot{Version: snap.Version, Shards: snap.Shards}); err != nil {
		return err
	}

	st, err := r.stateFromSnapshot(&snap)
	if err != nil {
		return err
	}
	r.topo.Store(st)
	r.metrics.RecordTopologyChange("follow", st.version, st.ring.Size())
	r.notifyTopology(st.version)

	return nil
}

func (r *Router) checkSnapshot(snap *topology.Snapshot) error {
	if snap.VirtualNodesPerShard != r.cfg.VirtualNodesPerShard || snap.HashFunction != r.hasher.Name() {
		return fmt.Errorf("%w: stored topology uses %d virtual nodes with %s, configured %d with %s",
			ErrInvalidConfig, snap.VirtualNodesPerShard, snap.HashFunction,
			r.cfg.VirtualNodesPerShard, r.hasher.Name())
	}

	return nil
}

func (r *Router) stateFromSnapshot(snap *topology.Snapshot) (*ringState, error) {
	members := snap.Members
	if members == nil {
		members = r.registry.AssignableMembers()
	}

	ring, err := r.buildRing(members)
	if err != nil {
		return nil, err
	}

	st := &ringState{version: snap.Version, ring: ring}
	if snap.Pending != nil {
		source, err := r.buildRing(r.pendingSource(snap.Pending))
		if err != nil {
			return nil, err
		}
		st.source = source
		st.pending = snap.Pending
	}

	return st, nil
}

// pendingSource returns the members of the ring a pending operation migrates
// away from. Snapshots without SourceMembers derive them from the registry.
func (r *Router) pendingSource(p *topology.Pending) []string {
	if len(p.SourceMembers) > 0 {
		return p.SourceMembers
	}

	members := r.registry.RingMembers()
	// The shard is on the source ring of a remove or of a reverting add.
	if (p.Kind == OperationAddShard) != p.Reverting {
		members = slices.DeleteFunc(members, func(id string) bool { return id == p.Shard })
	}

	return members
}

// Stop gracefully shuts down the router.
//
// Running migrations are interrupted; they are reported as failed and can be
// resumed after the next Start.
//
// Parameters:
//   - ctx: Context for shutdown timeout; bounded by Config.ShutdownTimeout
//
// Returns:
//   - error: ErrNotStarted, or the shutdown error
func (r *Router) Stop(ctx context.Context) error {
	r.lifecycleMu.Lock()
	if !r.started || r.stopped {
		r.lifecycleMu.Unlock()
		return ErrNotStarted
	}
	r.stopped = true
	r.lifecycleMu.Unlock()

	var shutdownErr error
	if r.monitor != nil {
		if err := r.monitor.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
			r.logger.Error("failed to stop health monitor", "error", err)
			shutdownErr = fmt.Errorf("health monitor stop failed: %w", err)
		}
	}
	if r.watcher != nil {
		if err := r.watcher.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
			r.logger.Error("failed to stop topology watcher", "error", err)
			if shutdownErr == nil {
				shutdownErr = fmt.Errorf("topology watcher stop failed: %w", err)
			}
		}
	}

	r.cancel()

	stopCtx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("router stopped gracefully")
		return shutdownErr
	case <-stopCtx.Done():
		r.logger.Error("shutdown timeout exceeded, some migrations may still be running")
		if shutdownErr == nil {
			return stopCtx.Err()
		}

		return fmt.Errorf("shutdown timeout: %w; additional error: %w", stopCtx.Err(), shutdownErr)
	}
}

// Assign returns the shard that owns key.
//
// Lookups read an immutable ring snapshot and never block, including while a
// migration is running.
//
// Returns:
//   - string: Owning shard ID
//   - error: ErrNotStarted, or ErrNoShards when the ring is empty
func (r *Router) Assign(key string) (string, error) {
	st := r.topo.Load()
	if st == nil {
		return "", ErrNotStarted
	}
	if st.ring.Size() == 0 {
		return "", ErrNoShards
	}

	return st.ring.Lookup(key), nil
}

// AssignAt returns the owner of key for a caller that last saw topology version.
//
// A caller more than Config.StalenessWindow versions behind is rejected so it
// can refresh its view and retry.
//
// Returns:
//   - string: Owning shard ID
//   - int64: Current topology version
//   - error: *StaleRingError (matches ErrStaleRing), ErrNotStarted or ErrNoShards
func (r *Router) AssignAt(key string, version int64) (string, int64, error) {
	st := r.topo.Load()
	if st == nil {
		return "", 0, ErrNotStarted
	}
	if version < st.version-r.cfg.StalenessWindow {
		r.metrics.RecordStaleLookup()
		return "", st.version, &StaleRingError{Requested: version, Current: st.version, Window: r.cfg.StalenessWindow}
	}
	if st.ring.Size() == 0 {
		return "", st.version, ErrNoShards
	}

	return st.ring.Lookup(key), st.version, nil
}

// Locate returns the owner of key and, during a migration, where it may still reside.
//
// Readers that miss on Shard should retry on Source.
func (r *Router) Locate(key string) (Placement, error) {
	st := r.topo.Load()
	if st == nil {
		return Placement{}, ErrNotStarted
	}
	if st.ring.Size() == 0 {
		return Placement{Version: st.version}, ErrNoShards
	}

	p := Placement{Shard: st.ring.Lookup(key), Version: st.version}
	if st.source != nil && st.source.Size() > 0 {
		if src := st.source.Lookup(key); src != p.Shard {
			p.Source = src
		}
	}

	return p, nil
}

// CurrentTopologyVersion returns the version of the topology served to lookups.
func (r *Router) CurrentTopologyVersion() int64 {
	st := r.topo.Load()
	if st == nil {
		return 0
	}

	return st.version
}

// Shards returns every known shard and its status, sorted by ID.
func (r *Router) Shards() []ShardState {
	return r.registry.List()
}

// Ownership returns the fraction of the key space owned by each ring member.
func (r *Router) Ownership() map[string]float64 {
	st := r.topo.Load()
	if st == nil {
		return map[string]float64{}
	}

	return st.ring.Ownership()
}

// Topology returns a description of the served topology.
func (r *Router) Topology() TopologyInfo {
	info := TopologyInfo{
		HashFunction:         r.hasher.Name(),
		VirtualNodesPerShard: r.cfg.VirtualNodesPerShard,
		Shards:               r.registry.List(),
		Members:              []string{},
		Ownership:            map[string]float64{},
	}

	st := r.topo.Load()
	if st == nil {
		return info
	}
	info.Version = st.version
	info.Members = st.ring.Shards()
	info.Ownership = st.ring.Ownership()
	if st.source != nil {
		info.SourceMembers = st.source.Shards()
	}
	if st.pending != nil {
		info.OperationID = st.pending.OperationID
	}

	return info
}

// IsFollower reports whether the router is read-only.
func (r *Router) IsFollower() bool {
	return r.follower
}

// Operation returns the handle of an operation.
//
// Returns:
//   - *Operation: Operation handle
//   - error: ErrOperationNotFound for unknown IDs
func (r *Router) Operation(id string) (*Operation, error) {
	op, ok := r.ops.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}

	return op, nil
}

// Operations returns a report for every known operation, oldest first.
func (r *Router) Operations() []OperationReport {
	reports := make([]OperationReport, 0, r.ops.Size())
	r.ops.Range(func(_ string, op *Operation) bool {
		reports = append(reports, op.Report())
		return true
	})

	slices.SortFunc(reports, func(a, b OperationReport) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}

		return 0
	})

	return reports
}

func (r *Router) buildRing(members []string) (*hash.Ring, error) {
	start := time.Now()
	ring, err := hash.NewRing(members, r.cfg.VirtualNodesPerShard, r.hasher)
	r.metrics.RecordRingBuildDuration(time.Since(start).Seconds())

	return ring, err
}

// checkWritable rejects mutations on followers and stopped routers.
func (r *Router) checkWritable() error {
	if r.follower {
		return ErrReadOnly
	}
	if r.topo.Load() == nil || r.ctx.Err() != nil {
		return ErrNotStarted
	}

	return nil
}

// installLocked swaps the served topology and publishes it. r.mu must be held.
func (r *Router) installLocked(ctx context.Context, st *ringState, reason string) {
	r.topo.Store(st)
	r.metrics.RecordTopologyChange(reason, st.version, st.ring.Size())
	r.logger.Info("topology changed",
		"reason", reason,
		"version", st.version,
		"members", st.ring.Shards(),
		"migrating", st.source != nil,
	)

	r.publishLocked(ctx, st)
	r.notifyTopology(st.version)
}

func (r *Router) publishLocked(ctx context.Context, st *ringState) {
	if r.publisher == nil {
		return
	}

	regSnap := r.registry.Snapshot()
	snap := topology.Snapshot{
		Version:              st.version,
		Shards:               regSnap.Shards,
		Members:              st.ring.Shards(),
		VirtualNodesPerShard: r.cfg.VirtualNodesPerShard,
		HashFunction:         r.hasher.Name(),
		Pending:              st.pending,
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
	defer cancel()

	if err := r.publisher.Publish(pubCtx, snap); err != nil {
		r.logger.Error("failed to publish topology",
			"version", st.version,
			"connectivity", natsutil.IsConnectivityError(err),
			"error", err)
		r.notifyError(fmt.Errorf("failed to publish topology %d: %w", st.version, err))
	}
}

func (r *Router) saveOperation(op *Operation) {
	if r.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
	defer cancel()

	if err := r.publisher.SaveOperation(ctx, op.Report()); err != nil {
		r.logger.Warn("failed to save operation report", "operation", op.ID(), "error", err)
	}
}

// watchStatus forwards registry transitions to OnShardStatusChanged until the
// router stops.
func (r *Router) watchStatus() {
	events, unsubscribe := r.registry.Subscribe()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsubscribe()

		for {
			select {
			case <-r.ctx.Done():
				return
			case ev := <-events:
				if ev.Shard == "" {
					// Bulk restore; OnTopologyChanged reports it.
					continue
				}
				if err := r.hooks.OnShardStatusChanged(r.ctx, ev.Shard, ev.From, ev.To); err != nil {
					r.logger.Error("shard status hook error", "shard", ev.Shard, "to", ev.To, "error", err)
				}
			}
		}
	}()
}

// notifyTopology calls OnTopologyChanged in the background.
func (r *Router) notifyTopology(version int64) {
	shards := r.registry.List()
	go func() {
		if err := r.hooks.OnTopologyChanged(r.ctx, version, shards); err != nil {
			r.logger.Error("topology change hook error", "version", version, "error", err)
		}
	}()
}

func (r *Router) notifyFinished(report OperationReport) {
	go func() {
		if err := r.hooks.OnOperationFinished(r.ctx, report); err != nil {
			r.logger.Error("operation hook error", "operation", report.ID, "error", err)
		}
	}()
}

func (r *Router) notifyError(err error) {
	go func() {
		if hookErr := r.hooks.OnError(r.ctx, err); hookErr != nil {
			r.logger.Error("error hook error", "error", hookErr)
		}
	}()
}

func newOperationID() string {
	return uuid.NewString()
}

// planFor recomputes the forward plan of an operation from its rings,
// keeping the versions of the stored plan.
func planFor(stored MigrationPlan, kind OperationKind, previous, target *hash.Ring, shard string) MigrationPlan {
	var plan MigrationPlan
	if kind == OperationRemoveShard {
		plan = rebalance.PlanRemove(previous, target, shard)
	} else {
		plan = rebalance.PlanAdd(previous, target, shard)
	}
	plan.FromVersion = stored.FromVersion
	plan.ToVersion = stored.ToVersion

	return plan
}
