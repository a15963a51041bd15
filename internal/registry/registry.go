// Package registry tracks shard membership and status as a versioned state machine.
package registry

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/shardring/types"
)

// transitions lists the statuses a shard may move to from each status.
var transitions = map[types.ShardStatus][]types.ShardStatus{
	types.StatusUnregistered: {types.StatusActive},
	types.StatusActive:       {types.StatusDraining, types.StatusUnavailable},
	types.StatusDraining:     {types.StatusRemoved, types.StatusActive},
	types.StatusUnavailable:  {types.StatusActive, types.StatusRemoved},
	types.StatusRemoved:      {types.StatusActive},
}

// Event describes one registry change delivered to subscribers.
type Event struct {
	// Version is the registry version after the change.
	Version int64

	// Shard is the shard that changed, empty for a bulk Restore.
	Shard string

	From types.ShardStatus
	To   types.ShardStatus
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	Version int64              `json:"version"`
	Shards  []types.ShardState `json:"shards"`
}

// Registry is the authoritative set of shards and their statuses.
//
// Every successful transition increments a monotonic version. The registry is
// safe for concurrent use; callers that need to combine a transition with other
// work (building the ring) serialize through their own lock.
type Registry struct {
	mu      sync.RWMutex
	shards  map[string]types.ShardState
	version int64

	logger  types.Logger
	metrics types.MetricsCollector

	subscribers      *xsync.Map[uint64, *subscriber]
	nextSubscriberID atomic.Uint64
}

// New creates an empty registry at version 0.
//
// Parameters:
//   - logger: Logger for transitions
//   - metrics: Metrics collector for transition and status counts
//
// Returns:
//   - *Registry: A new registry
func New(logger types.Logger, metrics types.MetricsCollector) *Registry {
	return &Registry{
		shards:      make(map[string]types.ShardState),
		logger:      logger,
		metrics:     metrics,
		subscribers: xsync.NewMap[uint64, *subscriber](),
	}
}

// RegisterShard adds a new shard, or re-registers a removed one, as Active.
//
// Returns:
//   - types.ShardState: The new state
//   - error: ErrInvalidShardID or ErrShardExists
func (r *Registry) RegisterShard(id string) (types.ShardState, error) {
	if id == "" {
		return types.ShardState{}, types.ErrInvalidShardID
	}

	r.mu.Lock()
	st, ok := r.shards[id]
	if ok && st.Status != types.StatusRemoved {
		r.mu.Unlock()
		return st, fmt.Errorf("%w: %s is %s", types.ErrShardExists, id, st.Status)
	}
	if !ok {
		st = types.ShardState{ID: id, Status: types.StatusUnregistered}
	}
	from := st.Status

	r.version++
	st.Status = types.StatusActive
	st.JoinedAtVersion = r.version
	st.UpdatedAtVersion = r.version
	r.shards[id] = st
	ev := Event{Version: r.version, Shard: id, From: from, To: st.Status}
	r.mu.Unlock()

	r.emit(ev)

	return st, nil
}

// MarkDraining moves an Active shard to Draining at the start of its removal.
func (r *Registry) MarkDraining(id string) (types.ShardState, error) {
	return r.transition(id, types.StatusDraining)
}

// MarkUnavailable records a detected failure of an Active shard.
func (r *Registry) MarkUnavailable(id string) (types.ShardState, error) {
	return r.transition(id, types.StatusUnavailable)
}

// MarkActive restores an Unavailable shard, or a Draining shard whose removal was cancelled.
func (r *Registry) MarkActive(id string) (types.ShardState, error) {
	return r.transition(id, types.StatusActive)
}

// MarkRemoved completes a drain, or force-removes an Unavailable shard.
func (r *Registry) MarkRemoved(id string) (types.ShardState, error) {
	return r.transition(id, types.StatusRemoved)
}

func (r *Registry) transition(id string, to types.ShardStatus) (types.ShardState, error) {
	r.mu.Lock()
	st, ok := r.shards[id]
	if !ok {
		r.mu.Unlock()
		return types.ShardState{}, fmt.Errorf("%w: %s", types.ErrShardNotFound, id)
	}
	if !slices.Contains(transitions[st.Status], to) {
		r.mu.Unlock()
		return st, fmt.Errorf("%w: %s %s -> %s", types.ErrInvalidTransition, id, st.Status, to)
	}

	from := st.Status
	r.version++
	st.Status = to
	st.UpdatedAtVersion = r.version
	r.shards[id] = st
	ev := Event{Version: r.version, Shard: id, From: from, To: to}
	r.mu.Unlock()

	r.emit(ev)

	return st, nil
}

// Get returns the state of one shard.
func (r *Registry) Get(id string) (types.ShardState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.shards[id]

	return st, ok
}

// Version returns the current registry version.
func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.version
}

// List returns every known shard, removed ones included, sorted by ID.
func (r *Registry) List() []types.ShardState {
	return r.filter(func(types.ShardStatus) bool { return true })
}

// ListActiveAndDraining returns the shards currently holding data that can be
// served, sorted by ID.
func (r *Registry) ListActiveAndDraining() []types.ShardState {
	return r.filter(func(s types.ShardStatus) bool {
		return s == types.StatusActive || s == types.StatusDraining
	})
}

// RingMembers returns the IDs of shards that still own virtual nodes somewhere:
// Active, Draining and Unavailable.
func (r *Registry) RingMembers() []string {
	return ids(r.filter(types.ShardStatus.OnRing))
}

// AssignableMembers returns the IDs of shards new keys may be assigned to:
// Active and Unavailable.
func (r *Registry) AssignableMembers() []string {
	return ids(r.filter(types.ShardStatus.Assignable))
}

// Snapshot returns a consistent copy of the registry.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shards := make([]types.ShardState, 0, len(r.shards))
	for _, st := range r.shards {
		shards = append(shards, st)
	}
	sortStates(shards)

	return Snapshot{Version: r.version, Shards: shards}
}

// Restore replaces the registry contents with snap.
//
// Restoring an older version than the current one is rejected so a replayed
// snapshot cannot roll the version back.
func (r *Registry) Restore(snap Snapshot) error {
	r.mu.Lock()
	if snap.Version < r.version {
		cur := r.version
		r.mu.Unlock()
		return fmt.Errorf("%w: snapshot version %d is older than %d", types.ErrInvalidTransition, snap.Version, cur)
	}

	shards := make(map[string]types.ShardState, len(snap.Shards))
	for _, st := range snap.Shards {
		if st.ID == "" {
			r.mu.Unlock()
			return types.ErrInvalidShardID
		}
		shards[st.ID] = st
	}
	r.shards = shards
	r.version = snap.Version
	r.mu.Unlock()

	r.logger.Info("registry restored", "version", snap.Version, "shards", len(snap.Shards))
	r.emit(Event{Version: snap.Version})

	return nil
}

// Subscribe returns a channel of registry events.
//
// The channel is buffered; a subscriber that falls behind misses events rather
// than blocking transitions, and should re-read the registry on the next one.
//
// Returns:
//   - <-chan Event: Event channel, closed by the unsubscribe function
//   - func(): Unsubscribe function
//
// Example:
//
//	events, unsubscribe := reg.Subscribe()
//	defer unsubscribe()
func (r *Registry) Subscribe() (<-chan Event, func()) {
	id := r.nextSubscriberID.Add(1)
	sub := &subscriber{ch: make(chan Event, 16)}
	r.subscribers.Store(id, sub)

	return sub.ch, func() {
		if s, ok := r.subscribers.LoadAndDelete(id); ok {
			s.close()
		}
	}
}

func (r *Registry) emit(ev Event) {
	if ev.Shard != "" {
		r.logger.Info("shard transition", "shard", ev.Shard, "from", ev.From, "to", ev.To, "version", ev.Version)
		r.metrics.RecordShardTransition(ev.From, ev.To)
	}
	r.recordCounts()

	r.subscribers.Range(func(_ uint64, sub *subscriber) bool {
		if !sub.trySend(ev) {
			r.metrics.RecordStateChangeDropped()
		}

		return true
	})
}

func (r *Registry) recordCounts() {
	counts := make(map[types.ShardStatus]int, 4)
	r.mu.RLock()
	for _, st := range r.shards {
		counts[st.Status]++
	}
	r.mu.RUnlock()

	for _, status := range []types.ShardStatus{
		types.StatusActive, types.StatusDraining, types.StatusUnavailable, types.StatusRemoved,
	} {
		r.metrics.RecordShardCount(status, counts[status])
	}
}

func (r *Registry) filter(keep func(types.ShardStatus) bool) []types.ShardState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ShardState, 0, len(r.shards))
	for _, st := range r.shards {
		if keep(st.Status) {
			out = append(out, st)
		}
	}
	sortStates(out)

	return out
}

func sortStates(states []types.ShardState) {
	slices.SortFunc(states, func(a, b types.ShardState) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}

func ids(states []types.ShardState) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = st.ID
	}

	return out
}
