package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/shardring/internal/natsutil"
	"github.com/arloliu/shardring/types"
)

// debounceInterval coalesces bursts of watch events into one check.
const debounceInterval = 100 * time.Millisecond

// Target receives the health transitions decided by the Monitor.
type Target interface {
	Shards() []types.ShardState
	MarkUnavailable(shardID string) error
	MarkActive(shardID string) error
}

// Monitor turns heartbeat presence into shard status transitions.
//
// It provides hybrid monitoring:
//   - Watcher (primary): fast detection of new and deleted heartbeats
//   - Polling (fallback): every ttl/2, which also catches TTL expiry
type Monitor struct {
	kv           jetstream.KeyValue
	prefix       string
	ttl          time.Duration
	watchPattern string
	target       Target
	logger       types.Logger

	// seen holds shards that published at least one heartbeat.
	checkMu sync.Mutex
	seen    map[string]struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a heartbeat monitor.
//
// Parameters:
//   - kv: NATS KV bucket holding shard heartbeats
//   - prefix: Prefix for heartbeat keys (e.g., "shard-hb")
//   - ttl: Heartbeat TTL of the bucket
//   - target: Receiver of MarkUnavailable/MarkActive calls
//   - logger: Logger for monitoring events
//
// Returns:
//   - *Monitor: A new monitor instance
func NewMonitor(kv jetstream.KeyValue, prefix string, ttl time.Duration, target Target, logger types.Logger) *Monitor {
	return &Monitor{
		kv:           kv,
		prefix:       prefix,
		ttl:          ttl,
		watchPattern: prefix + ".*",
		target:       target,
		logger:       logger,
		seen:         make(map[string]struct{}),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start runs one check and begins monitoring in a background goroutine.
//
// Returns:
//   - error: ErrAlreadyStarted, ErrAlreadyStopped, or the error of the first check
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrAlreadyStopped
	}
	if m.started {
		return types.ErrAlreadyStarted
	}

	if err := m.Check(ctx); err != nil {
		return err
	}

	m.started = true
	go m.run(ctx)

	return nil
}

// Stop stops the monitor and waits for its goroutine. Stop is idempotent.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return types.ErrNotStarted
	}
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh

	return nil
}

// LiveShards returns the shards that currently have a heartbeat.
func (m *Monitor) LiveShards(ctx context.Context) ([]string, error) {
	keys, err := m.kv.Keys(ctx)
	if err != nil {
		if types.IsNoKeysFoundError(err) {
			return []string{}, nil
		}

		return nil, fmt.Errorf("failed to list heartbeat keys: %w", err)
	}

	shards := make([]string, 0, len(keys))
	for _, key := range keys {
		if id, ok := strings.CutPrefix(key, m.prefix+"."); ok && id != "" {
			shards = append(shards, id)
		}
	}

	return shards, nil
}

// Check compares live heartbeats with shard status and applies transitions.
//
// Active shards that were seen before and lost their heartbeat become Unavailable.
// Unavailable shards with a heartbeat become Active.
func (m *Monitor) Check(ctx context.Context) error {
	live, err := m.LiveShards(ctx)
	if err != nil {
		return err
	}

	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	alive := make(map[string]struct{}, len(live))
	for _, id := range live {
		alive[id] = struct{}{}
		m.seen[id] = struct{}{}
	}

	for _, st := range m.target.Shards() {
		_, ok := alive[st.ID]
		switch {
		case st.Status == types.StatusActive && !ok:
			if _, tracked := m.seen[st.ID]; !tracked {
				continue
			}
			m.logger.Warn("shard heartbeat lost", "shard", st.ID)
			m.apply(st.ID, m.target.MarkUnavailable)
		case st.Status == types.StatusUnavailable && ok:
			m.logger.Info("shard heartbeat recovered", "shard", st.ID)
			m.apply(st.ID, m.target.MarkActive)
		case st.Status == types.StatusRemoved:
			delete(m.seen, st.ID)
		}
	}

	return nil
}

func (m *Monitor) apply(shardID string, fn func(string) error) {
	err := fn(shardID)
	if err == nil || errors.Is(err, types.ErrInvalidTransition) || errors.Is(err, types.ErrShardNotFound) {
		return
	}
	m.logger.Error("failed to apply health transition", "shard", shardID, "error", err)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	var updates <-chan jetstream.KeyValueEntry
	watcher, err := m.kv.Watch(ctx, m.watchPattern, jetstream.UpdatesOnly())
	if err != nil {
		m.logger.Warn("failed to start heartbeat watcher, falling back to polling only", "error", err)
	} else {
		defer func() {
			if err := watcher.Stop(); err != nil {
				m.logger.Debug("failed to stop heartbeat watcher", "error", err)
			}
		}()
		updates = watcher.Updates()
	}

	interval := m.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	debounce := time.NewTimer(debounceInterval)
	debounce.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check(ctx, "polling")
		case entry, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if entry == nil || pending {
				continue
			}
			pending = true
			debounce.Reset(debounceInterval)
		case <-debounce.C:
			pending = false
			m.check(ctx, "watcher")
		}
	}
}

func (m *Monitor) check(ctx context.Context, source string) {
	err := m.Check(ctx)
	switch {
	case err == nil:
	case natsutil.IsConnectivityError(err):
		m.logger.Warn("heartbeat bucket unreachable, shard status unchanged", "source", source, "error", err)
	default:
		m.logger.Error("heartbeat check failed", "source", source, "error", err)
	}
}
