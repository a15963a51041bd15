package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/shardring/types"
)

// Watcher follows the topology published by a leader router.
//
// Like the heartbeat monitor it combines a KV watch for fast delivery with
// periodic polling as a fallback. onChange is called only for snapshots newer
// than the last one delivered, or for the same version once its pending
// migration settles or starts reverting, so duplicate deliveries from both paths are harmless.
type Watcher struct {
	kv           jetstream.KeyValue
	pollInterval time.Duration
	onChange     func(ctx context.Context, snap Snapshot) error

	deliverMu   sync.Mutex
	lastVersion int64
	lastPending string

	logger  types.Logger
	metrics types.MetricsCollector

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a topology watcher.
//
// Parameters:
//   - kv: Topology KV bucket
//   - pollInterval: Fallback polling interval (defaults to 5s)
//   - onChange: Called with every newer snapshot
//   - logger: Logger for watch events
//   - metrics: Metrics collector for KV latency
//
// Returns:
//   - *Watcher: A new watcher instance
func NewWatcher(
	kv jetstream.KeyValue,
	pollInterval time.Duration,
	onChange func(ctx context.Context, snap Snapshot) error,
	logger types.Logger,
	metrics types.MetricsCollector,
) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	return &Watcher{
		kv:           kv,
		pollInterval: pollInterval,
		onChange:     onChange,
		logger:       logger,
		metrics:      metrics,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start delivers the current snapshot, if any, and begins watching.
//
// Returns:
//   - error: ErrAlreadyStarted, or the error of the initial load
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return types.ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	if err := w.poll(ctx); err != nil {
		return err
	}

	kw, err := w.kv.Watch(ctx, snapshotKey, jetstream.UpdatesOnly())
	if err != nil {
		w.logger.Warn("failed to start topology watch, polling only", "error", err)
		kw = nil
	}

	go w.run(ctx, kw)

	return nil
}

// Stop ends watching and waits for the background goroutine.
//
// Stop is idempotent.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return types.ErrNotStarted
	}
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	return nil
}

// LastVersion returns the version of the last delivered snapshot.
func (w *Watcher) LastVersion() int64 {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	return w.lastVersion
}

func (w *Watcher) run(ctx context.Context, kw jetstream.KeyWatcher) {
	defer close(w.doneCh)
	if kw != nil {
		defer func() {
			if err := kw.Stop(); err != nil {
				w.logger.Debug("failed to stop topology watch", "error", err)
			}
		}()
	}

	var updates <-chan jetstream.KeyValueEntry
	if kw != nil {
		updates = kw.Updates()
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case entry, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if entry == nil || entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			snap, err := decodeSnapshot(entry.Value())
			if err != nil {
				w.logger.Warn("ignoring malformed topology", "revision", entry.Revision(), "error", err)
				continue
			}
			w.deliver(ctx, *snap)
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				w.logger.Warn("topology poll failed", "error", err)
			}
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	start := time.Now()
	entry, err := w.kv.Get(ctx, snapshotKey)
	w.metrics.RecordKVOperationDuration("get", time.Since(start).Seconds())
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read topology: %w", err)
	}

	snap, err := decodeSnapshot(entry.Value())
	if err != nil {
		return err
	}
	w.deliver(ctx, *snap)

	return nil
}

func (w *Watcher) deliver(ctx context.Context, snap Snapshot) {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	// A completed migration republishes the same version without Pending.
	pending := snap.pendingID()
	if snap.Version < w.lastVersion || (snap.Version == w.lastVersion && pending == w.lastPending) {
		return
	}

	if err := w.onChange(ctx, snap); err != nil {
		w.logger.Error("failed to apply topology", "version", snap.Version, "error", err)
		return
	}
	w.lastVersion = snap.Version
	w.lastPending = pending
	w.logger.Debug("applied topology", "version", snap.Version)
}
