package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/shardring/types"
)

// Common errors for heartbeat operations.
var (
	ErrNoShardID      = errors.New("shard ID not set")
	ErrAlreadyStopped = errors.New("already stopped")
)

// Probe checks the backend of a shard. A nil error means healthy.
type Probe func(ctx context.Context) error

// Publisher publishes periodic heartbeats for one shard to NATS KV.
//
// A heartbeat is written only when the probe succeeds, so an unhealthy backend
// looks the same to the monitor as a crashed process.
type Publisher struct {
	kv       jetstream.KeyValue
	key      string
	shardID  string
	interval time.Duration
	probe    Probe
	logger   types.Logger

	healthy atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPublisher creates a heartbeat publisher.
//
// The KV bucket should be configured with a TTL of ~3x the heartbeat interval.
//
// Parameters:
//   - kv: JetStream KV bucket for heartbeat storage
//   - prefix: Key prefix for heartbeat keys (e.g., "shard-hb")
//   - shardID: Shard the heartbeat reports on
//   - interval: Heartbeat interval (typically 2s)
//   - probe: Backend check; nil means always healthy
//   - logger: Logger for heartbeat failures
//
// Returns:
//   - *Publisher: New heartbeat publisher instance
func NewPublisher(
	kv jetstream.KeyValue,
	prefix string,
	shardID string,
	interval time.Duration,
	probe Probe,
	logger types.Logger,
) *Publisher {
	if probe == nil {
		probe = func(context.Context) error { return nil }
	}

	return &Publisher{
		kv:       kv,
		key:      heartbeatKey(prefix, shardID),
		shardID:  shardID,
		interval: interval,
		probe:    probe,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start publishes the first heartbeat and keeps publishing in the background.
//
// A failing probe on the first beat is not an error: the shard simply starts out
// without a heartbeat.
//
// Returns:
//   - error: ErrAlreadyStarted, ErrAlreadyStopped, ErrNoShardID, or a KV write error
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrAlreadyStopped
	}
	if p.started {
		return types.ErrAlreadyStarted
	}
	if p.shardID == "" {
		return ErrNoShardID
	}

	if err := p.beat(ctx); err != nil {
		return fmt.Errorf("failed to publish initial heartbeat: %w", err)
	}

	p.started = true
	go p.publishLoop()

	return nil
}

// Stop stops publishing and deletes the heartbeat entry.
//
// Deleting the entry signals shutdown immediately instead of waiting for TTL
// expiration. Stop is idempotent.
//
// Returns:
//   - error: ErrNotStarted if not running, or the cleanup error if the delete fails
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return types.ErrNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.kv.Delete(ctx, p.key); err != nil {
		return fmt.Errorf("stopped but failed to delete heartbeat: %w", err)
	}

	return nil
}

// Healthy reports whether the last probe succeeded.
func (p *Publisher) Healthy() bool {
	return p.healthy.Load()
}

func (p *Publisher) publishLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.interval)
			err := p.beat(ctx)
			cancel()

			if err != nil {
				p.logger.Warn("failed to publish heartbeat", "shard", p.shardID, "error", err)
			}
		}
	}
}

// beat probes the backend and refreshes the heartbeat key when it is healthy.
func (p *Publisher) beat(ctx context.Context) error {
	probeErr := p.probe(ctx)
	p.healthy.Store(probeErr == nil)

	if probeErr != nil {
		p.logger.Debug("shard probe failed, skipping heartbeat", "shard", p.shardID, "error", probeErr)
		return nil
	}

	value := []byte(time.Now().Format(time.RFC3339Nano))
	if _, err := p.kv.Put(ctx, p.key, value); err != nil {
		return fmt.Errorf("failed to publish heartbeat for %s: %w", p.shardID, err)
	}

	return nil
}

func heartbeatKey(prefix, shardID string) string {
	return prefix + "." + shardID
}
