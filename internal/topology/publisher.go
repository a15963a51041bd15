package topology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/shardring/internal/kvutil"
	"github.com/arloliu/shardring/types"
)

// ErrVersionRegression is returned when publishing a snapshot older than the
// last one published or discovered.
var ErrVersionRegression = errors.New("topology version regression")

// Publisher writes topology snapshots and operation reports to NATS KV.
//
// Version monotonicity is kept across restarts by discovering the version
// already stored in the bucket before the first publish.
type Publisher struct {
	kv jetstream.KeyValue

	mu          sync.Mutex
	lastVersion int64

	logger  types.Logger
	metrics types.MetricsCollector
}

// NewPublisher creates a publisher over the topology bucket.
//
// Parameters:
//   - kv: Topology KV bucket
//   - logger: Logger for publish events
//   - metrics: Metrics collector for KV latency
//
// Returns:
//   - *Publisher: A new publisher instance
func NewPublisher(kv jetstream.KeyValue, logger types.Logger, metrics types.MetricsCollector) *Publisher {
	return &Publisher{kv: kv, logger: logger, metrics: metrics}
}

// Load returns the stored snapshot, or nil when none was published yet.
//
// The loaded version becomes the floor for later publishes.
func (p *Publisher) Load(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	entry, err := p.kv.Get(ctx, snapshotKey)
	p.metrics.RecordKVOperationDuration("get", time.Since(start).Seconds())
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		p.logger.Debug("no stored topology found")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load topology: %w", err)
	}

	snap, err := decodeSnapshot(entry.Value())
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if snap.Version > p.lastVersion {
		p.lastVersion = snap.Version
	}
	p.mu.Unlock()

	p.logger.Info("discovered stored topology", "version", snap.Version, "shards", len(snap.Shards))

	return snap, nil
}

// Publish stores snap as the current topology.
//
// Returns:
//   - error: ErrVersionRegression when snap is older than the last known
//     version, or the KV error
func (p *Publisher) Publish(ctx context.Context, snap Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Version < p.lastVersion {
		return fmt.Errorf("%w: %d < %d", ErrVersionRegression, snap.Version, p.lastVersion)
	}
	if snap.PublishedAt.IsZero() {
		snap.PublishedAt = time.Now().UTC()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal topology: %w", err)
	}

	start := time.Now()
	_, err = p.kv.Put(ctx, snapshotKey, data)
	p.metrics.RecordKVOperationDuration("put", time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to publish topology: %w", err)
	}
	p.lastVersion = snap.Version

	p.logger.Debug("topology published", "version", snap.Version, "shards", len(snap.Shards), "pending", snap.Pending != nil)

	return nil
}

// LastVersion returns the highest version published or loaded.
func (p *Publisher) LastVersion() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.lastVersion
}

// SaveOperation stores an operation report under "operation.<id>".
func (p *Publisher) SaveOperation(ctx context.Context, report types.OperationReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal operation %s: %w", report.ID, err)
	}

	start := time.Now()
	_, err = p.kv.Put(ctx, operationKeyPrefix+report.ID, data)
	p.metrics.RecordKVOperationDuration("put", time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to save operation %s: %w", report.ID, err)
	}

	return nil
}

// LoadOperations returns every stored operation report.
//
// Malformed entries are skipped with a warning.
func (p *Publisher) LoadOperations(ctx context.Context) ([]types.OperationReport, error) {
	start := time.Now()
	keys, err := p.kv.Keys(ctx)
	p.metrics.RecordKVOperationDuration("list", time.Since(start).Seconds())
	if kvutil.IsNoKeysFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}

	var reports []types.OperationReport
	for _, key := range keys {
		if !strings.HasPrefix(key, operationKeyPrefix) {
			continue
		}

		entry, err := p.kv.Get(ctx, key)
		if err != nil {
			p.logger.Warn("failed to read operation", "key", key, "error", err)
			continue
		}

		var report types.OperationReport
		if err := json.Unmarshal(entry.Value(), &report); err != nil {
			p.logger.Warn("failed to decode operation", "key", key, "error", err)
			continue
		}
		reports = append(reports, report)
	}

	return reports, nil
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode topology: %w", err)
	}

	return &snap, nil
}
