package rebalance

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/arloliu/shardring/types"
)

// Progress tracks one plan execution and gates its cancellation.
//
// Cancellation and the first source delete are mutually exclusive: once a
// delete has begun TryCancel fails, and once cancelled BeginDelete fails.
type Progress struct {
	mu        sync.Mutex
	cancelled bool
	deleting  bool
	failures  []types.FailedMigration

	// carried holds failures of an earlier run that this run has not resolved yet.
	carried  []types.FailedMigration
	resolved map[string]struct{}

	scanned   atomic.Int64
	moved     atomic.Int64
	skipped   atomic.Int64
	conflicts atomic.Int64
	failed    atomic.Int64
	deletes   atomic.Int64
}

// NewProgress creates an empty progress tracker.
func NewProgress() *Progress {
	return &Progress{}
}

// BeginDelete reports whether a source delete may proceed and, if so, closes
// the cancellation window.
func (p *Progress) BeginDelete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return false
	}
	p.deleting = true

	return true
}

// TryCancel marks the execution cancelled unless a delete has already begun.
func (p *Progress) TryCancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleting {
		return false
	}
	p.cancelled = true

	return true
}

// Cancelled reports whether TryCancel succeeded.
func (p *Progress) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cancelled
}

// DeleteStarted reports whether any source delete has begun.
func (p *Progress) DeleteStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.deleting
}

// Carry seeds the progress with the unresolved failures of an earlier run.
//
// A carried failure is reported until this run delivers or skips its key, or
// fails it again. Carry(nil) forgets them.
func (p *Progress) Carry(failures []types.FailedMigration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.carried = append([]types.FailedMigration(nil), failures...)
	p.resolved = nil
}

// Forget drops the failures moving keys from or to shard.
func (p *Progress) Forget(shard string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	involves := func(f types.FailedMigration) bool { return f.From == shard || f.To == shard }
	p.carried = slices.DeleteFunc(p.carried, involves)
	p.failures = slices.DeleteFunc(p.failures, involves)
}

// Snapshot returns the current counters.
//
// Failed counts every unresolved key, carried ones included.
func (p *Progress) Snapshot() types.MigrationProgress {
	return types.MigrationProgress{
		Scanned:          p.scanned.Load(),
		Moved:            p.moved.Load(),
		Skipped:          p.skipped.Load(),
		Conflicts:        p.conflicts.Load(),
		Failed:           int64(len(p.Failures())),
		DeletesCommitted: p.deletes.Load(),
	}
}

// Failures returns the unresolved keys: carried failures first, then the
// failures of this run.
func (p *Progress) Failures() []types.FailedMigration {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.FailedMigration, 0, len(p.carried)+len(p.failures))
	if len(p.carried) > 0 {
		failedAgain := make(map[string]struct{}, len(p.failures))
		for _, f := range p.failures {
			failedAgain[f.Key] = struct{}{}
		}
		for _, f := range p.carried {
			if _, ok := p.resolved[f.Key]; ok {
				continue
			}
			if _, ok := failedAgain[f.Key]; ok {
				continue
			}
			out = append(out, f)
		}
	}

	return append(out, p.failures...)
}

func (p *Progress) addFailure(f types.FailedMigration) {
	p.failed.Add(1)
	p.mu.Lock()
	p.failures = append(p.failures, f)
	p.mu.Unlock()
}

// resolve clears a carried failure of key.
func (p *Progress) resolve(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.carried) == 0 {
		return
	}
	if p.resolved == nil {
		p.resolved = make(map[string]struct{})
	}
	p.resolved[key] = struct{}{}
}
