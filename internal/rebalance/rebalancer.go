package rebalance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/shardring/internal/backoff"
	"github.com/arloliu/shardring/internal/hash"
	"github.com/arloliu/shardring/types"
)

// ErrCancelled is returned by Execute when the progress was cancelled.
var ErrCancelled = errors.New("migration cancelled")

// errStopEnumeration ends an enumeration early without reporting a failure.
var errStopEnumeration = errors.New("stop enumeration")

// Config controls migration execution.
type Config struct {
	// Parallelism is the number of keys migrated concurrently.
	Parallelism int

	// Retry is the per-stage retry schedule.
	Retry *backoff.Policy

	// AttemptTimeout bounds a single store call. Zero means no timeout.
	AttemptTimeout time.Duration
}

// Rebalancer moves keys between shard stores according to a migration plan.
type Rebalancer struct {
	stores  types.StoreResolver
	keys    types.KeyEnumerator
	cfg     Config
	logger  types.Logger
	metrics types.MetricsCollector
}

// New creates a rebalancer.
//
// Parameters:
//   - stores: Resolves shard IDs to storage backends
//   - keys: Enumerates the keys held by a shard
//   - cfg: Execution settings
//   - logger: Logger for retries and failures
//   - metrics: Metrics collector for per-key outcomes
//
// Returns:
//   - *Rebalancer: A new rebalancer
func New(stores types.StoreResolver, keys types.KeyEnumerator, cfg Config, logger types.Logger, metrics types.MetricsCollector) *Rebalancer {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Retry == nil {
		cfg.Retry = backoff.NewPolicy(1, 0, 0, 1, 0)
	}

	return &Rebalancer{stores: stores, keys: keys, cfg: cfg, logger: logger, metrics: metrics}
}

// job is one key to migrate.
type job struct {
	key  string
	from string
	to   string

	// overwrite is set for revert plans.
	overwrite bool
}

// Execute migrates every key covered by plan.
//
// Keys are enumerated per source shard and handed to a bounded worker pool.
// Each key is read from its source, written to its destination, and deleted
// from the source only after the write succeeded, so a key is never absent
// from both. Each stage is retried independently with jittered backoff.
//
// Destinations come from the plan's moves; for a full drain they come from
// target.Lookup, since the drained shard may hold keys outside its arcs.
//
// Parameters:
//   - ctx: Cancels enumeration, workers and backoff sleeps
//   - plan: Migration plan
//   - target: Ring the keys migrate into
//   - progress: Counters and cancellation gate
//
// Returns:
//   - error: nil when every key moved; ErrCancelled after TryCancel; an error
//     matching ErrMigrationFailed when keys exhausted their retries (see
//     progress.Failures); the context error on shutdown
func (rb *Rebalancer) Execute(ctx context.Context, plan types.MigrationPlan, target *hash.Ring, progress *Progress) error {
	if len(plan.Moves) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan job, rb.cfg.Parallelism*2)
	var wg sync.WaitGroup
	for range rb.cfg.Parallelism {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if ctx.Err() != nil || progress.Cancelled() {
					continue
				}
				rb.migrate(ctx, j, progress)
			}
		}()
	}

	enumErr := rb.dispatch(ctx, plan, target, progress, jobs)
	close(jobs)
	wg.Wait()

	switch {
	case progress.Cancelled():
		return ErrCancelled
	case enumErr != nil:
		return enumErr
	case ctx.Err() != nil:
		return ctx.Err()
	}

	if n := progress.failed.Load(); n > 0 {
		return fmt.Errorf("%w: %d keys exhausted retries", types.ErrMigrationFailed, n)
	}

	return nil
}

// dispatch enumerates each source shard and queues the keys that move.
func (rb *Rebalancer) dispatch(ctx context.Context, plan types.MigrationPlan, target *hash.Ring, progress *Progress, jobs chan<- job) error {
	for _, source := range plan.Sources() {
		ix := newArcIndex(plan.Moves, source)
		if ix.empty() {
			continue
		}

		var filter types.KeyFilter
		if !plan.FullDrain {
			filter = func(key string) bool {
				_, ok := ix.find(target.KeyPosition(key))
				return ok
			}
		}

		err := rb.keys.Enumerate(ctx, source, filter, func(key string) error {
			if progress.Cancelled() {
				return errStopEnumeration
			}

			to := ""
			if plan.FullDrain {
				to = target.Lookup(key)
			} else if mv, ok := ix.find(target.KeyPosition(key)); ok {
				to = mv.To
			} else {
				return nil
			}
			progress.scanned.Add(1)

			if to == "" || to == source {
				rb.fail(progress, &types.MigrationError{
					Key: key, From: source, To: to, Stage: types.StageWrite,
					Err: types.ErrNoShards,
				})

				return nil
			}

			select {
			case jobs <- job{key: key, from: source, to: to, overwrite: plan.Revert}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

		switch {
		case errors.Is(err, errStopEnumeration):
			return nil
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			merr := &types.MigrationError{From: source, Stage: types.StageEnumerate, Attempts: 1, Err: err}
			rb.logger.Error("key enumeration failed", "shard", source, "error", err)

			return merr
		}
	}

	return nil
}

// migrate moves one key: read, write, then delete.
//
// A forward write never replaces a value already on the destination: clients
// write to the new owner as soon as the ring is published, so such a value is
// newer than the source copy. A revert overwrites, since its sources are where
// clients wrote.
func (rb *Rebalancer) migrate(ctx context.Context, j job, progress *Progress) {
	src, err := rb.stores.Store(j.from)
	if err != nil {
		rb.fail(progress, &types.MigrationError{Key: j.key, From: j.from, To: j.to, Stage: types.StageRead, Err: err})
		return
	}
	dst, err := rb.stores.Store(j.to)
	if err != nil {
		rb.fail(progress, &types.MigrationError{Key: j.key, From: j.from, To: j.to, Stage: types.StageWrite, Err: err})
		return
	}

	var (
		value []byte
		found bool
	)
	attempts, err := rb.retry(ctx, types.StageRead, j, func(ctx context.Context) error {
		var getErr error
		value, found, getErr = src.Get(ctx, j.key)

		return getErr
	})
	if err != nil {
		rb.fail(progress, &types.MigrationError{Key: j.key, From: j.from, To: j.to, Stage: types.StageRead, Attempts: attempts, Err: err})
		return
	}
	if !found {
		// Already moved by an earlier run.
		progress.skipped.Add(1)
		progress.resolve(j.key)
		rb.metrics.RecordKeyMigration("skipped")

		return
	}

	conflict := false
	attempts, err = rb.retry(ctx, types.StageWrite, j, func(ctx context.Context) error {
		var putErr error
		conflict, putErr = rb.write(ctx, dst, j, value)

		return putErr
	})
	if err != nil {
		rb.fail(progress, &types.MigrationError{Key: j.key, From: j.from, To: j.to, Stage: types.StageWrite, Attempts: attempts, Err: err})
		return
	}

	if !progress.BeginDelete() {
		// Cancelled after the write; the compensating plan moves the copy back.
		return
	}
	progress.deletes.Add(1)

	attempts, err = rb.retry(ctx, types.StageDelete, j, func(ctx context.Context) error {
		return src.Delete(ctx, j.key)
	})
	if err != nil {
		rb.fail(progress, &types.MigrationError{Key: j.key, From: j.from, To: j.to, Stage: types.StageDelete, Attempts: attempts, Err: err})
		return
	}

	progress.resolve(j.key)
	if conflict {
		progress.conflicts.Add(1)
		rb.metrics.RecordKeyMigration("conflict")
		rb.logger.Info("destination already holds a newer value, source copy dropped",
			"key", j.key, "from", j.from, "to", j.to)

		return
	}
	progress.moved.Add(1)
	rb.metrics.RecordKeyMigration("moved")
}

// write stores value on the destination and reports whether a different value
// was already there.
func (rb *Rebalancer) write(ctx context.Context, dst types.ShardStore, j job, value []byte) (bool, error) {
	if j.overwrite {
		return false, dst.Put(ctx, j.key, value)
	}

	if cs, ok := dst.(types.ConditionalStore); ok {
		stored, err := cs.PutIfAbsent(ctx, j.key, value)
		if err != nil || stored {
			return false, err
		}
	} else {
		_, exists, err := dst.Get(ctx, j.key)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, dst.Put(ctx, j.key, value)
		}
	}

	// An identical value is a write of an earlier run that did not delete.
	current, exists, err := dst.Get(ctx, j.key)
	if err != nil {
		return false, err
	}
	if !exists {
		// Deleted in between; store ours again on the next attempt.
		return false, fmt.Errorf("key %q vanished from %s during migration", j.key, j.to)
	}

	return !bytes.Equal(current, value), nil
}

// retry runs fn until it succeeds, the attempts are exhausted, or ctx ends.
func (rb *Rebalancer) retry(ctx context.Context, stage types.MigrationStage, j job, fn func(context.Context) error) (int, error) {
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		err := rb.attempt(ctx, fn)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if attempt >= rb.cfg.Retry.MaxAttempts {
			return attempt, err
		}

		delay = rb.cfg.Retry.Next(delay)
		rb.metrics.RecordMigrationRetry(stage, delay.Seconds())
		rb.logger.Debug("migration step failed, retrying",
			"key", j.key, "from", j.from, "to", j.to, "stage", stage,
			"attempt", attempt, "backoff", delay, "error", err)

		if err := backoff.Sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
}

func (rb *Rebalancer) attempt(ctx context.Context, fn func(context.Context) error) error {
	if rb.cfg.AttemptTimeout <= 0 {
		return fn(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, rb.cfg.AttemptTimeout)
	defer cancel()

	return fn(actx)
}

func (rb *Rebalancer) fail(progress *Progress, merr *types.MigrationError) {
	rb.logger.Warn("key migration failed",
		"key", merr.Key, "from", merr.From, "to", merr.To,
		"stage", merr.Stage, "attempts", merr.Attempts, "error", merr.Err)
	rb.metrics.RecordKeyMigration("failed")
	progress.addFailure(merr.Failed())
}

// VerifyDrained checks that shard holds no keys.
//
// Uses KeyCounter when the enumerator implements it, otherwise enumerates.
//
// Returns:
//   - int: Remaining key count
//   - error: ErrShardNotDrained when keys remain, or the enumeration error
func (rb *Rebalancer) VerifyDrained(ctx context.Context, shard string) (int, error) {
	var remaining int
	if counter, ok := rb.keys.(types.KeyCounter); ok {
		n, err := counter.CountKeys(ctx, shard)
		if err != nil {
			return 0, fmt.Errorf("failed to count keys of %s: %w", shard, err)
		}
		remaining = n
	} else {
		err := rb.keys.Enumerate(ctx, shard, nil, func(string) error {
			remaining++
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("failed to enumerate keys of %s: %w", shard, err)
		}
	}

	if remaining > 0 {
		return remaining, fmt.Errorf("%w: %s still holds %d keys", types.ErrShardNotDrained, shard, remaining)
	}

	return 0, nil
}
