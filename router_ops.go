package shardring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/shardring/internal/hash"
	"github.com/arloliu/shardring/internal/rebalance"
	"github.com/arloliu/shardring/internal/topology"
)

// AddShard registers a shard and migrates the ranges it takes over.
//
// The new ring is published immediately; keys move in the background. Lookups
// return the new owner right away, and Locate reports the previous owner until
// the operation completes.
//
// Parameters:
//   - ctx: Context for publishing the new topology
//   - shardID: Shard to add; a removed shard may be added again
//
// Returns:
//   - *Operation: Handle of the migration
//   - error: ErrOperationInProgress, ErrShardExists, ErrReadOnly or ErrNotStarted
//
// Example:
//
//	op, err := router.AddShard(ctx, "pg-4")
//	if err != nil {
//	    return err
//	}
//	<-op.Done()
func (r *Router) AddShard(ctx context.Context, shardID string) (*Operation, error) {
	if err := r.checkWritable(); err != nil {
		return nil, err
	}
	if shardID == "" {
		return nil, ErrInvalidShardID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return nil, fmt.Errorf("%w: %s", ErrOperationInProgress, r.current.ID())
	}
	if st, ok := r.registry.Get(shardID); ok && st.Status != StatusRemoved {
		return nil, fmt.Errorf("%w: %s is %s", ErrShardExists, shardID, st.Status)
	}

	cur := r.topo.Load()
	next, err := r.changeRing(cur.ring.Insert, shardID)
	if err != nil {
		return nil, err
	}

	fromVersion := r.registry.Version()
	if _, err := r.registry.RegisterShard(shardID); err != nil {
		return nil, err
	}

	plan := rebalance.PlanAdd(cur.ring, next, shardID)
	plan.FromVersion, plan.ToVersion = fromVersion, r.registry.Version()

	return r.startLocked(ctx, newOperation(newOperationID(), OperationAddShard, shardID, plan, cur.ring, next)), nil
}

// RemoveShard drains a shard and removes it once it holds no keys.
//
// The shard leaves the assignment ring immediately. Every key it stores is
// moved to its owner on the new ring; the shard is marked Removed only after
// the drain is verified.
//
// Parameters:
//   - ctx: Context for publishing the new topology
//   - shardID: Active shard to remove
//
// Returns:
//   - *Operation: Handle of the migration
//   - error: ErrOperationInProgress, ErrShardNotFound, ErrInvalidTransition,
//     ErrNoShards when removing the last shard, ErrReadOnly or ErrNotStarted
func (r *Router) RemoveShard(ctx context.Context, shardID string) (*Operation, error) {
	if err := r.checkWritable(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return nil, fmt.Errorf("%w: %s", ErrOperationInProgress, r.current.ID())
	}
	if err := r.checkRemovable(shardID, StatusActive); err != nil {
		return nil, err
	}

	cur := r.topo.Load()
	next, err := r.changeRing(cur.ring.Remove, shardID)
	if err != nil {
		return nil, err
	}

	fromVersion := r.registry.Version()
	if _, err := r.registry.MarkDraining(shardID); err != nil {
		return nil, err
	}

	plan := rebalance.PlanRemove(cur.ring, next, shardID)
	plan.FromVersion, plan.ToVersion = fromVersion, r.registry.Version()

	return r.startLocked(ctx, newOperation(newOperationID(), OperationRemoveShard, shardID, plan, cur.ring, next)), nil
}

// ForceRemoveShard removes an Unavailable shard without draining it.
//
// The keys stored on the shard are not migrated. Use it to decommission a
// backend that is not coming back.
//
// A failed forward operation that cannot finish because the shard is gone does
// not block the removal: its rings and plan are rebuilt without the shard, and
// ResumeOperation continues it.
//
// Returns:
//   - *Operation: Completed operation recording the removed ranges
//   - error: ErrInvalidTransition when the shard is not Unavailable,
//     ErrShardNotFound, ErrNoShards, ErrOperationInProgress, ErrReadOnly or ErrNotStarted
func (r *Router) ForceRemoveShard(ctx context.Context, shardID string) (*Operation, error) {
	if err := r.checkWritable(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if op := r.current; op != nil {
		if !forceRemovableAround(op, shardID) {
			return nil, fmt.Errorf("%w: %s", ErrOperationInProgress, op.ID())
		}
		if err := r.checkRemovable(shardID, StatusUnavailable); err != nil {
			return nil, err
		}

		return r.forceRemoveAroundLocked(ctx, op, shardID)
	}
	if err := r.checkRemovable(shardID, StatusUnavailable); err != nil {
		return nil, err
	}

	cur := r.topo.Load()
	start := time.Now()
	next, moves, err := cur.ring.Remove(shardID)
	r.metrics.RecordRingBuildDuration(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	fromVersion := r.registry.Version()
	if _, err := r.registry.MarkRemoved(shardID); err != nil {
		return nil, err
	}

	plan := MigrationPlan{
		Kind:        OperationForceRemove,
		Shard:       shardID,
		FromVersion: fromVersion,
		ToVersion:   r.registry.Version(),
		Moves:       moves,
	}
	op := newOperation(newOperationID(), OperationForceRemove, shardID, plan, cur.ring, next)
	r.ops.Store(op.ID(), op)
	op.begin(OperationRunning)

	r.installLocked(ctx, &ringState{version: plan.ToVersion, ring: next}, "force_remove")
	r.completeLocked(op)

	r.logger.Warn("shard force-removed without drain",
		"shard", shardID,
		"operation", op.ID(),
		"arcs", len(moves),
	)

	return op, nil
}

// forceRemovableAround reports whether shardID may be force-removed while op
// holds the in-flight slot.
func forceRemovableAround(op *Operation, shardID string) bool {
	return op.Status() == OperationFailed && !op.isReverting() &&
		op.Kind() != OperationForceRemove && op.Shard() != shardID
}

// forceRemoveAroundLocked removes shardID from both rings of the failed
// operation op. r.mu must be held.
func (r *Router) forceRemoveAroundLocked(ctx context.Context, op *Operation, shardID string) (*Operation, error) {
	previous, target := op.rings()

	start := time.Now()
	nextPrevious, _, err := previous.Remove(shardID)
	if err != nil {
		return nil, err
	}
	nextTarget, moves, err := target.Remove(shardID)
	r.metrics.RecordRingBuildDuration(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	fromVersion := r.registry.Version()
	if _, err := r.registry.MarkRemoved(shardID); err != nil {
		return nil, err
	}
	toVersion := r.registry.Version()

	stored := op.Report().Plan
	plan := planFor(stored, op.Kind(), nextPrevious, nextTarget, op.Shard())
	plan.ToVersion = toVersion
	op.rebase(plan, nextPrevious, nextTarget, shardID)

	force := newOperation(newOperationID(), OperationForceRemove, shardID, MigrationPlan{
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Moves:       moves,
	}, target, nextTarget)
	r.ops.Store(force.ID(), force)
	force.begin(OperationRunning)

	r.installLocked(ctx, &ringState{
		version: toVersion,
		ring:    nextTarget,
		source:  nextPrevious,
		pending: pendingFor(op, nextPrevious, false),
	}, "force_remove")
	r.saveOperation(op)
	r.completeLocked(force)

	r.logger.Warn("shard force-removed without drain, failed operation rebased",
		"shard", shardID,
		"operation", force.ID(),
		"rebased", op.ID(),
		"arcs", len(moves),
	)

	return force, nil
}

// CancelOperation stops an operation and reverts the keys it already copied.
//
// Cancellation is possible until the first source delete. A running operation
// stops dispatching and reverts in the background; a failed one reverts
// immediately. Wait on the operation to observe OperationCancelled.
//
// Returns:
//   - error: ErrOperationNotFound, ErrCannotCancel, ErrReadOnly or ErrNotStarted
func (r *Router) CancelOperation(_ context.Context, id string) error {
	if err := r.checkWritable(); err != nil {
		return err
	}

	op, err := r.Operation(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if op.Kind() == OperationForceRemove {
		return fmt.Errorf("%w: %s is a forced removal", ErrCannotCancel, id)
	}

	switch status := op.Status(); status {
	case OperationRunning:
		if !op.currentProgress().TryCancel() {
			return fmt.Errorf("%w: %s already deleted source keys", ErrCannotCancel, id)
		}
		r.logger.Info("operation cancellation requested", "operation", id)

		return nil
	case OperationFailed:
		if r.current != op || op.isReverting() {
			return fmt.Errorf("%w: %s is %s", ErrCannotCancel, id, status)
		}
		if !op.currentProgress().TryCancel() {
			return fmt.Errorf("%w: %s already deleted source keys", ErrCannotCancel, id)
		}
		r.prepareRevertLocked(op)
		r.launch(op)

		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrCannotCancel, id, status)
	}
}

// ResumeOperation re-executes the plan of a failed operation.
//
// Keys already migrated are skipped, so a resumed run only retries what is
// left. An operation that failed while reverting resumes its revert.
//
// Returns:
//   - *Operation: The resumed operation; call Done again to wait for it
//   - error: ErrOperationNotFound, ErrOperationNotResumable, ErrReadOnly or ErrNotStarted
func (r *Router) ResumeOperation(_ context.Context, id string) (*Operation, error) {
	if err := r.checkWritable(); err != nil {
		return nil, err
	}

	op, err := r.Operation(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if op.Status() != OperationFailed || r.current != op {
		return nil, fmt.Errorf("%w: %s is %s", ErrOperationNotResumable, id, op.Status())
	}

	status := OperationRunning
	if op.isReverting() {
		status = OperationCancelling
	}
	op.begin(status)
	r.saveOperation(op)
	r.launch(op)

	r.logger.Info("operation resumed", "operation", id, "reverting", op.isReverting())

	return op, nil
}

// MarkUnavailable records a failed shard backend.
//
// The shard keeps its ring positions: lookups still return it and its storage
// calls fail until it recovers or is force-removed.
//
// Returns:
//   - error: ErrShardNotFound, ErrInvalidTransition, ErrReadOnly or ErrNotStarted
func (r *Router) MarkUnavailable(shardID string) error {
	if err := r.checkWritable(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.registry.MarkUnavailable(shardID); err != nil {
		return err
	}
	r.logger.Warn("shard marked unavailable", "shard", shardID)
	r.refreshLocked("shard_unavailable")

	return nil
}

// MarkActive records the recovery of an Unavailable shard.
//
// Returns:
//   - error: ErrShardNotFound, ErrInvalidTransition, ErrReadOnly or ErrNotStarted
func (r *Router) MarkActive(shardID string) error {
	if err := r.checkWritable(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.registry.Get(shardID); ok && st.Status != StatusUnavailable {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, shardID, st.Status, StatusActive)
	}
	if _, err := r.registry.MarkActive(shardID); err != nil {
		return err
	}
	r.logger.Info("shard marked active", "shard", shardID)
	r.refreshLocked("shard_active")

	return nil
}

// checkRemovable verifies shardID has status want and is not the last
// assignable shard. r.mu must be held.
func (r *Router) checkRemovable(shardID string, want ShardStatus) error {
	st, ok := r.registry.Get(shardID)
	if !ok || st.Status == StatusRemoved {
		return fmt.Errorf("%w: %s", ErrShardNotFound, shardID)
	}
	if st.Status != want {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrInvalidTransition, shardID, st.Status, want)
	}
	if len(r.registry.AssignableMembers()) <= 1 {
		return fmt.Errorf("%w: %s is the last shard", ErrNoShards, shardID)
	}

	return nil
}

func (r *Router) changeRing(change func(string) (*hash.Ring, []RangeMove, error), shardID string) (*hash.Ring, error) {
	start := time.Now()
	next, _, err := change(shardID)
	r.metrics.RecordRingBuildDuration(time.Since(start).Seconds())

	return next, err
}

// startLocked publishes the ring of op and starts migrating. r.mu must be held.
func (r *Router) startLocked(ctx context.Context, op *Operation) *Operation {
	r.ops.Store(op.ID(), op)
	op.begin(OperationRunning)

	r.logger.Info("operation started",
		"operation", op.ID(),
		"kind", op.Kind(),
		"shard", op.Shard(),
		"arcs", len(op.plan.Moves),
	)

	if len(op.plan.Moves) == 0 {
		r.installLocked(ctx, &ringState{version: op.plan.ToVersion, ring: op.target}, string(op.Kind()))
		r.completeLocked(op)

		return op
	}

	r.current = op
	r.installLocked(ctx, &ringState{
		version: op.plan.ToVersion,
		ring:    op.target,
		source:  op.previous,
		pending: pendingFor(op, op.previous, false),
	}, string(op.Kind()))
	r.saveOperation(op)
	r.launch(op)

	return op
}

func (r *Router) launch(op *Operation) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(op)
	}()
}

// run executes op until it completes, fails or finishes reverting.
func (r *Router) run(op *Operation) {
	for {
		plan, target, progress, reverting := op.execution()

		err := r.rebalancer.Execute(r.ctx, plan, target, progress)
		if err == nil && !reverting && op.Kind() == OperationRemoveShard {
			_, err = r.rebalancer.VerifyDrained(r.ctx, op.Shard())
		}

		r.mu.Lock()
		if !reverting && (errors.Is(err, rebalance.ErrCancelled) || progress.Cancelled()) {
			r.prepareRevertLocked(op)
			r.mu.Unlock()

			continue
		}

		switch {
		case err != nil:
			r.failLocked(op, err)
		case reverting:
			r.finishCancelLocked(op)
		default:
			r.finishForwardLocked(op)
		}
		r.mu.Unlock()

		return
	}
}

// prepareRevertLocked switches op to its compensating plan and serves the
// previous ring again. r.mu must be held.
func (r *Router) prepareRevertLocked(op *Operation) {
	op.begin(OperationCancelling)
	op.startRevert()

	r.logger.Info("reverting operation", "operation", op.ID(), "kind", op.Kind(), "shard", op.Shard())

	r.installLocked(context.Background(), &ringState{
		version: r.registry.Version(),
		ring:    op.previous,
		source:  op.target,
		pending: pendingFor(op, op.target, true),
	}, "operation_reverting")
	r.saveOperation(op)
}

func (r *Router) finishForwardLocked(op *Operation) {
	if op.Kind() == OperationRemoveShard {
		if _, err := r.registry.MarkRemoved(op.Shard()); err != nil {
			r.logger.Error("failed to mark drained shard removed", "shard", op.Shard(), "error", err)
		}
	}

	r.installLocked(context.Background(), &ringState{version: r.registry.Version(), ring: op.target}, "operation_completed")
	r.current = nil
	r.completeLocked(op)
}

func (r *Router) finishCancelLocked(op *Operation) {
	var err error
	switch op.Kind() {
	case OperationAddShard:
		err = r.retireLocked(op.Shard())
	case OperationRemoveShard:
		_, err = r.registry.MarkActive(op.Shard())
	}
	if err != nil {
		r.logger.Error("failed to restore shard status after cancel", "shard", op.Shard(), "error", err)
	}

	r.installLocked(context.Background(), &ringState{version: r.registry.Version(), ring: op.previous}, "operation_cancelled")
	r.current = nil
	r.endLocked(op, OperationCancelled, nil)
}

// retireLocked removes a shard whose addition was cancelled.
func (r *Router) retireLocked(shardID string) error {
	st, ok := r.registry.Get(shardID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrShardNotFound, shardID)
	}
	if st.Status == StatusActive {
		if _, err := r.registry.MarkDraining(shardID); err != nil {
			return err
		}
	}
	_, err := r.registry.MarkRemoved(shardID)

	return err
}

// failLocked records a failed run. The operation keeps the in-flight slot until
// it is resumed or cancelled.
func (r *Router) failLocked(op *Operation, err error) {
	r.endLocked(op, OperationFailed, err)
	r.notifyError(fmt.Errorf("operation %s failed: %w", op.ID(), err))
}

func (r *Router) completeLocked(op *Operation) {
	r.endLocked(op, OperationCompleted, nil)
}

func (r *Router) endLocked(op *Operation, status OperationStatus, err error) {
	op.finish(status, err)
	report := op.Report()

	r.metrics.RecordOperation(op.Kind(), status, time.Since(report.StartedAt).Seconds())
	if n := len(report.FailedMigrations); n > 0 {
		r.metrics.RecordFailedMigrations(n)
	}

	if err != nil {
		r.logger.Error("operation failed",
			"operation", op.ID(),
			"kind", op.Kind(),
			"shard", op.Shard(),
			"failed_keys", len(report.FailedMigrations),
			"error", err,
		)
	} else {
		r.logger.Info("operation finished",
			"operation", op.ID(),
			"kind", op.Kind(),
			"shard", op.Shard(),
			"status", status,
			"moved", report.Progress.Moved,
		)
	}

	r.saveOperation(op)
	r.notifyFinished(report)
}

// refreshLocked republishes the current rings at the registry version.
func (r *Router) refreshLocked(reason string) {
	next := *r.topo.Load()
	next.version = r.registry.Version()
	r.installLocked(context.Background(), &next, reason)
}

func pendingFor(op *Operation, source *hash.Ring, reverting bool) *topology.Pending {
	return &topology.Pending{
		OperationID:   op.ID(),
		Kind:          op.Kind(),
		Shard:         op.Shard(),
		SourceMembers: source.Shards(),
		Reverting:     reverting,
	}
}
