package shardring

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/arloliu/shardring/internal/hash"
	"github.com/arloliu/shardring/internal/rebalance"
)

// errInterrupted marks an operation found in flight when the router started.
var errInterrupted = errors.New("operation interrupted by router restart")

// Operation is the handle of an asynchronous topology change.
//
// AddShard and RemoveShard return immediately with an Operation; the migration
// runs in the background. Use Wait or Done to follow it.
type Operation struct {
	id        string
	kind      OperationKind
	shard     string
	startedAt time.Time

	mu         sync.Mutex
	status     OperationStatus
	plan       MigrationPlan
	active     MigrationPlan
	target     *hash.Ring
	previous   *hash.Ring
	reverting  bool
	progress   *rebalance.Progress
	saved      MigrationProgress
	failures   []FailedMigration
	attempts   int
	finishedAt time.Time
	err        error
	done       chan struct{}
}

func newOperation(id string, kind OperationKind, shard string, plan MigrationPlan, previous, target *hash.Ring) *Operation {
	plan.Kind = kind
	plan.Shard = shard

	return &Operation{
		id:        id,
		kind:      kind,
		shard:     shard,
		startedAt: time.Now().UTC(),
		status:    OperationPending,
		plan:      plan,
		active:    plan,
		target:    target,
		previous:  previous,
		progress:  rebalance.NewProgress(),
		done:      make(chan struct{}),
	}
}

// ID returns the operation identifier.
func (op *Operation) ID() string { return op.id }

// Kind returns what the operation changes.
func (op *Operation) Kind() OperationKind { return op.kind }

// Shard returns the shard being added or removed.
func (op *Operation) Shard() string { return op.shard }

// Status returns the current status.
func (op *Operation) Status() OperationStatus {
	op.mu.Lock()
	defer op.mu.Unlock()

	return op.status
}

// Done returns a channel closed when the operation stops making progress:
// it completed, failed or was cancelled.
//
// A resumed operation gets a new channel, so call Done again after
// ResumeOperation.
func (op *Operation) Done() <-chan struct{} {
	op.mu.Lock()
	defer op.mu.Unlock()

	return op.done
}

// Err returns the error of a failed operation, nil otherwise.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.status != OperationFailed {
		return nil
	}

	return op.err
}

// Wait blocks until the operation stops or ctx ends.
//
// Parameters:
//   - ctx: Context bounding the wait
//
// Returns:
//   - OperationReport: Report at the time the operation stopped
//   - error: The operation error if it failed, or ctx.Err()
//
// Example:
//
//	op, err := router.AddShard(ctx, "pg-4")
//	if err != nil {
//	    return err
//	}
//	report, err := op.Wait(ctx)
func (op *Operation) Wait(ctx context.Context) (OperationReport, error) {
	select {
	case <-op.Done():
		return op.Report(), op.Err()
	case <-ctx.Done():
		return op.Report(), ctx.Err()
	}
}

// Report returns a point-in-time view of the operation.
func (op *Operation) Report() OperationReport {
	op.mu.Lock()
	defer op.mu.Unlock()

	r := OperationReport{
		ID:         op.id,
		Kind:       op.kind,
		Shard:      op.shard,
		Status:     op.status,
		Plan:       op.plan,
		Attempts:   op.attempts,
		StartedAt:  op.startedAt,
		FinishedAt: op.finishedAt,
	}
	failures := op.failures
	if op.progress != nil {
		r.Progress = op.progress.Snapshot()
		if !op.status.Terminal() {
			failures = op.progress.Failures()
		}
	} else {
		r.Progress = op.saved
	}
	if len(failures) > 0 {
		r.FailedMigrations = append([]FailedMigration(nil), failures...)
	}
	if op.err != nil {
		r.Error = op.err.Error()
	}

	return r
}

// begin starts a new execution attempt with a fresh progress tracker.
//
// A progress that already deleted source keys carries that over, so a resumed
// operation stays non-cancellable. Unresolved failures of the previous attempt
// stay reported until the new attempt moves their keys.
func (op *Operation) begin(status OperationStatus) *rebalance.Progress {
	op.mu.Lock()
	defer op.mu.Unlock()

	next := rebalance.NewProgress()
	if op.progress != nil && op.progress.DeleteStarted() {
		next.BeginDelete()
	}
	next.Carry(op.failures)
	if op.status.Terminal() {
		op.done = make(chan struct{})
	}
	op.progress = next
	op.status = status
	op.attempts++
	op.failures = nil
	op.err = nil
	op.finishedAt = time.Time{}

	return next
}

// startRevert switches the operation to its compensating plan.
//
// Failures of the forward plan are dropped: the revert moves those keys back.
func (op *Operation) startRevert() {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.progress != nil {
		op.progress.Carry(nil)
	}
	op.failures = nil
	op.reverting = true
	op.active = rebalance.Revert(op.plan)
	op.status = OperationCancelling
}

// finish records a terminal status and wakes waiters.
func (op *Operation) finish(status OperationStatus, err error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.status.Terminal() {
		return
	}
	op.status = status
	op.err = err
	op.finishedAt = time.Now().UTC()
	op.failures = nil
	if op.progress != nil {
		if status == OperationFailed {
			op.failures = op.progress.Failures()
		} else {
			// Keys gone from their source no longer need moving.
			op.progress.Carry(nil)
		}
	}
	close(op.done)
}

// rebase points a failed operation at new rings after a shard was force-removed
// around it. Failures involving that shard are dropped with it.
func (op *Operation) rebase(plan MigrationPlan, previous, target *hash.Ring, removed string) {
	op.mu.Lock()
	defer op.mu.Unlock()

	plan.Kind = op.kind
	plan.Shard = op.shard
	op.plan = plan
	op.active = plan
	op.previous = previous
	op.target = target
	op.failures = slices.DeleteFunc(op.failures, func(f FailedMigration) bool {
		return f.From == removed || f.To == removed
	})
	if op.progress != nil {
		op.progress.Forget(removed)
	}
}

// rings returns the rings the operation migrates between.
func (op *Operation) rings() (previous, target *hash.Ring) {
	op.mu.Lock()
	defer op.mu.Unlock()

	return op.previous, op.target
}

// execution returns what the next run executes.
func (op *Operation) execution() (plan MigrationPlan, target *hash.Ring, progress *rebalance.Progress, reverting bool) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.reverting {
		return op.active, op.previous, op.progress, true
	}

	return op.active, op.target, op.progress, false
}

func (op *Operation) isReverting() bool {
	op.mu.Lock()
	defer op.mu.Unlock()

	return op.reverting
}

func (op *Operation) currentProgress() *rebalance.Progress {
	op.mu.Lock()
	defer op.mu.Unlock()

	return op.progress
}

// restoreOperation rebuilds a handle for an operation interrupted by a restart.
//
// A reverting operation resumes its compensating plan.
func restoreOperation(report OperationReport, previous, target *hash.Ring, reverting bool) *Operation {
	op := newOperation(report.ID, report.Kind, report.Shard, report.Plan, previous, target)
	if !report.StartedAt.IsZero() {
		op.startedAt = report.StartedAt
	}
	op.attempts = report.Attempts
	op.failures = report.FailedMigrations
	op.progress.Carry(report.FailedMigrations)
	if reverting {
		op.reverting = true
		op.active = rebalance.Revert(op.plan)
	}
	if report.Progress.DeletesCommitted > 0 {
		op.progress.BeginDelete()
	}
	op.status = OperationFailed
	op.err = errInterrupted
	op.finishedAt = time.Now().UTC()
	close(op.done)

	return op
}

// historicOperation wraps a stored report of a finished operation.
func historicOperation(report OperationReport) *Operation {
	op := &Operation{
		id:         report.ID,
		kind:       report.Kind,
		shard:      report.Shard,
		startedAt:  report.StartedAt,
		status:     report.Status,
		plan:       report.Plan,
		active:     report.Plan,
		saved:      report.Progress,
		failures:   report.FailedMigrations,
		attempts:   report.Attempts,
		finishedAt: report.FinishedAt,
		done:       make(chan struct{}),
	}
	if report.Error != "" {
		op.err = errors.New(report.Error)
	}
	close(op.done)

	return op
}
