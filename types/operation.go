package types

import (
	"fmt"
	"time"
)

// OperationKind identifies the topology change an operation performs.
type OperationKind string

const (
	// OperationAddShard registers a shard and migrates the ranges it takes over.
	OperationAddShard OperationKind = "add_shard"

	// OperationRemoveShard drains a shard and removes it from the ring.
	OperationRemoveShard OperationKind = "remove_shard"

	// OperationForceRemove removes an unavailable shard without draining it.
	OperationForceRemove OperationKind = "force_remove"
)

// OperationStatus is the lifecycle state of a topology change operation.
type OperationStatus string

const (
	// OperationPending operations have been accepted but not started.
	OperationPending OperationStatus = "pending"

	// OperationRunning operations are migrating keys.
	OperationRunning OperationStatus = "running"

	// OperationCompleted operations finished with every key delivered.
	OperationCompleted OperationStatus = "completed"

	// OperationFailed operations finished with undelivered keys; they can be resumed.
	OperationFailed OperationStatus = "failed"

	// OperationCancelling operations are reverting already copied keys.
	OperationCancelling OperationStatus = "cancelling"

	// OperationCancelled operations were rolled back before any source delete.
	OperationCancelled OperationStatus = "cancelled"
)

// Terminal reports whether no further progress will be made without operator action.
func (s OperationStatus) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed || s == OperationCancelled
}

// MigrationStage names the step of a key migration that failed.
type MigrationStage string

const (
	// StageRead is the read of the key from its source shard.
	StageRead MigrationStage = "read"

	// StageWrite is the upsert of the key into its destination shard.
	StageWrite MigrationStage = "write"

	// StageDelete is the delete of the key from its source shard after a durable write.
	StageDelete MigrationStage = "delete"

	// StageEnumerate is the enumeration of keys owned by the source shard.
	StageEnumerate MigrationStage = "enumerate"
)

// MigrationPlan describes the arcs whose ownership changes for one topology transition.
type MigrationPlan struct {
	// Kind is the operation the plan belongs to.
	Kind OperationKind `json:"kind"`

	// Shard is the shard being added or removed.
	Shard string `json:"shard"`

	// FromVersion is the topology version the plan was computed against.
	FromVersion int64 `json:"fromVersion"`

	// ToVersion is the topology version that published the new ring.
	ToVersion int64 `json:"toVersion"`

	// Moves lists the arcs that change owner.
	Moves []RangeMove `json:"moves"`

	// FullDrain makes the executor enumerate every key of the source shards instead
	// of filtering by arc. Used when a shard leaves the ring.
	FullDrain bool `json:"fullDrain"`

	// Revert marks the compensating plan of a cancelled operation. Clients wrote
	// to the sources of a revert while it was forward, so their values win.
	Revert bool `json:"revert,omitempty"`
}

// Sources returns the distinct non-empty source shards of the plan in first-seen order.
func (p MigrationPlan) Sources() []string {
	seen := make(map[string]struct{}, len(p.Moves))
	sources := make([]string, 0, len(p.Moves))
	for _, mv := range p.Moves {
		if mv.From == "" {
			continue
		}
		if _, ok := seen[mv.From]; ok {
			continue
		}
		seen[mv.From] = struct{}{}
		sources = append(sources, mv.From)
	}

	return sources
}

// Reverse returns the compensating plan that moves every arc back to its previous owner.
//
// Arcs without a previous owner are dropped since there is nowhere to return them.
func (p MigrationPlan) Reverse() MigrationPlan {
	rev := MigrationPlan{
		Kind:        p.Kind,
		Shard:       p.Shard,
		FromVersion: p.ToVersion,
		ToVersion:   p.FromVersion,
		Moves:       make([]RangeMove, 0, len(p.Moves)),
		Revert:      !p.Revert,
	}
	for _, mv := range p.Moves {
		if mv.From == "" {
			continue
		}
		rev.Moves = append(rev.Moves, RangeMove{Range: mv.Range, From: mv.To, To: mv.From})
	}

	return rev
}

// FailedMigration is a key that exhausted its retries.
//
// Failed keys stay on the operation report until a resumed run delivers them.
type FailedMigration struct {
	Key      string         `json:"key"`
	From     string         `json:"from"`
	To       string         `json:"to"`
	Stage    MigrationStage `json:"stage"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error"`
}

// MigrationProgress counts keys handled by an operation.
type MigrationProgress struct {
	// Scanned is the number of keys yielded by the enumerator.
	Scanned int64 `json:"scanned"`

	// Moved is the number of keys written to their destination and deleted from the source.
	Moved int64 `json:"moved"`

	// Skipped is the number of keys already absent from the source.
	Skipped int64 `json:"skipped"`

	// Failed is the number of keys that exhausted retries and are still unresolved.
	Failed int64 `json:"failed"`

	// Conflicts is the number of keys a client wrote to the destination before
	// migration reached them. The client value is kept and the source copy dropped.
	Conflicts int64 `json:"conflicts,omitempty"`

	// DeletesCommitted is the number of source deletes started. Once non-zero the
	// operation can no longer be cancelled.
	DeletesCommitted int64 `json:"deletesCommitted"`
}

// OperationReport is a point-in-time view of a topology change operation.
type OperationReport struct {
	ID               string            `json:"id"`
	Kind             OperationKind     `json:"kind"`
	Shard            string            `json:"shard"`
	Status           OperationStatus   `json:"status"`
	Plan             MigrationPlan     `json:"plan"`
	Progress         MigrationProgress `json:"progress"`
	FailedMigrations []FailedMigration `json:"failedMigrations,omitempty"`
	Attempts         int               `json:"attempts"`
	StartedAt        time.Time         `json:"startedAt"`
	FinishedAt       time.Time         `json:"finishedAt,omitzero"`
	Error            string            `json:"error,omitempty"`
}

// String returns a short human-readable summary of the report.
func (r OperationReport) String() string {
	return fmt.Sprintf("%s %s(%s): moved=%d skipped=%d failed=%d",
		r.ID, r.Kind, r.Shard, r.Progress.Moved, r.Progress.Skipped, len(r.FailedMigrations))
}
