package shardring

import "github.com/arloliu/shardring/types"

// Re-export types from the internal types package.
//
// Type aliases keep internal packages independent of the root package while
// still offering shardring.ShardState, shardring.Logger, etc. to users.
type (
	Position          = types.Position
	KeyRange          = types.KeyRange
	RangeMove         = types.RangeMove
	ShardStatus       = types.ShardStatus
	ShardState        = types.ShardState
	MigrationPlan     = types.MigrationPlan
	MigrationStage    = types.MigrationStage
	MigrationProgress = types.MigrationProgress
	FailedMigration   = types.FailedMigration
	OperationKind     = types.OperationKind
	OperationStatus   = types.OperationStatus
	OperationReport   = types.OperationReport
	StaleRingError    = types.StaleRingError
	MigrationError    = types.MigrationError
)

// Re-export interfaces from the internal types package for convenience.
type (
	ShardStore       = types.ShardStore
	ConditionalStore = types.ConditionalStore
	StoreResolver    = types.StoreResolver
	KeyEnumerator    = types.KeyEnumerator
	KeyCounter       = types.KeyCounter
	KeyFilter        = types.KeyFilter
	MetricsCollector = types.MetricsCollector
	Logger           = types.Logger
	Hooks            = types.Hooks
)

// Re-export ShardStatus constants.
const (
	StatusUnregistered = types.StatusUnregistered
	StatusActive       = types.StatusActive
	StatusDraining     = types.StatusDraining
	StatusUnavailable  = types.StatusUnavailable
	StatusRemoved      = types.StatusRemoved
)

// Re-export operation constants.
const (
	OperationAddShard    = types.OperationAddShard
	OperationRemoveShard = types.OperationRemoveShard
	OperationForceRemove = types.OperationForceRemove

	OperationPending    = types.OperationPending
	OperationRunning    = types.OperationRunning
	OperationCompleted  = types.OperationCompleted
	OperationFailed     = types.OperationFailed
	OperationCancelling = types.OperationCancelling
	OperationCancelled  = types.OperationCancelled

	StageRead      = types.StageRead
	StageWrite     = types.StageWrite
	StageDelete    = types.StageDelete
	StageEnumerate = types.StageEnumerate
)
