package shardring

import "github.com/arloliu/shardring/types"

// Sentinel errors returned by the Router.
//
// They are re-exported from the types package so callers can match them with
// errors.Is without importing types.
var (
	ErrInvalidConfig         = types.ErrInvalidConfig
	ErrStoreResolverRequired = types.ErrStoreResolverRequired
	ErrKeyEnumeratorRequired = types.ErrKeyEnumeratorRequired
	ErrAlreadyStarted        = types.ErrAlreadyStarted
	ErrNotStarted            = types.ErrNotStarted
	ErrNoShards              = types.ErrNoShards
	ErrReadOnly              = types.ErrReadOnly
	ErrStaleRing             = types.ErrStaleRing

	ErrRingConstruction    = types.ErrRingConstruction
	ErrInvalidVirtualNodes = types.ErrInvalidVirtualNodes
	ErrInvalidShardID      = types.ErrInvalidShardID

	ErrShardExists       = types.ErrShardExists
	ErrShardNotFound     = types.ErrShardNotFound
	ErrInvalidTransition = types.ErrInvalidTransition
	ErrShardUnavailable  = types.ErrShardUnavailable

	ErrOperationInProgress   = types.ErrOperationInProgress
	ErrOperationNotFound     = types.ErrOperationNotFound
	ErrCannotCancel          = types.ErrCannotCancel
	ErrOperationNotResumable = types.ErrOperationNotResumable
	ErrMigrationFailed       = types.ErrMigrationFailed
	ErrShardNotDrained       = types.ErrShardNotDrained

	ErrKeyNotFound = types.ErrKeyNotFound
)
