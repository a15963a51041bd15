package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the shardring library.
//
// These errors provide type-safe error checking using errors.Is() and errors.As().
// All components should use these sentinel errors for known error conditions
// and wrap external errors with context using fmt.Errorf("%s: %w", msg, err).

// Router errors - Public API errors returned by the Router.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStoreResolverRequired is returned when the store resolver is nil.
	ErrStoreResolverRequired = errors.New("store resolver is required")

	// ErrKeyEnumeratorRequired is returned when the key enumerator is nil.
	ErrKeyEnumeratorRequired = errors.New("key enumerator is required")

	// ErrAlreadyStarted is returned when Start is called on a running router.
	ErrAlreadyStarted = errors.New("router already started")

	// ErrNotStarted is returned when operations require a started router.
	ErrNotStarted = errors.New("router not started")

	// ErrNoShards is returned by lookups against an empty ring.
	ErrNoShards = errors.New("no shards on the ring")

	// ErrReadOnly is returned by mutating calls on a follower router.
	ErrReadOnly = errors.New("router is read-only")

	// ErrStaleRing is returned when a caller presents a topology version older than
	// the staleness window allows. Callers refresh their topology and retry.
	ErrStaleRing = errors.New("stale ring version")
)

// Ring errors - Structural errors raised while building the ring.
var (
	// ErrRingConstruction is returned when a unique position cannot be found for a
	// virtual node within the collision retry budget. It is fatal: the operator must
	// change the hash function or the virtual node count.
	ErrRingConstruction = errors.New("ring construction failed")

	// ErrInvalidVirtualNodes is returned when the virtual node count is below one.
	ErrInvalidVirtualNodes = errors.New("virtual nodes per shard must be positive")

	// ErrInvalidShardID is returned for empty shard identifiers.
	ErrInvalidShardID = errors.New("invalid shard ID")
)

// Registry errors - Shard membership errors.
var (
	// ErrShardExists is returned when registering a shard that is already on the ring.
	ErrShardExists = errors.New("shard already exists")

	// ErrShardNotFound is returned for shards the registry does not track.
	ErrShardNotFound = errors.New("shard not found")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid shard status transition")

	// ErrShardUnavailable marks a shard whose backend failed health checks. It drives a
	// registry transition and is never returned from lookups.
	ErrShardUnavailable = errors.New("shard unavailable")
)

// Operation errors - Asynchronous topology change errors.
var (
	// ErrOperationInProgress is returned when a structural change is requested while
	// another one is still running.
	ErrOperationInProgress = errors.New("topology change already in progress")

	// ErrOperationNotFound is returned for unknown operation IDs.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrCannotCancel is returned when cancelling an operation that already committed
	// a delete on a source shard or already finished.
	ErrCannotCancel = errors.New("operation can no longer be cancelled")

	// ErrOperationNotResumable is returned when resuming an operation that did not fail.
	ErrOperationNotResumable = errors.New("operation is not resumable")

	// ErrMigrationFailed is returned when a key exhausted its migration retries.
	ErrMigrationFailed = errors.New("migration failed")

	// ErrShardNotDrained is returned when a draining shard still holds keys after migration.
	ErrShardNotDrained = errors.New("shard still holds keys")
)

// Storage errors.
var (
	// ErrKeyNotFound is returned by stores that report absence as an error.
	ErrKeyNotFound = errors.New("key not found")

	// ErrNoKeysFound is returned when NATS KV returns no keys (expected condition).
	ErrNoKeysFound = errors.New("no keys found")
)

// StaleRingError carries the versions involved in a staleness rejection.
type StaleRingError struct {
	Requested int64
	Current   int64
	Window    int64
}

// Error implements error.
func (e *StaleRingError) Error() string {
	return fmt.Sprintf("%s: requested version %d, current %d, window %d",
		ErrStaleRing, e.Requested, e.Current, e.Window)
}

// Is makes errors.Is(err, ErrStaleRing) match.
func (e *StaleRingError) Is(target error) bool {
	return target == ErrStaleRing
}

// MigrationError describes a single key that could not be migrated.
type MigrationError struct {
	Key      string
	From     string
	To       string
	Stage    MigrationStage
	Attempts int
	Err      error
}

// Error implements error.
func (e *MigrationError) Error() string {
	return fmt.Sprintf("%s: key %q %s->%s at %s after %d attempts: %v",
		ErrMigrationFailed, e.Key, e.From, e.To, e.Stage, e.Attempts, e.Err)
}

// Unwrap returns the underlying storage error.
func (e *MigrationError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrMigrationFailed) match.
func (e *MigrationError) Is(target error) bool {
	return target == ErrMigrationFailed
}

// Failed converts the error into its report form.
func (e *MigrationError) Failed() FailedMigration {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}

	return FailedMigration{
		Key:      e.Key,
		From:     e.From,
		To:       e.To,
		Stage:    e.Stage,
		Attempts: e.Attempts,
		Error:    msg,
	}
}

// IsNoKeysFoundError checks if an error indicates that no keys were found in NATS KV.
//
// This function handles NATS-specific "no keys found" errors which may come as:
//   - Direct error: "nats: no keys found"
//   - Wrapped error: "failed to list KV keys: nats: no keys found"
//
// Parameters:
//   - err: The error to check
//
// Returns:
//   - bool: true if the error indicates no keys were found, false otherwise
func IsNoKeysFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoKeysFound) {
		return true
	}

	return strings.Contains(err.Error(), "no keys found")
}
