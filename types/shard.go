package types

import "fmt"

// ShardStatus is the registry lifecycle state of a shard.
//
// Transitions:
//
//	Unregistered → Active → Draining → Removed
//	Active → Unavailable → Active
//	Unavailable → Removed (forced decommission)
//	Draining → Active (removal cancelled before any source delete)
type ShardStatus int

const (
	// StatusUnregistered is the zero value for shards the registry has never seen.
	StatusUnregistered ShardStatus = iota

	// StatusActive shards serve lookups and receive new key assignments.
	StatusActive

	// StatusDraining shards are the source of outbound migrations and receive no new keys.
	StatusDraining

	// StatusUnavailable shards failed a health check. They stay on the ring; their
	// storage backend is expected to fail reads and writes until recovery.
	StatusUnavailable

	// StatusRemoved shards have left the ring.
	StatusRemoved
)

// String returns the string representation of the status.
func (s ShardStatus) String() string {
	switch s {
	case StatusUnregistered:
		return "Unregistered"
	case StatusActive:
		return "Active"
	case StatusDraining:
		return "Draining"
	case StatusUnavailable:
		return "Unavailable"
	case StatusRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ShardStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ShardStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Unregistered":
		*s = StatusUnregistered
	case "Active":
		*s = StatusActive
	case "Draining":
		*s = StatusDraining
	case "Unavailable":
		*s = StatusUnavailable
	case "Removed":
		*s = StatusRemoved
	default:
		return fmt.Errorf("unknown shard status %q", text)
	}

	return nil
}

// OnRing reports whether shards in this status own virtual nodes on the source ring.
func (s ShardStatus) OnRing() bool {
	return s == StatusActive || s == StatusDraining || s == StatusUnavailable
}

// Assignable reports whether shards in this status receive new key assignments.
func (s ShardStatus) Assignable() bool {
	return s == StatusActive || s == StatusUnavailable
}

// ShardState is the registry record for one shard.
type ShardState struct {
	// ID is the shard identifier placed on the ring.
	ID string `json:"id"`

	// Status is the current lifecycle state.
	Status ShardStatus `json:"status"`

	// JoinedAtVersion is the registry version at which the shard was (last) registered.
	JoinedAtVersion int64 `json:"joinedAtVersion"`

	// UpdatedAtVersion is the registry version of the most recent transition.
	UpdatedAtVersion int64 `json:"updatedAtVersion"`
}
