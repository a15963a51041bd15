// Package topology persists router topology snapshots and operation reports in
// NATS JetStream KV, and lets follower routers watch for new snapshots.
package topology

import (
	"time"

	"github.com/arloliu/shardring/types"
)

// Key layout inside the topology bucket.
const (
	snapshotKey        = "topology.current"
	operationKeyPrefix = "operation."
)

// Snapshot is the persisted form of a router topology.
type Snapshot struct {
	// Version is the registry version the snapshot was taken at.
	Version int64 `json:"version"`

	// Shards is every known shard and its status.
	Shards []types.ShardState `json:"shards"`

	// Members are the shards of the assignment ring. They differ from the
	// assignable shards of the registry only while a change is being reverted.
	Members []string `json:"members"`

	// VirtualNodesPerShard and HashFunction pin the ring parameters; a router
	// configured differently refuses to restore the snapshot.
	VirtualNodesPerShard int    `json:"virtualNodesPerShard"`
	HashFunction         string `json:"hashFunction"`

	// Pending is set while a structural change is migrating keys.
	Pending *Pending `json:"pending,omitempty"`

	PublishedAt time.Time `json:"publishedAt"`
}

// Pending describes an in-flight migration so followers can still resolve the
// previous owner of a key.
type Pending struct {
	OperationID string              `json:"operationId"`
	Kind        types.OperationKind `json:"kind"`
	Shard       string              `json:"shard"`

	// SourceMembers are the shards of the ring keys are migrating away from.
	SourceMembers []string `json:"sourceMembers"`

	// Reverting is set while a cancelled change moves keys back.
	Reverting bool `json:"reverting,omitempty"`
}

func (s Snapshot) pendingID() string {
	if s.Pending == nil {
		return ""
	}
	if s.Pending.Reverting {
		return s.Pending.OperationID + "/revert"
	}

	return s.Pending.OperationID
}
