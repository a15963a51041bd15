package hash

import (
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strconv"

	"github.com/arloliu/shardring/types"
)

const (
	// DefaultVirtualNodes is the number of virtual nodes placed per shard.
	DefaultVirtualNodes = 100

	// MaxCollisionRetries bounds the salted rehashes tried for one virtual node.
	MaxCollisionRetries = 16
)

// VirtualNode is one point owned by a shard on the ring.
type VirtualNode struct {
	// Position is the point on the ring.
	Position types.Position `json:"position"`

	// ShardID is the owning shard.
	ShardID string `json:"shardId"`

	// Index is the virtual node number within the shard, in [0, virtualNodes).
	Index int `json:"index"`

	// Salt is the number of rehashes needed to find a free position (0 when the
	// first hash was free).
	Salt int `json:"salt,omitempty"`
}

// Ring is an immutable consistent hash ring with virtual nodes.
//
// A ring is a pure function of its shard set, virtual node count and hash
// function: shards are placed in sorted order so removing a shard and adding
// it back reproduces the same ring bit for bit. Mutations return a new ring and
// leave the receiver untouched, so a *Ring can be shared between goroutines
// without locking.
type Ring struct {
	// nodes contains all virtual nodes on the ring, sorted by position
	nodes []VirtualNode

	// shards holds the sorted unique shard IDs present on the ring
	shards []string

	virtualNodes int
	hasher       Hasher
}

// NewRing builds a ring over the given shards.
//
// Parameters:
//   - shards: Shard IDs to place (duplicates are ignored, order does not matter)
//   - virtualNodesPerShard: Virtual nodes per shard (must be positive)
//   - hasher: Hash function used for virtual nodes and keys
//
// Returns:
//   - *Ring: The ring
//   - error: ErrInvalidVirtualNodes, ErrInvalidShardID, or ErrRingConstruction
//     when a virtual node cannot find a free position after MaxCollisionRetries
//
// Example:
//
//	ring, err := hash.NewRing([]string{"shard-a", "shard-b"}, 100, hash.NewSHA256())
//	if err != nil {
//	    return err
//	}
//	owner := ring.Lookup("user:42")
func NewRing(shards []string, virtualNodesPerShard int, hasher Hasher) (*Ring, error) {
	if virtualNodesPerShard <= 0 {
		return nil, fmt.Errorf("%w: got %d", types.ErrInvalidVirtualNodes, virtualNodesPerShard)
	}
	if hasher == nil {
		hasher = NewSHA256()
	}

	sorted := make([]string, 0, len(shards))
	for _, id := range shards {
		if id == "" {
			return nil, types.ErrInvalidShardID
		}
		sorted = append(sorted, id)
	}
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	r := &Ring{
		nodes:        make([]VirtualNode, 0, len(sorted)*virtualNodesPerShard),
		shards:       sorted,
		virtualNodes: virtualNodesPerShard,
		hasher:       hasher,
	}

	occupied := make(map[types.Position]struct{}, len(sorted)*virtualNodesPerShard)
	var buf []byte
	for _, id := range sorted {
		for i := range virtualNodesPerShard {
			node, err := r.place(id, i, occupied, &buf)
			if err != nil {
				return nil, err
			}
			occupied[node.Position] = struct{}{}
			r.nodes = append(r.nodes, node)
		}
	}

	slices.SortFunc(r.nodes, func(a, b VirtualNode) int {
		return a.Position.Compare(b.Position)
	})

	return r, nil
}

// place finds a free position for virtual node i of shard id.
func (r *Ring) place(id string, i int, occupied map[types.Position]struct{}, buf *[]byte) (VirtualNode, error) {
	for salt := 0; salt <= MaxCollisionRetries; salt++ {
		*buf = virtualNodeKey((*buf)[:0], id, i, salt)
		pos := r.hasher.Hash(*buf)
		if _, taken := occupied[pos]; !taken {
			return VirtualNode{Position: pos, ShardID: id, Index: i, Salt: salt}, nil
		}
	}

	return VirtualNode{}, fmt.Errorf("%w: virtual node %d of shard %q collided %d times",
		types.ErrRingConstruction, i, id, MaxCollisionRetries+1)
}

// virtualNodeKey appends the hash input for a virtual node: "id#i", or
// "id#i#salt" for rehashes.
func virtualNodeKey(dst []byte, id string, i int, salt int) []byte {
	dst = append(dst, id...)
	dst = append(dst, '#')
	dst = strconv.AppendInt(dst, int64(i), 10)
	if salt > 0 {
		dst = append(dst, '#')
		dst = strconv.AppendInt(dst, int64(salt), 10)
	}

	return dst
}

// Lookup returns the shard owning key, or "" when the ring is empty.
//
// The owner is the first virtual node clockwise at or after the key's hash,
// wrapping to the first node when the hash is past the last one.
func (r *Ring) Lookup(key string) string {
	if len(r.nodes) == 0 {
		return ""
	}

	return r.nodes[r.search(r.hasher.HashString(key))].ShardID
}

// LookupHash returns the shard owning position h, or "" when the ring is empty.
func (r *Ring) LookupHash(h types.Position) string {
	if len(r.nodes) == 0 {
		return ""
	}

	return r.nodes[r.search(h)].ShardID
}

// KeyPosition returns the ring position of key.
func (r *Ring) KeyPosition(key string) types.Position {
	return r.hasher.HashString(key)
}

// search returns the index of the first node at or after h, wrapping to 0.
func (r *Ring) search(h types.Position) int {
	idx, _ := slices.BinarySearchFunc(r.nodes, h, func(n VirtualNode, t types.Position) int {
		return n.Position.Compare(t)
	})
	if idx >= len(r.nodes) {
		idx = 0
	}

	return idx
}

// Insert returns a new ring with shard added, plus the arcs whose owner changed.
//
// Every returned move has To == shard.
//
// Returns:
//   - *Ring: The new ring
//   - []types.RangeMove: Arcs taken over by the new shard
//   - error: ErrShardExists, ErrInvalidShardID, or ErrRingConstruction
func (r *Ring) Insert(shard string) (*Ring, []types.RangeMove, error) {
	if shard == "" {
		return nil, nil, types.ErrInvalidShardID
	}
	if r.Contains(shard) {
		return nil, nil, fmt.Errorf("%w: %s", types.ErrShardExists, shard)
	}

	next, err := NewRing(append(slices.Clone(r.shards), shard), r.virtualNodes, r.hasher)
	if err != nil {
		return nil, nil, err
	}

	return next, Diff(r, next), nil
}

// Remove returns a new ring without shard, plus the arcs whose owner changed.
//
// Every returned move has From == shard. Removing the last shard yields an
// empty ring and a move with an empty To.
func (r *Ring) Remove(shard string) (*Ring, []types.RangeMove, error) {
	if !r.Contains(shard) {
		return nil, nil, fmt.Errorf("%w: %s", types.ErrShardNotFound, shard)
	}

	remaining := make([]string, 0, len(r.shards)-1)
	for _, id := range r.shards {
		if id != shard {
			remaining = append(remaining, id)
		}
	}

	next, err := NewRing(remaining, r.virtualNodes, r.hasher)
	if err != nil {
		return nil, nil, err
	}

	return next, Diff(r, next), nil
}

// Contains reports whether shard has virtual nodes on the ring.
func (r *Ring) Contains(shard string) bool {
	_, found := slices.BinarySearch(r.shards, shard)

	return found
}

// Shards returns the sorted shard IDs on the ring.
func (r *Ring) Shards() []string {
	return slices.Clone(r.shards)
}

// Size returns the total number of virtual nodes on the ring.
func (r *Ring) Size() int {
	return len(r.nodes)
}

// VirtualNodesPerShard returns the configured virtual node count.
func (r *Ring) VirtualNodesPerShard() int {
	return r.virtualNodes
}

// Hasher returns the ring's hash function.
func (r *Ring) Hasher() Hasher {
	return r.hasher
}

// VirtualNodes returns a copy of the ring's nodes in position order.
func (r *Ring) VirtualNodes() []VirtualNode {
	return slices.Clone(r.nodes)
}

// Equal reports whether two rings place the same virtual nodes at the same positions.
func (r *Ring) Equal(other *Ring) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.virtualNodes != other.virtualNodes || r.hasher.Name() != other.hasher.Name() {
		return false
	}

	return slices.Equal(r.nodes, other.nodes)
}

// OwnedRanges returns the arcs owned by shard, adjacent arcs merged.
func (r *Ring) OwnedRanges(shard string) []types.KeyRange {
	if len(r.nodes) == 0 || !r.Contains(shard) {
		return nil
	}
	if len(r.shards) == 1 {
		p := r.nodes[0].Position
		return []types.KeyRange{{Start: p, End: p}}
	}

	var ranges []types.KeyRange
	prev := r.nodes[len(r.nodes)-1].Position
	for _, n := range r.nodes {
		if n.ShardID == shard {
			if k := len(ranges); k > 0 && ranges[k-1].End == prev {
				ranges[k-1].End = n.Position
			} else {
				ranges = append(ranges, types.KeyRange{Start: prev, End: n.Position})
			}
		}
		prev = n.Position
	}

	// The first arc wraps from the last node; merge it with a trailing arc that ends there.
	if k := len(ranges); k > 1 && ranges[k-1].End == ranges[0].Start {
		ranges[0].Start = ranges[k-1].Start
		ranges = ranges[:k-1]
	}

	return ranges
}

// Ownership returns the fraction of the key space owned by each shard.
//
// The fractions sum to 1 for a non-empty ring.
func (r *Ring) Ownership() map[string]float64 {
	out := make(map[string]float64, len(r.shards))
	if len(r.nodes) == 0 {
		return out
	}
	if len(r.shards) == 1 {
		out[r.shards[0]] = 1

		return out
	}

	prev := r.nodes[len(r.nodes)-1].Position
	for _, n := range r.nodes {
		out[n.ShardID] += ArcFraction(types.KeyRange{Start: prev, End: n.Position})
		prev = n.Position
	}

	return out
}

// ArcFraction returns the share of the ring covered by arc (Start, End].
func ArcFraction(kr types.KeyRange) float64 {
	if kr.Start == kr.End {
		return 1
	}

	// (End - Start) mod 2^128
	lo, borrow := bits.Sub64(kr.End.Lo, kr.Start.Lo, 0)
	hi, _ := bits.Sub64(kr.End.Hi, kr.Start.Hi, borrow)

	return (float64(hi)*math.Exp2(64) + float64(lo)) / math.Exp2(128)
}
