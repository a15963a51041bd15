// Package hash implements the 128-bit hash functions and the consistent hash ring
// used to place shards and keys.
package hash

import (
	"crypto/md5" //nolint:gosec // placement only, not used for integrity
	"crypto/sha256"
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/arloliu/shardring/types"
)

// Supported hash function names.
const (
	SHA256 = "sha256"
	MD5    = "md5"
	XXH3   = "xxh3"
)

// Hasher maps bytes to a position on the 128-bit ring.
//
// Implementations must be deterministic across processes and restarts, and
// distribute uniformly over the output space.
type Hasher interface {
	// Hash returns the ring position of data.
	Hash(data []byte) types.Position

	// HashString returns the ring position of s.
	HashString(s string) types.Position

	// Name returns the configuration name of the hash function.
	Name() string
}

// New returns the hasher registered under name.
//
// Parameters:
//   - name: One of SHA256, MD5, XXH3 ("" selects SHA256)
//   - seed: Seed for XXH3 (ignored by the cryptographic hashers)
//
// Returns:
//   - Hasher: The hash function
//   - error: Non-nil for unknown names
func New(name string, seed uint64) (Hasher, error) {
	switch name {
	case "", SHA256:
		return NewSHA256(), nil
	case MD5:
		return NewMD5(), nil
	case XXH3:
		return NewXXH3(seed), nil
	default:
		return nil, fmt.Errorf("unknown hash function %q (want %s, %s or %s)", name, SHA256, MD5, XXH3)
	}
}

// SHA256Hasher uses the first 16 bytes of a SHA-256 digest.
//
// A cryptographic digest keeps externally supplied keys from being crafted to
// cluster on one shard.
type SHA256Hasher struct{}

// NewSHA256 creates a SHA-256 based hasher.
func NewSHA256() *SHA256Hasher {
	return &SHA256Hasher{}
}

// Hash implements Hasher.
func (h *SHA256Hasher) Hash(data []byte) types.Position {
	sum := sha256.Sum256(data)

	return types.PositionFromBytes(sum[:16])
}

// HashString implements Hasher.
func (h *SHA256Hasher) HashString(s string) types.Position {
	return h.Hash([]byte(s))
}

// Name implements Hasher.
func (h *SHA256Hasher) Name() string { return SHA256 }

// MD5Hasher uses the full MD5 digest read as a big-endian integer, which
// keeps placements compatible with md5-based rings.
type MD5Hasher struct{}

// NewMD5 creates an MD5 based hasher.
func NewMD5() *MD5Hasher {
	return &MD5Hasher{}
}

// Hash implements Hasher.
func (h *MD5Hasher) Hash(data []byte) types.Position {
	sum := md5.Sum(data) //nolint:gosec

	return types.PositionFromBytes(sum[:])
}

// HashString implements Hasher.
func (h *MD5Hasher) HashString(s string) types.Position {
	return h.Hash([]byte(s))
}

// Name implements Hasher.
func (h *MD5Hasher) Name() string { return MD5 }

// XXH3Hasher uses the 128-bit XXH3 variant.
//
// It is several times faster than the cryptographic hashers and is the right
// choice when keys are generated internally.
type XXH3Hasher struct {
	seed uint64
}

// NewXXH3 creates an XXH3-128 hasher.
//
// Parameters:
//   - seed: Hash seed (0 uses the unseeded variant)
func NewXXH3(seed uint64) *XXH3Hasher {
	return &XXH3Hasher{seed: seed}
}

// Hash implements Hasher.
func (h *XXH3Hasher) Hash(data []byte) types.Position {
	var u xxh3.Uint128
	if h.seed != 0 {
		u = xxh3.Hash128Seed(data, h.seed)
	} else {
		u = xxh3.Hash128(data)
	}

	return types.Position{Hi: u.Hi, Lo: u.Lo}
}

// HashString implements Hasher.
func (h *XXH3Hasher) HashString(s string) types.Position {
	var u xxh3.Uint128
	if h.seed != 0 {
		u = xxh3.HashString128Seed(s, h.seed)
	} else {
		u = xxh3.HashString128(s)
	}

	return types.Position{Hi: u.Hi, Lo: u.Lo}
}

// Name implements Hasher.
func (h *XXH3Hasher) Name() string { return XXH3 }
