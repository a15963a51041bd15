package types

import (
	"encoding/hex"
	"fmt"
)

// Position is a point on the 128-bit hash ring.
//
// Positions order as unsigned 128-bit integers: Hi is compared first, then Lo.
type Position struct {
	Hi uint64
	Lo uint64
}

// MaxPosition is the largest position on the ring.
var MaxPosition = Position{Hi: ^uint64(0), Lo: ^uint64(0)}

// Compare returns -1 if p < q, 0 if p == q, and +1 if p > q.
func (p Position) Compare(q Position) int {
	switch {
	case p.Hi < q.Hi:
		return -1
	case p.Hi > q.Hi:
		return 1
	case p.Lo < q.Lo:
		return -1
	case p.Lo > q.Lo:
		return 1
	default:
		return 0
	}
}

// Less reports whether p sorts before q.
func (p Position) Less(q Position) bool {
	return p.Compare(q) < 0
}

// String returns the position as 32 lowercase hex digits.
func (p Position) String() string {
	return fmt.Sprintf("%016x%016x", p.Hi, p.Lo)
}

// MarshalText implements encoding.TextMarshaler.
func (p Position) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Position) UnmarshalText(text []byte) error {
	parsed, err := ParsePosition(string(text))
	if err != nil {
		return err
	}
	*p = parsed

	return nil
}

// ParsePosition parses the 32 hex digit form produced by Position.String.
//
// Parameters:
//   - s: Hex-encoded position
//
// Returns:
//   - Position: Parsed position
//   - error: Non-nil if s is not exactly 16 hex-encoded bytes
func ParsePosition(s string) (Position, error) {
	if len(s) != 32 {
		return Position{}, fmt.Errorf("invalid position %q: expected 32 hex digits", s)
	}

	var raw [16]byte
	if _, err := hex.Decode(raw[:], []byte(s)); err != nil {
		return Position{}, fmt.Errorf("invalid position %q: %w", s, err)
	}

	return PositionFromBytes(raw[:]), nil
}

// PositionFromBytes interprets the first 16 bytes of b as a big-endian 128-bit integer.
//
// Shorter inputs are treated as if right-padded with zero bytes.
func PositionFromBytes(b []byte) Position {
	var raw [16]byte
	copy(raw[:], b)

	var p Position
	for i := range 8 {
		p.Hi = p.Hi<<8 | uint64(raw[i])
		p.Lo = p.Lo<<8 | uint64(raw[8+i])
	}

	return p
}

// KeyRange is a half-open arc (Start, End] of the ring.
//
// When Start >= End the arc wraps past MaxPosition back to zero. Start == End
// denotes the whole ring, which is what a single-shard ring owns.
type KeyRange struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Wraps reports whether the arc crosses the top of the ring.
func (r KeyRange) Wraps() bool {
	return r.Start.Compare(r.End) >= 0
}

// Contains reports whether position p falls inside the arc.
func (r KeyRange) Contains(p Position) bool {
	if r.Start == r.End {
		return true
	}
	if !r.Wraps() {
		return r.Start.Less(p) && p.Compare(r.End) <= 0
	}

	return r.Start.Less(p) || p.Compare(r.End) <= 0
}

// String formats the arc as "(start, end]".
func (r KeyRange) String() string {
	return fmt.Sprintf("(%s, %s]", r.Start, r.End)
}

// RangeMove records a change of ownership for one arc of the ring.
//
// From is empty when the arc had no previous owner (the ring was empty).
type RangeMove struct {
	Range KeyRange `json:"range"`
	From  string   `json:"from"`
	To    string   `json:"to"`
}
