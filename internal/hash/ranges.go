package hash

import (
	"slices"

	"github.com/arloliu/shardring/types"
)

// Diff returns the arcs whose owner differs between two rings.
//
// The boundaries of both rings are merged; every arc between consecutive
// boundaries has a single owner in each ring, namely the owner of its end
// position. Arcs with the same (From, To) pair that touch are coalesced.
// A nil ring is treated as empty.
//
// Returns:
//   - []types.RangeMove: Changed arcs in ring order, starting with the arc that
//     wraps past the top of the ring
func Diff(from, to *Ring) []types.RangeMove {
	bounds := mergeBoundaries(from, to)
	if len(bounds) == 0 {
		return nil
	}

	var moves []types.RangeMove
	prev := bounds[len(bounds)-1]
	for _, b := range bounds {
		src, dst := ownerOf(from, b), ownerOf(to, b)
		if src != dst {
			if k := len(moves); k > 0 && moves[k-1].Range.End == prev &&
				moves[k-1].From == src && moves[k-1].To == dst {
				moves[k-1].Range.End = b
			} else {
				moves = append(moves, types.RangeMove{
					Range: types.KeyRange{Start: prev, End: b},
					From:  src,
					To:    dst,
				})
			}
		}
		prev = b
	}

	if k := len(moves); k > 1 {
		first, last := moves[0], moves[k-1]
		if last.Range.End == first.Range.Start && last.From == first.From && last.To == first.To {
			moves[0].Range.Start = last.Range.Start
			moves = moves[:k-1]
		}
	}

	return moves
}

func ownerOf(r *Ring, p types.Position) string {
	if r == nil {
		return ""
	}

	return r.LookupHash(p)
}

func mergeBoundaries(a, b *Ring) []types.Position {
	var n int
	if a != nil {
		n += len(a.nodes)
	}
	if b != nil {
		n += len(b.nodes)
	}

	out := make([]types.Position, 0, n)
	if a != nil {
		for _, v := range a.nodes {
			out = append(out, v.Position)
		}
	}
	if b != nil {
		for _, v := range b.nodes {
			out = append(out, v.Position)
		}
	}

	slices.SortFunc(out, types.Position.Compare)

	return slices.Compact(out)
}
