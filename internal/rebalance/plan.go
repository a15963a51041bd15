// Package rebalance plans and executes key migrations between shards when the
// ring changes.
package rebalance

import (
	"slices"

	"github.com/arloliu/shardring/internal/hash"
	"github.com/arloliu/shardring/types"
)

// PlanAdd returns the migration plan for adding shard, given the rings before
// and after the insert.
//
// Only arcs taken over by shard are kept. Arcs without a previous owner (the
// ring was empty) hold no keys and are dropped.
func PlanAdd(old, next *hash.Ring, shard string) types.MigrationPlan {
	plan := types.MigrationPlan{Kind: types.OperationAddShard, Shard: shard}
	for _, mv := range hash.Diff(old, next) {
		if mv.To == shard && mv.From != "" {
			plan.Moves = append(plan.Moves, mv)
		}
	}

	return plan
}

// PlanRemove returns the migration plan for draining shard, given the rings
// before and after the removal.
//
// The plan is a full drain: every key stored on shard is moved, including keys
// that would not hash into its arcs.
func PlanRemove(old, next *hash.Ring, shard string) types.MigrationPlan {
	plan := types.MigrationPlan{Kind: types.OperationRemoveShard, Shard: shard, FullDrain: true}
	for _, mv := range hash.Diff(old, next) {
		if mv.From == shard {
			plan.Moves = append(plan.Moves, mv)
		}
	}

	return plan
}

// Revert returns the compensating plan for a cancelled operation.
func Revert(plan types.MigrationPlan) types.MigrationPlan {
	return plan.Reverse()
}

// arcIndex finds the move covering a ring position among the disjoint arcs
// leaving one source shard.
type arcIndex struct {
	// ordered holds non-wrapping arcs sorted by End
	ordered []types.RangeMove

	// wrapping holds the arc crossing the top of the ring, if any
	wrapping []types.RangeMove
}

func newArcIndex(moves []types.RangeMove, source string) arcIndex {
	var ix arcIndex
	for _, mv := range moves {
		if mv.From != source {
			continue
		}
		if mv.Range.Wraps() {
			ix.wrapping = append(ix.wrapping, mv)
		} else {
			ix.ordered = append(ix.ordered, mv)
		}
	}
	slices.SortFunc(ix.ordered, func(a, b types.RangeMove) int {
		return a.Range.End.Compare(b.Range.End)
	})

	return ix
}

func (ix arcIndex) find(p types.Position) (types.RangeMove, bool) {
	i, _ := slices.BinarySearchFunc(ix.ordered, p, func(mv types.RangeMove, t types.Position) int {
		return mv.Range.End.Compare(t)
	})
	if i < len(ix.ordered) && ix.ordered[i].Range.Contains(p) {
		return ix.ordered[i], true
	}
	for _, mv := range ix.wrapping {
		if mv.Range.Contains(p) {
			return mv, true
		}
	}

	return types.RangeMove{}, false
}

func (ix arcIndex) empty() bool {
	return len(ix.ordered) == 0 && len(ix.wrapping) == 0
}
