// Package hooks provides default lifecycle hook implementations.
package hooks

import (
	"context"

	"github.com/arloliu/shardring/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// Used when no hooks are provided so callers never need nil checks.
type NopHooks struct{}

// Compile-time assertions that NopHooks provides each hook signature.
var (
	_ func(context.Context, int64, []types.ShardState) error                    = (*NopHooks)(nil).OnTopologyChanged
	_ func(context.Context, string, types.ShardStatus, types.ShardStatus) error = (*NopHooks)(nil).OnShardStatusChanged
	_ func(context.Context, types.OperationReport) error                        = (*NopHooks)(nil).OnOperationFinished
	_ func(context.Context, error) error                                        = (*NopHooks)(nil).OnError
)

// NewNop returns Hooks whose callbacks do nothing.
func NewNop() types.Hooks {
	h := &NopHooks{}

	return types.Hooks{
		OnTopologyChanged:    h.OnTopologyChanged,
		OnShardStatusChanged: h.OnShardStatusChanged,
		OnOperationFinished:  h.OnOperationFinished,
		OnError:              h.OnError,
	}
}

// Fill returns h with every nil callback replaced by a no-op.
func Fill(h *types.Hooks) types.Hooks {
	nop := NewNop()
	if h == nil {
		return nop
	}

	out := *h
	if out.OnTopologyChanged == nil {
		out.OnTopologyChanged = nop.OnTopologyChanged
	}
	if out.OnShardStatusChanged == nil {
		out.OnShardStatusChanged = nop.OnShardStatusChanged
	}
	if out.OnOperationFinished == nil {
		out.OnOperationFinished = nop.OnOperationFinished
	}
	if out.OnError == nil {
		out.OnError = nop.OnError
	}

	return out
}

// OnTopologyChanged is a no-op.
func (h *NopHooks) OnTopologyChanged(_ context.Context, _ int64, _ []types.ShardState) error {
	return nil
}

// OnShardStatusChanged is a no-op.
func (h *NopHooks) OnShardStatusChanged(_ context.Context, _ string, _, _ types.ShardStatus) error {
	return nil
}

// OnOperationFinished is a no-op.
func (h *NopHooks) OnOperationFinished(_ context.Context, _ types.OperationReport) error {
	return nil
}

// OnError is a no-op.
func (h *NopHooks) OnError(_ context.Context, _ error) error {
	return nil
}
