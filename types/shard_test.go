package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShardStatusString(t *testing.T) {
	tests := []struct {
		status ShardStatus
		want   string
	}{
		{StatusUnregistered, "Unregistered"},
		{StatusActive, "Active"},
		{StatusDraining, "Draining"},
		{StatusUnavailable, "Unavailable"},
		{StatusRemoved, "Removed"},
		{ShardStatus(999), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			require.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestShardStatus_Membership(t *testing.T) {
	require.True(t, StatusActive.OnRing())
	require.True(t, StatusDraining.OnRing())
	require.True(t, StatusUnavailable.OnRing())
	require.False(t, StatusRemoved.OnRing())
	require.False(t, StatusUnregistered.OnRing())

	require.True(t, StatusActive.Assignable())
	require.True(t, StatusUnavailable.Assignable())
	require.False(t, StatusDraining.Assignable())
}

func TestShardState_JSON(t *testing.T) {
	in := ShardState{ID: "shard_1", Status: StatusDraining, JoinedAtVersion: 2, UpdatedAtVersion: 7}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.Contains(t, string(data), `"status":"Draining"`)

	var out ShardState
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in, out)

	var bad ShardStatus
	require.Error(t, bad.UnmarshalText([]byte("Sleeping")))
}
