package testing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartEmbeddedNATS(t *testing.T) {
	ns, nc := StartEmbeddedNATS(t)

	require.True(t, ns.Running())
	require.True(t, nc.IsConnected())
	require.True(t, ns.JetStreamEnabled())
}

func TestStartEmbeddedNATS_Parallel(t *testing.T) {
	for _, name := range []string{"a", "b", "c"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, nc := StartEmbeddedNATS(t)
			require.True(t, nc.IsConnected())
		})
	}
}

func TestCreateJetStreamKV(t *testing.T) {
	_, nc := StartEmbeddedNATS(t)
	kv := CreateJetStreamKV(t, nc, "test-bucket")

	_, err := kv.Put(t.Context(), "key", []byte("value"))
	require.NoError(t, err)

	entry, err := kv.Get(t.Context(), "key")
	require.NoError(t, err)
	require.Equal(t, []byte("value"), entry.Value())

	status, err := kv.Status(t.Context())
	require.NoError(t, err)
	require.Zero(t, status.TTL())
}

func TestCreateJetStreamKVWithTTL(t *testing.T) {
	_, nc := StartEmbeddedNATS(t)
	kv := CreateJetStreamKVWithTTL(t, nc, "ttl-bucket", 2*time.Second)

	status, err := kv.Status(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, status.TTL())
}

func TestNewTestLogger(t *testing.T) {
	logger := NewTestLogger(t)
	require.NotPanics(t, func() {
		logger.Info("hello", "k", "v")
	})
}
