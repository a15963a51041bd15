package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/shardring"
	"github.com/arloliu/shardring/internal/logging"
	"github.com/arloliu/shardring/store"
)

type envelope struct {
	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

func newTestServer(t *testing.T, shards ...string) (*httptest.Server, *shardring.Router, *store.MemoryCluster) {
	t.Helper()

	cluster := store.NewMemoryCluster(shards...)
	reg := prometheus.NewRegistry()

	cfg := shardring.TestConfig()
	cfg.Shards = shards
	router, err := shardring.NewRouter(&cfg, cluster, cluster,
		shardring.WithLogger(logging.NewTest(t)),
		shardring.WithMetrics(shardring.NewPrometheusMetrics(reg, "shardring")),
	)
	require.NoError(t, err)
	require.NoError(t, router.Start(t.Context()))
	t.Cleanup(func() { _ = router.Stop(context.Background()) })

	srv := httptest.NewServer(NewHandler(router, WithGatherer(reg), WithLogger(logging.NewTest(t))))
	t.Cleanup(srv.Close)

	return srv, router, cluster
}

func do(t *testing.T, srv *httptest.Server, method, path string, out any) (int, envelope) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	if out != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}

	return resp.StatusCode, env
}

func waitStatus(t *testing.T, srv *httptest.Server, id string, want shardring.OperationStatus) {
	t.Helper()

	require.Eventually(t, func() bool {
		var report shardring.OperationReport
		code, _ := do(t, srv, http.MethodGet, "/operations/"+id, &report)
		return code == http.StatusOK && report.Status == want
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHandler_Health(t *testing.T) {
	srv, router, _ := newTestServer(t, "A", "B")

	var body map[string]any
	code, env := do(t, srv, http.MethodGet, "/health", &body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, StatusOK, env.Status)
	require.InDelta(t, float64(router.CurrentTopologyVersion()), body["version"], 0)
	require.Equal(t, false, body["follower"])
}

func TestHandler_AssignAndTopology(t *testing.T) {
	srv, router, _ := newTestServer(t, "A", "B", "C")

	var p shardring.Placement
	code, _ := do(t, srv, http.MethodGet, "/assign/user:42", &p)
	require.Equal(t, http.StatusOK, code)
	want, err := router.Assign("user:42")
	require.NoError(t, err)
	require.Equal(t, want, p.Shard)
	require.Empty(t, p.Source)
	require.Equal(t, router.CurrentTopologyVersion(), p.Version)

	version := router.CurrentTopologyVersion()
	code, _ = do(t, srv, http.MethodGet, fmt.Sprintf("/assign/user:42?version=%d", version), &p)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, want, p.Shard)

	code, env := do(t, srv, http.MethodGet, "/assign/user:42?version=abc", nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, StatusError, env.Status)

	require.NoError(t, router.MarkUnavailable("C"))
	code, env = do(t, srv, http.MethodGet, fmt.Sprintf("/assign/user:42?version=%d", version), nil)
	require.Equal(t, http.StatusPreconditionFailed, code)
	require.Contains(t, env.Error, "stale ring")

	t.Run("keys with slashes", func(t *testing.T) {
		for path, key := range map[string]string{
			"/assign/tenant/7/user:42":     "tenant/7/user:42",
			"/assign/tenant%2F7%2Fuser:42": "tenant/7/user:42",
			"/assign/a%20b":                "a b",
		} {
			var p shardring.Placement
			code, _ := do(t, srv, http.MethodGet, path, &p)
			require.Equal(t, http.StatusOK, code, path)
			want, err := router.Assign(key)
			require.NoError(t, err)
			require.Equal(t, want, p.Shard, path)
		}

		code, env := do(t, srv, http.MethodGet, "/assign/", nil)
		require.Equal(t, http.StatusBadRequest, code)
		require.Equal(t, StatusError, env.Status)
	})

	var info shardring.TopologyInfo
	code, _ = do(t, srv, http.MethodGet, "/topology", &info)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "sha256", info.HashFunction)
	require.ElementsMatch(t, []string{"A", "B", "C"}, info.Members)
	require.Len(t, info.Ownership, 3)

	var shards []shardring.ShardState
	code, _ = do(t, srv, http.MethodGet, "/shards", &shards)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, shards, 3)
	require.Equal(t, shardring.StatusUnavailable, shards[2].Status)
}

func TestHandler_ShardLifecycle(t *testing.T) {
	srv, router, cluster := newTestServer(t, "A", "B")
	for i := range 100 {
		key := fmt.Sprintf("k%d", i)
		owner, err := router.Assign(key)
		require.NoError(t, err)
		require.NoError(t, cluster.Shard(owner).Put(t.Context(), key, []byte(key)))
	}

	var report shardring.OperationReport
	code, _ := do(t, srv, http.MethodPost, "/shards/C", &report)
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, shardring.OperationAddShard, report.Kind)
	require.Equal(t, "C", report.Shard)
	waitStatus(t, srv, report.ID, shardring.OperationCompleted)

	code, _ = do(t, srv, http.MethodPost, "/shards/C", nil)
	require.Equal(t, http.StatusConflict, code)

	code, _ = do(t, srv, http.MethodDelete, "/shards/A", &report)
	require.Equal(t, http.StatusAccepted, code)
	waitStatus(t, srv, report.ID, shardring.OperationCompleted)
	require.Zero(t, cluster.Shard("A").Len())
	require.Equal(t, 100, cluster.TotalKeys())

	code, _ = do(t, srv, http.MethodDelete, "/shards/A", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, srv, http.MethodPost, "/shards/B/force-remove", nil)
	require.Equal(t, http.StatusConflict, code)

	var st shardring.ShardState
	code, _ = do(t, srv, http.MethodPost, "/shards/B/unavailable", &st)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, shardring.StatusUnavailable, st.Status)

	code, _ = do(t, srv, http.MethodPost, "/shards/B/force-remove", &report)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, shardring.OperationForceRemove, report.Kind)
	require.Equal(t, shardring.OperationCompleted, report.Status)

	code, _ = do(t, srv, http.MethodPost, "/shards/B/active", nil)
	require.Equal(t, http.StatusConflict, code)

	var reports []shardring.OperationReport
	code, _ = do(t, srv, http.MethodGet, "/operations", &reports)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, reports, 3)
}

func TestHandler_OperationErrors(t *testing.T) {
	srv, _, _ := newTestServer(t, "A")

	code, env := do(t, srv, http.MethodGet, "/operations/missing", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, StatusError, env.Status)

	code, _ = do(t, srv, http.MethodPost, "/operations/missing/cancel", nil)
	require.Equal(t, http.StatusNotFound, code)

	var report shardring.OperationReport
	code, _ = do(t, srv, http.MethodPost, "/shards/B", &report)
	require.Equal(t, http.StatusAccepted, code)
	waitStatus(t, srv, report.ID, shardring.OperationCompleted)

	code, _ = do(t, srv, http.MethodPost, "/operations/"+report.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, code)
	code, _ = do(t, srv, http.MethodPost, "/operations/"+report.ID+"/resume", nil)
	require.Equal(t, http.StatusConflict, code)
}

func TestHandler_Metrics(t *testing.T) {
	srv, _, _ := newTestServer(t, "A", "B")

	// A structural change records topology metrics.
	var report shardring.OperationReport
	code, _ := do(t, srv, http.MethodPost, "/shards/C", &report)
	require.Equal(t, http.StatusAccepted, code)
	waitStatus(t, srv, report.ID, shardring.OperationCompleted)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "shardring_topology_version"), "metrics output:\n%s", body)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{shardring.ErrShardNotFound, http.StatusNotFound},
		{shardring.ErrOperationNotFound, http.StatusNotFound},
		{shardring.ErrShardExists, http.StatusConflict},
		{shardring.ErrOperationInProgress, http.StatusConflict},
		{shardring.ErrCannotCancel, http.StatusConflict},
		{&shardring.StaleRingError{Requested: 1, Current: 5}, http.StatusPreconditionFailed},
		{shardring.ErrReadOnly, http.StatusForbidden},
		{shardring.ErrNoShards, http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", shardring.ErrInvalidShardID), http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			require.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
