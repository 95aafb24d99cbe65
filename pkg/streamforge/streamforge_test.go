package streamforge

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/streamforge/streamforge/pkg/cluster"
	"github.com/streamforge/streamforge/pkg/cluster/kv"
	"github.com/streamforge/streamforge/pkg/cluster/kv/codec"
	"github.com/streamforge/streamforge/pkg/cluster/kv/consul"
	"github.com/streamforge/streamforge/pkg/plan"
	"github.com/streamforge/streamforge/pkg/util/flagext"
)

func defaultConfig(t *testing.T) Config {
	t.Helper()
	var cfg Config
	flagext.DefaultValues(&cfg)
	cfg.Server.HTTPListenAddress = "127.0.0.1"
	cfg.Server.HTTPListenPort = 0
	cfg.Server.GRPCListenAddress = "127.0.0.1"
	cfg.Server.GRPCListenPort = 0
	cfg.Server.ServerGracefulShutdownTimeout = time.Second
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

type closeCountingClient struct {
	kv.Client
	closed int
}

func (c *closeCountingClient) Close() error {
	c.closed++
	return nil
}

func TestConfig_DefaultsAreValid(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "inmemory", cfg.Cluster.KVStore.Store)
	assert.Equal(t, 4, cfg.Fragmenter.MinInteriorParallelism)
	assert.Equal(t, 2, cfg.Fragmenter.InteriorParallelismFactor)
	assert.Equal(t, int64(4<<20), cfg.API.MaxPlanBytes)
	assert.True(t, cfg.Server.RegisterInstrumentation)

	cfg.Server.HTTPListenPort = 70000
	require.Error(t, cfg.Validate())
}

func TestConfig_YAML(t *testing.T) {
	cfg := defaultConfig(t)
	input := `
log:
  level: debug
fragmenter:
  min_interior_parallelism: 8
graph_cache:
  size: 3
server:
  http_listen_port: 9000
api:
  max_plan_bytes: 1024
worker:
  enabled: true
  id: compute-1
  type: compute
`
	require.NoError(t, yaml.UnmarshalStrict([]byte(input), &cfg))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "debug", cfg.Log.Level.String())
	assert.Equal(t, 8, cfg.Fragmenter.MinInteriorParallelism)
	assert.Equal(t, 2, cfg.Fragmenter.InteriorParallelismFactor)
	assert.Equal(t, 3, cfg.GraphCache.Size)
	assert.True(t, cfg.Worker.Enabled)
	assert.Equal(t, 9000, cfg.Server.HTTPListenPort)
	assert.Equal(t, int64(1024), cfg.API.MaxPlanBytes)

	require.Error(t, yaml.UnmarshalStrict([]byte("unknown_section: {}\n"), &cfg))

	cfg.Fragmenter.InteriorParallelismFactor = 0
	require.Error(t, cfg.Validate())
}

func TestStreamforge_Compile(t *testing.T) {
	cfg := defaultConfig(t)
	sf, err := New(cfg, prometheus.NewPedanticRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	assert.Nil(t, sf.Lifecycler)

	ctx := context.Background()
	require.NoError(t, sf.Cluster.AddWorker(ctx, "c-1", "c-1:9095", cluster.ComputeNode, cluster.RUNNING))
	require.NoError(t, sf.Cluster.AddWorker(ctx, "c-2", "c-2:9095", cluster.ComputeNode, cluster.RUNNING))

	root := plan.NewNode(plan.KindMaterialize,
		plan.NewExchange(plan.Dispatcher{Type: plan.DispatcherHash, ColumnIndices: []uint32{0}},
			plan.NewNode(plan.KindHashAgg,
				plan.NewExchange(plan.Dispatcher{Type: plan.DispatcherRoundRobin}, plan.NewNode(plan.KindTableSource)))))

	g, err := sf.Compile(ctx, root)
	require.NoError(t, err)
	assert.Len(t, g.Fragments, 1+4+2)
	assert.Len(t, g.Dependencies, 4+2*4)
	assert.Equal(t, cfg.IDGen.StartID, g.RootFragmentID)
}

func TestStreamforge_RunRegistersWorker(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Worker.Enabled = true
	cfg.Worker.ID = "self"
	cfg.Worker.HeartbeatPeriod = 10 * time.Millisecond

	sf, err := New(cfg, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	require.NotNil(t, sf.Lifecycler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sf.Run(ctx) }()

	require.Eventually(t, func() bool {
		workers, err := sf.Cluster.ListWorkers(context.Background(), cluster.ComputeNode)
		return err == nil && len(workers) == 1 && workers[0].ID == "self"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	workers, err := sf.Cluster.ListWorkers(context.Background(), cluster.ComputeNode)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestStreamforge_RunServesInstrumentedAPI(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Server.HTTPListenPort = freePort(t)

	sf, err := New(cfg, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sf.Run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.HTTPListenPort)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "streamforge_request_duration_seconds")
	assert.Contains(t, string(body), `route="ready"`)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestStreamforge_RunClosesKVClients(t *testing.T) {
	logger := log.NewNopLogger()
	clusterKV := &closeCountingClient{Client: consul.NewInMemoryClient(cluster.GetCodec(), logger)}
	idgenKV := &closeCountingClient{Client: consul.NewInMemoryClient(codec.String{}, logger)}

	cfg := defaultConfig(t)
	cfg.Cluster.KVStore.Mock = clusterKV
	cfg.IDGen.KVStore.Mock = idgenKV

	sf, err := New(cfg, prometheus.NewRegistry(), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sf.Run(ctx))
	assert.Equal(t, 1, clusterKV.closed)
	assert.Equal(t, 1, idgenKV.closed)
}
