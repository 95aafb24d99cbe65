package kv

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/streamforge/streamforge/pkg/cluster/kv/codec"
	"github.com/streamforge/streamforge/pkg/cluster/kv/consul"
)

func TestParseConfig(t *testing.T) {
	conf := `
store: consul
consul:
  host: "consul:8500"
  consistent_reads: true
etcd:
  endpoints: ["etcd:2379"]
prefix: "test/"
`

	cfg := Config{}

	err := yaml.Unmarshal([]byte(conf), &cfg)
	require.NoError(t, err)
	require.Equal(t, "consul", cfg.Store)
	require.Equal(t, "test/", cfg.Prefix)
	require.Equal(t, "consul:8500", cfg.Consul.Host)
	require.True(t, cfg.Consul.ConsistentReads)
	require.Equal(t, []string{"etcd:2379"}, cfg.Etcd.Endpoints)
	require.NoError(t, cfg.Validate())

	cfg.Store = "zookeeper"
	require.Error(t, cfg.Validate())
}

func TestNewClientInMemoryWithPrefixAndMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	client, err := NewClient(Config{Store: "inmemory", Prefix: "streamforge/"}, codec.String{}, reg, log.NewNopLogger())
	require.NoError(t, err)

	ctx := context.Background()
	for _, key := range []string{"idgen/fragment", "idgen/actor"} {
		require.NoError(t, client.CAS(ctx, key, func(in interface{}) (interface{}, bool, error) {
			return "1", false, nil
		}))
	}

	v, err := client.Get(ctx, "idgen/fragment")
	require.NoError(t, err)
	require.Equal(t, "1", v)

	keys, err := client.List(ctx, "idgen/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"idgen/fragment", "idgen/actor"}, keys)

	require.NoError(t, client.Delete(ctx, "idgen/actor"))
	v, err = client.Get(ctx, "idgen/actor")
	require.NoError(t, err)
	require.Nil(t, v)

	count, err := testutil.GatherAndCount(reg, "streamforge_kv_request_duration_seconds")
	require.NoError(t, err)
	// CAS, GET, List and Delete each produce their own series.
	require.Equal(t, 4, count)

}

func TestNewClientUsesMock(t *testing.T) {
	mock, err := NewClient(Config{Store: "inmemory"}, codec.String{}, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)

	client, err := NewClient(Config{Store: "consul", Mock: mock}, codec.String{}, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)
	require.Same(t, mock, client)
}

func TestNewClientInvalidStore(t *testing.T) {
	_, err := NewClient(Config{Store: "zookeeper"}, codec.String{}, prometheus.NewRegistry(), log.NewNopLogger())
	require.Error(t, err)
}

type closeCountingClient struct {
	Client
	closed int
}

func (c *closeCountingClient) Close() error {
	c.closed++
	return nil
}

func TestCloseReachesStoreThroughWrappers(t *testing.T) {
	inner := &closeCountingClient{Client: consul.NewInMemoryClient(codec.String{}, log.NewNopLogger())}
	client := newMetricsClient("test", PrefixClient(inner, "streamforge/"), prometheus.NewPedanticRegistry())

	require.NoError(t, Close(client))
	require.Equal(t, 1, inner.closed)

	// Stores without a connection to release are a no-op.
	require.NoError(t, Close(consul.NewInMemoryClient(codec.String{}, log.NewNopLogger())))
}
