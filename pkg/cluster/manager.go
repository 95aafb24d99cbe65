package cluster

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamforge/streamforge/pkg/cluster/kv"
	"github.com/streamforge/streamforge/pkg/cluster/kv/codec"
)

const clusterKey = "cluster"

// Config for the cluster topology manager.
type Config struct {
	KVStore          kv.Config     `yaml:"kvstore"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.KVStore.RegisterFlagsWithPrefix("cluster.", "cluster/", f)
	f.DurationVar(&cfg.HeartbeatTimeout, "cluster.heartbeat-timeout", time.Minute, "The heartbeat timeout after which workers are considered unhealthy. 0 = never (timeout disabled).")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.HeartbeatTimeout < 0 {
		return fmt.Errorf("invalid cluster heartbeat timeout %s", cfg.HeartbeatTimeout)
	}
	return cfg.KVStore.Validate()
}

// GetCodec returns the codec used to encode and decode data being put by the cluster manager.
func GetCodec() codec.Codec {
	return codec.NewJSONCodec("clusterDesc", func() interface{} { return NewDesc() })
}

// Topology is the read side of cluster membership.
type Topology interface {
	// ListWorkers returns the healthy workers of the given type.
	ListWorkers(ctx context.Context, typ WorkerType) ([]WorkerDesc, error)
}

// Manager keeps the cluster membership in the KV store.
type Manager struct {
	cfg    Config
	kv     kv.Client
	logger log.Logger
	now    func() time.Time

	workersGauge *prometheus.GaugeVec
}

// NewManager makes a Manager backed by the configured KV store.
func NewManager(cfg Config, reg prometheus.Registerer, logger log.Logger) (*Manager, error) {
	client, err := kv.NewClient(cfg.KVStore, GetCodec(), kv.RegistererWithKVName(reg, "cluster"), logger)
	if err != nil {
		return nil, errors.Wrap(err, "create cluster KV client")
	}
	return NewManagerWithClient(cfg, client, reg, logger), nil
}

// NewManagerWithClient makes a Manager on an existing KV client. The client
// must be configured with GetCodec().
func NewManagerWithClient(cfg Config, client kv.Client, reg prometheus.Registerer, logger log.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		kv:     client,
		logger: logger,
		now:    time.Now,
		workersGauge: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "streamforge",
			Name:      "cluster_healthy_workers",
			Help:      "Number of healthy workers seen by the last topology query, by worker type.",
		}, []string{"type"}),
	}
}

// Close releases the KV store connection.
func (m *Manager) Close() error {
	return kv.Close(m.kv)
}

func descFrom(in interface{}) (*Desc, error) {
	if in == nil {
		return NewDesc(), nil
	}
	desc, ok := in.(*Desc)
	if !ok {
		return nil, fmt.Errorf("unexpected cluster value type %T", in)
	}
	if desc.Workers == nil {
		desc.Workers = map[string]WorkerDesc{}
	}
	return desc, nil
}

// AddWorker registers a worker, or updates it if already present.
func (m *Manager) AddWorker(ctx context.Context, id, addr string, typ WorkerType, state WorkerState) error {
	err := m.kv.CAS(ctx, clusterKey, func(in interface{}) (out interface{}, retry bool, err error) {
		desc, err := descFrom(in)
		if err != nil {
			return nil, false, err
		}
		desc.AddWorker(id, addr, typ, state, m.now())
		return desc, true, nil
	})
	if err != nil {
		return errors.Wrapf(err, "add worker %s", id)
	}
	level.Info(m.logger).Log("msg", "worker added to cluster", "worker", id, "addr", addr, "type", typ, "state", state)
	return nil
}

// Heartbeat refreshes the timestamp and state of a registered worker. A
// worker missing from the store (e.g. after the store lost its data) is
// re-inserted.
func (m *Manager) Heartbeat(ctx context.Context, id, addr string, typ WorkerType, state WorkerState) error {
	err := m.kv.CAS(ctx, clusterKey, func(in interface{}) (out interface{}, retry bool, err error) {
		desc, err := descFrom(in)
		if err != nil {
			return nil, false, err
		}
		if _, ok := desc.Workers[id]; !ok {
			level.Info(m.logger).Log("msg", "found empty cluster entry, re-inserting worker", "worker", id)
		}
		desc.AddWorker(id, addr, typ, state, m.now())
		return desc, true, nil
	})
	return errors.Wrapf(err, "heartbeat worker %s", id)
}

// RemoveWorker removes a worker from the cluster.
func (m *Manager) RemoveWorker(ctx context.Context, id string) error {
	err := m.kv.CAS(ctx, clusterKey, func(in interface{}) (out interface{}, retry bool, err error) {
		if in == nil {
			return nil, false, nil
		}
		desc, err := descFrom(in)
		if err != nil {
			return nil, false, err
		}
		if _, ok := desc.Workers[id]; !ok {
			return nil, false, nil
		}
		desc.RemoveWorker(id)
		return desc, true, nil
	})
	if err != nil {
		return errors.Wrapf(err, "remove worker %s", id)
	}
	level.Info(m.logger).Log("msg", "worker removed from cluster", "worker", id)
	return nil
}

// ListWorkers implements Topology.
func (m *Manager) ListWorkers(ctx context.Context, typ WorkerType) ([]WorkerDesc, error) {
	in, err := m.kv.Get(ctx, clusterKey)
	if err != nil {
		return nil, errors.Wrap(err, "read cluster membership")
	}
	desc, err := descFrom(in)
	if err != nil {
		return nil, err
	}

	workers := desc.FindWorkers(typ, m.cfg.HeartbeatTimeout, m.now())
	m.workersGauge.WithLabelValues(typ.String()).Set(float64(len(workers)))
	return workers, nil
}
