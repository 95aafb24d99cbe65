package cluster

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// LifecyclerConfig is the config to register the local process in the cluster.
type LifecyclerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ID              string        `yaml:"id"`
	Addr            string        `yaml:"address"`
	Type            string        `yaml:"type"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *LifecyclerConfig) RegisterFlags(f *flag.FlagSet) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	f.BoolVar(&cfg.Enabled, "worker.register", false, "Register this process as a worker in the cluster and keep heartbeating.")
	f.StringVar(&cfg.ID, "worker.id", hostname, "ID to register in the cluster.")
	f.StringVar(&cfg.Addr, "worker.addr", "", "Address to advertise in the cluster.")
	f.StringVar(&cfg.Type, "worker.type", ComputeNode.String(), "Worker type to register as. Supported values are: compute, frontend, meta.")
	f.DurationVar(&cfg.HeartbeatPeriod, "worker.heartbeat-period", 5*time.Second, "Period at which to heartbeat to the KV store.")
}

// Validate the config.
func (cfg *LifecyclerConfig) Validate() error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.ID == "" {
		return errors.New("worker id must not be empty")
	}
	if cfg.HeartbeatPeriod <= 0 {
		return errors.New("worker heartbeat period must be positive")
	}
	_, err := ParseWorkerType(cfg.Type)
	return err
}

// Lifecycler registers a worker in the cluster, heartbeats while running and
// unregisters on exit.
type Lifecycler struct {
	cfg     LifecyclerConfig
	typ     WorkerType
	manager *Manager
	logger  log.Logger
}

// NewLifecycler makes a new Lifecycler.
func NewLifecycler(cfg LifecyclerConfig, manager *Manager, logger log.Logger) (*Lifecycler, error) {
	typ, err := ParseWorkerType(cfg.Type)
	if err != nil {
		return nil, err
	}
	return &Lifecycler{
		cfg:     cfg,
		typ:     typ,
		manager: manager,
		logger:  log.With(logger, "component", "lifecycler", "worker", cfg.ID),
	}, nil
}

// Run registers the worker as RUNNING and heartbeats until ctx is done, then
// removes the worker from the cluster.
func (l *Lifecycler) Run(ctx context.Context) error {
	if err := l.manager.AddWorker(ctx, l.cfg.ID, l.cfg.Addr, l.typ, RUNNING); err != nil {
		return err
	}

	heartbeatTicker := time.NewTicker(l.cfg.HeartbeatPeriod)
	defer heartbeatTicker.Stop()

loop:
	for {
		select {
		case <-heartbeatTicker.C:
			if err := l.manager.Heartbeat(ctx, l.cfg.ID, l.cfg.Addr, l.typ, RUNNING); err != nil {
				level.Error(l.logger).Log("msg", "failed to write to the KV store, sleeping", "err", err)
			}

		case <-ctx.Done():
			break loop
		}
	}

	// The run context is gone; use a fresh one so the worker still leaves the cluster.
	unregisterCtx, cancel := context.WithTimeout(context.Background(), l.cfg.HeartbeatPeriod)
	defer cancel()
	if err := l.manager.RemoveWorker(unregisterCtx, l.cfg.ID); err != nil {
		level.Error(l.logger).Log("msg", "failed to unregister from the KV store", "err", err)
		return err
	}
	return nil
}
