package streamforge

import (
	"context"
	"flag"
	"net"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/server"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/streamforge/streamforge/pkg/api"
	"github.com/streamforge/streamforge/pkg/cluster"
	"github.com/streamforge/streamforge/pkg/idgen"
	"github.com/streamforge/streamforge/pkg/plan"
	"github.com/streamforge/streamforge/pkg/stream"
	util_log "github.com/streamforge/streamforge/pkg/util/log"
)

// Config is the root config for a streamforge process. Every component has
// its own config nested here, registered under a common flag prefix.
type Config struct {
	PrintConfig bool `yaml:"-"`

	Log        util_log.Config          `yaml:"log"`
	Server     ServerConfig             `yaml:"server"`
	API        api.Config               `yaml:"api"`
	Cluster    cluster.Config           `yaml:"cluster"`
	Worker     cluster.LifecyclerConfig `yaml:"worker"`
	IDGen      idgen.Config             `yaml:"idgen"`
	Fragmenter stream.Config            `yaml:"fragmenter"`
	GraphCache stream.CacheConfig       `yaml:"graph_cache"`
}

// RegisterFlags registers flag.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&c.PrintConfig, "print.config", false, "Print the config and exit.")

	c.Log.RegisterFlags(f)
	c.Server.RegisterFlags(f)
	c.API.RegisterFlags(f)
	c.Cluster.RegisterFlags(f)
	c.Worker.RegisterFlags(f)
	c.IDGen.RegisterFlags(f)
	c.Fragmenter.RegisterFlags(f)
	c.GraphCache.RegisterFlags(f)
}

// Validate the config and returns an error if the validation
// doesn't pass
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return errors.Wrap(err, "invalid server config")
	}
	if err := c.API.Validate(); err != nil {
		return errors.Wrap(err, "invalid api config")
	}
	if err := c.Cluster.Validate(); err != nil {
		return errors.Wrap(err, "invalid cluster config")
	}
	if err := c.Worker.Validate(); err != nil {
		return errors.Wrap(err, "invalid worker config")
	}
	if err := c.IDGen.Validate(); err != nil {
		return errors.Wrap(err, "invalid idgen config")
	}
	if err := c.Fragmenter.Validate(); err != nil {
		return errors.Wrap(err, "invalid fragmenter config")
	}
	if err := c.GraphCache.Validate(); err != nil {
		return errors.Wrap(err, "invalid graph cache config")
	}
	return nil
}

// Streamforge is the root datastructure for a fragmenter process.
type Streamforge struct {
	Cfg Config

	Cluster    *cluster.Manager
	IDGen      *idgen.KVAllocator
	Fragmenter *stream.Fragmenter
	Graphs     *stream.GraphCache
	API        *api.API
	Lifecycler *cluster.Lifecycler

	reg      prometheus.Registerer
	gatherer prometheus.Gatherer
	logger   log.Logger
}

// New makes a new Streamforge, wiring every component to its KV store.
func New(cfg Config, reg prometheus.Registerer, logger log.Logger) (*Streamforge, error) {
	manager, err := cluster.NewManager(cfg.Cluster, reg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "initializing cluster manager")
	}
	allocator, err := idgen.NewKVAllocator(cfg.IDGen, reg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "initializing id generator")
	}

	t := &Streamforge{
		Cfg:        cfg,
		Cluster:    manager,
		IDGen:      allocator,
		Fragmenter: stream.NewFragmenter(cfg.Fragmenter, allocator, manager, reg, logger),
		Graphs:     stream.NewGraphCache(cfg.GraphCache, reg),
		reg:        reg,
		gatherer:   prometheus.DefaultGatherer,
		logger:     logger,
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		t.gatherer = g
	}
	t.API = api.New(cfg.API, t.Fragmenter, t.Graphs, manager, reg, logger)

	if cfg.Worker.Enabled {
		t.Lifecycler, err = cluster.NewLifecycler(cfg.Worker, manager, logger)
		if err != nil {
			return nil, errors.Wrap(err, "initializing lifecycler")
		}
	}
	return t, nil
}

// Compile runs a single plan through the fragmenter.
func (t *Streamforge) Compile(ctx context.Context, root *plan.Node) (*stream.FragmentGraph, error) {
	return t.Fragmenter.GenerateGraph(ctx, root)
}

func (t *Streamforge) initServer() (*server.Server, error) {
	cfg := t.Cfg.Server.Config
	cfg.MetricsNamespace = "streamforge"
	cfg.Log = t.logger
	cfg.Registerer = t.reg
	cfg.Gatherer = t.gatherer

	serv, err := server.New(cfg)
	if err != nil {
		return nil, err
	}
	t.API.RegisterRoutes(serv.HTTP)
	return serv, nil
}

// Run serves the HTTP API, and registers this process as a worker if
// configured to, until ctx is cancelled, the process is signalled to stop or
// a component fails. The KV store connections are closed on return.
func (t *Streamforge) Run(ctx context.Context) error {
	defer t.close()

	serv, err := t.initServer()
	if err != nil {
		return errors.Wrap(err, "initializing server")
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Returns on SIGINT or SIGTERM, or once Shutdown was called.
		defer stop()
		addr := net.JoinHostPort(t.Cfg.Server.HTTPListenAddress, strconv.Itoa(t.Cfg.Server.HTTPListenPort))
		level.Info(t.logger).Log("msg", "server listening", "addr", addr)
		return errors.Wrap(serv.Run(), "server")
	})

	g.Go(func() error {
		<-gctx.Done()
		serv.Shutdown()
		return nil
	})

	if t.Lifecycler != nil {
		g.Go(func() error {
			return t.Lifecycler.Run(gctx)
		})
	}

	return g.Wait()
}

func (t *Streamforge) close() {
	if err := t.Cluster.Close(); err != nil {
		level.Warn(t.logger).Log("msg", "failed to close cluster KV client", "err", err)
	}
	if err := t.IDGen.Close(); err != nil {
		level.Warn(t.logger).Log("msg", "failed to close idgen KV client", "err", err)
	}
}
