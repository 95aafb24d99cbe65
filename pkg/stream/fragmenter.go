package stream

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/streamforge/streamforge/pkg/cluster"
	"github.com/streamforge/streamforge/pkg/idgen"
	"github.com/streamforge/streamforge/pkg/plan"
)

var (
	// ErrInvariantViolation signals that stage decomposition and fragment
	// materialization disagree. It is a bug, never a user error.
	ErrInvariantViolation = errors.New("fragmenter invariant violation")

	// ErrNoComputeWorkers is returned when a plan needs parallel fragments
	// but the cluster has no live compute worker to run them.
	ErrNoComputeWorkers = errors.New("no live compute workers")
)

// Config for the Fragmenter's parallelism policy.
type Config struct {
	MinInteriorParallelism    int `yaml:"min_interior_parallelism"`
	InteriorParallelismFactor int `yaml:"interior_parallelism_factor"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.MinInteriorParallelism, "fragmenter.min-interior-parallelism", 4, "Lower bound of the number of fragments of a stage that has further exchanges below it.")
	f.IntVar(&cfg.InteriorParallelismFactor, "fragmenter.interior-parallelism-factor", 2, "Fragments per live compute worker for a stage that has further exchanges below it.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if cfg.MinInteriorParallelism < 1 {
		return fmt.Errorf("min interior parallelism must be at least 1, got %d", cfg.MinInteriorParallelism)
	}
	if cfg.InteriorParallelismFactor < 1 {
		return fmt.Errorf("interior parallelism factor must be at least 1, got %d", cfg.InteriorParallelismFactor)
	}
	return nil
}

type stageRole int

const (
	rootStage stageRole = iota
	interiorStage
	sourceStage
)

func (r stageRole) String() string {
	switch r {
	case rootStage:
		return "root"
	case interiorStage:
		return "interior"
	default:
		return "source"
	}
}

// parallelDegree is the number of fragments a stage of the given role gets
// on a cluster with the given number of live compute workers.
func (cfg Config) parallelDegree(role stageRole, workers int) int {
	switch role {
	case rootStage:
		return 1
	case interiorStage:
		return max(cfg.InteriorParallelismFactor*workers, cfg.MinInteriorParallelism)
	default:
		return workers
	}
}

// Fragmenter turns a logical streaming plan into a graph of parallel
// fragments. It holds no per-compilation state and may be shared.
type Fragmenter struct {
	cfg      Config
	idGen    idgen.Allocator
	topology cluster.Topology
	logger   log.Logger
	metrics  *fragmenterMetrics
}

// NewFragmenter makes a new Fragmenter.
func NewFragmenter(cfg Config, idGen idgen.Allocator, topology cluster.Topology, reg prometheus.Registerer, logger log.Logger) *Fragmenter {
	return &Fragmenter{
		cfg:      cfg,
		idGen:    idGen,
		topology: topology,
		logger:   log.With(logger, "component", "fragmenter"),
		metrics:  newFragmenterMetrics(reg),
	}
}

// GenerateGraph builds the fragment graph in two steps:
// (1) break the plan into stages at Exchange nodes;
// (2) materialize each stage as one or more parallel fragments, top-down,
// wiring every fragment of a stage to every fragment of its parent stage.
//
// On error no graph is returned.
func (f *Fragmenter) GenerateGraph(ctx context.Context, root *plan.Node) (*FragmentGraph, error) {
	start := time.Now()
	c := &compilation{
		Fragmenter:   f,
		stageGraph:   NewStageGraph(),
		graphBuilder: NewGraphBuilder(),
	}

	graph, err := c.run(ctx, root)
	f.metrics.duration.Observe(time.Since(start).Seconds())
	if err != nil {
		f.metrics.compilations.WithLabelValues("failure").Inc()
		level.Warn(f.logger).Log("msg", "plan compilation failed", "err", err)
		return nil, err
	}

	f.metrics.compilations.WithLabelValues("success").Inc()
	f.metrics.fragmentsCreated.Add(float64(len(graph.Fragments)))
	f.metrics.stagesPerGraph.Observe(float64(c.stageGraph.Len()))
	level.Info(f.logger).Log("msg", "plan compiled", "stages", c.stageGraph.Len(), "fragments", len(graph.Fragments),
		"dependencies", len(graph.Dependencies), "root_fragment", graph.RootFragmentID, "duration", time.Since(start))
	return graph, nil
}

// compilation is the state of a single GenerateGraph call. It is owned by
// the calling goroutine and needs no locking.
type compilation struct {
	*Fragmenter

	nextStageID  atomic.Uint32
	stageGraph   *StageGraph
	graphBuilder *GraphBuilder

	// workers is the live compute worker count, read once per compilation.
	workers int
}

func (c *compilation) run(ctx context.Context, root *plan.Node) (*FragmentGraph, error) {
	// A malformed plan breaks the same assumptions stage decomposition
	// relies on and is reported the same way.
	if err := root.Validate(); err != nil {
		return nil, errors.Wrapf(ErrInvariantViolation, "invalid plan: %v", err)
	}

	if err := c.generateStageGraph(root); err != nil {
		return nil, err
	}
	level.Debug(c.logger).Log("msg", "stage graph generated", "stages", c.stageGraph.Len())

	// The root stage never depends on the cluster size.
	if c.stageGraph.Len() > 1 {
		workers, err := c.topology.ListWorkers(ctx, cluster.ComputeNode)
		if err != nil {
			return nil, errors.Wrap(err, "list compute workers")
		}
		if len(workers) == 0 {
			return nil, errors.Wrapf(ErrNoComputeWorkers, "plan has %d stages to parallelize", c.stageGraph.Len()-1)
		}
		c.workers = len(workers)
	}

	if err := c.buildGraphFromStage(ctx, c.stageGraph.RootStage(), nil); err != nil {
		return nil, err
	}
	return c.graphBuilder.Build(), nil
}

// generateStageGraph builds the stage graph from the plan.
func (c *compilation) generateStageGraph(root *plan.Node) error {
	rootStage := NewStage(c.newStageID(), root)
	if err := c.stageGraph.AddRootStage(rootStage); err != nil {
		return err
	}
	return c.buildStage(rootStage, root)
}

// buildStage walks the children of node. Every Exchange child starts a new
// stage linked under parent; any other child stays in parent.
func (c *compilation) buildStage(parent *Stage, node *plan.Node) error {
	for _, child := range node.Children {
		if !child.IsExchange() {
			if err := c.buildStage(parent, child); err != nil {
				return err
			}
			continue
		}

		childStage, err := c.newChildStage(child)
		if err != nil {
			return err
		}
		if err := c.stageGraph.AddChildStage(parent.ID(), childStage); err != nil {
			return err
		}
		if err := c.buildStage(childStage, child); err != nil {
			return err
		}
	}
	return nil
}

// newChildStage makes a non-root stage. Its root must be an Exchange that
// carries the dispatcher all of the stage's fragments will use.
func (c *compilation) newChildStage(node *plan.Node) (*Stage, error) {
	if err := checkStageRoot(node); err != nil {
		return nil, err
	}
	return NewStage(c.newStageID(), node), nil
}

func (c *compilation) newStageID() uint32 {
	return c.nextStageID.Inc() - 1
}

func checkStageRoot(node *plan.Node) error {
	if !node.IsExchange() {
		return errors.Wrapf(ErrInvariantViolation, "non-root stage starts at %s, expected exchange", node.Kind)
	}
	if node.Dispatcher == nil || node.Dispatcher.Type == plan.DispatcherNone {
		return errors.Wrapf(ErrInvariantViolation, "exchange %d has no dispatcher", node.ID)
	}
	return nil
}

func (c *compilation) roleOf(stage *Stage) stageRole {
	switch {
	case c.stageGraph.IsRoot(stage.ID()):
		return rootStage
	case c.stageGraph.HasChildren(stage.ID()):
		return interiorStage
	default:
		return sourceStage
	}
}

// buildGraphFromStage materializes stage into fragments, links each of them
// to every fragment in downstream (the parent stage's fragments) and
// recurses into the child stages.
func (c *compilation) buildGraphFromStage(ctx context.Context, stage *Stage, downstream []uint32) error {
	role := c.roleOf(stage)
	degree := c.cfg.parallelDegree(role, c.workers)
	if degree <= 0 {
		return errors.Wrapf(ErrNoComputeWorkers, "%s stage %d", role, stage.ID())
	}

	logger := log.With(c.logger, "stage", stage.ID(), "role", role)
	dispatcher := plan.NoDispatch()
	if role != rootStage {
		parent, ok := c.stageGraph.Parent(stage.ID())
		if !ok {
			return errors.Wrapf(ErrInvariantViolation, "stage %d is not linked to a parent", stage.ID())
		}
		if err := checkStageRoot(stage.Node()); err != nil {
			return errors.Wrapf(err, "materialize stage %d", stage.ID())
		}
		dispatcher = *stage.Node().Dispatcher
		logger = log.With(logger, "parent_stage", parent)
	}

	firstID, err := c.idGen.GenerateInterval(ctx, idgen.Fragment, degree)
	if err != nil {
		return errors.Wrapf(err, "allocate %d fragment ids for stage %d", degree, stage.ID())
	}

	upstream := make([]uint32, 0, degree)
	for i := 0; i < degree; i++ {
		id := firstID + uint32(i)
		fb := NewFragmentBuilder(id, stage.Node().Clone())
		if role == rootStage {
			fb.SetNoDispatch()
		} else {
			fb.SetDispatcher(dispatcher)
		}
		if err := c.graphBuilder.AddFragment(fb); err != nil {
			return err
		}
		upstream = append(upstream, id)
	}
	if role == rootStage {
		c.graphBuilder.SetRootFragment(firstID)
	}

	for _, down := range downstream {
		for _, up := range upstream {
			c.graphBuilder.AddDependency(up, down)
		}
	}

	level.Debug(logger).Log("msg", "stage materialized", "fragments", degree, "first_fragment", firstID, "dispatcher", dispatcher.Type)

	for _, childID := range c.stageGraph.Children(stage.ID()) {
		child, ok := c.stageGraph.Stage(childID)
		if !ok {
			return errors.Wrapf(ErrInvariantViolation, "stage %d links unknown child %d", stage.ID(), childID)
		}
		if err := c.buildGraphFromStage(ctx, child, upstream); err != nil {
			return err
		}
	}
	return nil
}
