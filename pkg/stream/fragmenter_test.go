package stream

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/streamforge/pkg/cluster"
	"github.com/streamforge/streamforge/pkg/cluster/kv/codec"
	"github.com/streamforge/streamforge/pkg/cluster/kv/consul"
	"github.com/streamforge/streamforge/pkg/idgen"
	"github.com/streamforge/streamforge/pkg/plan"
)

type staticTopology struct {
	workers int
	err     error
	calls   int
}

func (s *staticTopology) ListWorkers(_ context.Context, typ cluster.WorkerType) ([]cluster.WorkerDesc, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]cluster.WorkerDesc, 0, s.workers)
	for i := 0; i < s.workers; i++ {
		out = append(out, cluster.WorkerDesc{ID: fmt.Sprintf("compute-%d", i), Type: typ, State: cluster.RUNNING})
	}
	return out, nil
}

// failingAllocator fails every call after the first `okCalls`.
type failingAllocator struct {
	idgen.Allocator
	okCalls int
	calls   int
}

func (f *failingAllocator) GenerateInterval(ctx context.Context, category idgen.Category, count int) (uint32, error) {
	f.calls++
	if f.calls > f.okCalls {
		return 0, errors.New("id service unavailable")
	}
	return f.Allocator.GenerateInterval(ctx, category, count)
}

func defaultConfig() Config {
	return Config{MinInteriorParallelism: 4, InteriorParallelismFactor: 2}
}

func newTestAllocator(t *testing.T) idgen.Allocator {
	t.Helper()
	client := consul.NewInMemoryClient(codec.String{}, log.NewNopLogger())
	return idgen.NewKVAllocatorWithClient(idgen.Config{StartID: 1}, client, nil, log.NewNopLogger())
}

func newTestFragmenter(t *testing.T, workers int) (*Fragmenter, *staticTopology) {
	t.Helper()
	topology := &staticTopology{workers: workers}
	return NewFragmenter(defaultConfig(), newTestAllocator(t), topology, prometheus.NewPedanticRegistry(), log.NewNopLogger()), topology
}

func hash(children ...*plan.Node) *plan.Node {
	return plan.NewExchange(plan.Dispatcher{Type: plan.DispatcherHash, ColumnIndices: []uint32{0}}, children...)
}

func broadcast(children ...*plan.Node) *plan.Node {
	return plan.NewExchange(plan.Dispatcher{Type: plan.DispatcherBroadcast}, children...)
}

func scan() *plan.Node {
	return plan.NewNode(plan.KindTableSource)
}

// checkGraph asserts the shape properties every compiled graph has.
func checkGraph(t *testing.T, g *FragmentGraph) {
	t.Helper()

	ids := map[uint32]bool{}
	for _, f := range g.Fragments {
		require.False(t, ids[f.ID], "duplicate fragment id %d", f.ID)
		ids[f.ID] = true
	}
	for _, dep := range g.Dependencies {
		assert.True(t, ids[dep.Upstream], "dangling producer %d", dep.Upstream)
		assert.True(t, ids[dep.Downstream], "dangling consumer %d", dep.Downstream)
	}

	root, ok := g.Fragment(g.RootFragmentID)
	require.True(t, ok)
	assert.Equal(t, plan.DispatcherNone, root.Dispatcher.Type)
	assert.Empty(t, root.Downstreams)

	noDispatch := 0
	for _, f := range g.Fragments {
		if f.Dispatcher.Type == plan.DispatcherNone {
			noDispatch++
		}
	}
	assert.Equal(t, 1, noDispatch)
}

func TestGenerateGraph_NoExchange(t *testing.T) {
	f, topology := newTestFragmenter(t, 0)

	root := plan.NewNode(plan.KindMaterialize, plan.NewNode(plan.KindFilter, scan()))
	g, err := f.GenerateGraph(context.Background(), root)
	require.NoError(t, err)
	checkGraph(t, g)

	require.Len(t, g.Fragments, 1)
	assert.Empty(t, g.Dependencies)
	assert.Equal(t, uint32(1), g.RootFragmentID)
	assert.Equal(t, root.String(), g.Fragments[0].Node.String())
	assert.NotSame(t, root, g.Fragments[0].Node)

	// The cluster is only asked when something has to be parallelized.
	assert.Equal(t, 0, topology.calls)
}

func TestGenerateGraph_SingleExchange(t *testing.T) {
	f, topology := newTestFragmenter(t, 3)

	root := plan.NewNode(plan.KindMaterialize, hash(scan()))
	g, err := f.GenerateGraph(context.Background(), root)
	require.NoError(t, err)
	checkGraph(t, g)

	require.Len(t, g.Fragments, 4)
	assert.Equal(t, uint32(1), g.RootFragmentID)
	assert.ElementsMatch(t, []Dependency{
		{Upstream: 2, Downstream: 1},
		{Upstream: 3, Downstream: 1},
		{Upstream: 4, Downstream: 1},
	}, g.Dependencies)

	rootFragment, _ := g.Fragment(1)
	assert.Equal(t, []uint32{2, 3, 4}, rootFragment.Upstreams)

	for _, id := range []uint32{2, 3, 4} {
		source, ok := g.Fragment(id)
		require.True(t, ok)
		assert.Equal(t, plan.DispatcherHash, source.Dispatcher.Type)
		assert.Equal(t, []uint32{0}, source.Dispatcher.ColumnIndices)
		assert.Equal(t, []uint32{1}, source.Downstreams)
		assert.Empty(t, source.Upstreams)
		assert.Equal(t, plan.KindExchange, source.Node.Kind)
	}
	assert.Equal(t, 1, topology.calls)
}

func TestGenerateGraph_StageCountAndEdges(t *testing.T) {
	for _, tc := range []struct {
		name              string
		root              *plan.Node
		workers           int
		expectedFragments int
		expectedEdges     int
	}{
		{
			// root(1) <- interior(6) <- source(3)
			name:              "chain of two exchanges",
			root:              plan.NewNode(plan.KindMaterialize, hash(plan.NewNode(plan.KindHashAgg, hash(scan())))),
			workers:           3,
			expectedFragments: 1 + 6 + 3,
			expectedEdges:     6*1 + 3*6,
		},
		{
			// root(1) <- interior(4) <- two sources(2 each)
			name: "join",
			root: plan.NewNode(plan.KindMaterialize,
				hash(plan.NewNode(plan.KindHashJoin,
					hash(scan()),
					broadcast(plan.NewNode(plan.KindFilter, scan())),
				)),
			),
			workers:           2,
			expectedFragments: 1 + 4 + 2 + 2,
			expectedEdges:     4*1 + 2*4 + 2*4,
		},
		{
			// root(1) <- two sources(5 each)
			name:              "two exchanges under the root",
			root:              plan.NewNode(plan.KindMerge, hash(scan()), hash(scan())),
			workers:           5,
			expectedFragments: 1 + 5 + 5,
			expectedEdges:     5 + 5,
		},
		{
			// root(1) <- interior(20) <- interior(20) <- source(10)
			name:              "deep chain",
			root:              plan.NewNode(plan.KindMaterialize, hash(plan.NewNode(plan.KindHashAgg, hash(plan.NewNode(plan.KindHashAgg, hash(scan())))))),
			workers:           10,
			expectedFragments: 1 + 20 + 20 + 10,
			expectedEdges:     20 + 20*20 + 10*20,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f, _ := newTestFragmenter(t, tc.workers)

			g, err := f.GenerateGraph(context.Background(), tc.root)
			require.NoError(t, err)
			checkGraph(t, g)
			assert.Len(t, g.Fragments, tc.expectedFragments)
			assert.Len(t, g.Dependencies, tc.expectedEdges)
		})
	}
}

func TestGenerateGraph_StagesEqualExchangesPlusOne(t *testing.T) {
	f, _ := newTestFragmenter(t, 2)
	root := plan.NewNode(plan.KindMaterialize,
		hash(plan.NewNode(plan.KindHashJoin, hash(scan()), hash(plan.NewNode(plan.KindHashAgg, broadcast(scan()))))),
	)

	c := &compilation{Fragmenter: f, stageGraph: NewStageGraph(), graphBuilder: NewGraphBuilder()}
	require.NoError(t, c.generateStageGraph(root))
	assert.Equal(t, 1+root.CountExchanges(), c.stageGraph.Len())

	// Stage ids follow discovery order.
	var ids []uint32
	require.NoError(t, c.stageGraph.Walk(func(s *Stage, _ int) error {
		ids = append(ids, s.ID())
		return nil
	}))
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, ids)
	assert.Equal(t, []uint32{2, 3}, c.stageGraph.Children(1))
}

func TestGenerateGraph_FragmentsOwnTheirSubtree(t *testing.T) {
	f, _ := newTestFragmenter(t, 2)

	root := plan.NewNode(plan.KindMaterialize, hash(plan.NewNode(plan.KindHashAgg, hash(scan()))))
	g, err := f.GenerateGraph(context.Background(), root)
	require.NoError(t, err)

	seen := map[*plan.Node]bool{}
	for _, fragment := range g.Fragments {
		require.NoError(t, fragment.Node.Walk(func(n *plan.Node) error {
			assert.False(t, seen[n], "operator shared between fragments")
			seen[n] = true
			return nil
		}))
	}

	// Mutating a fragment leaves the plan and the other fragments untouched.
	g.Fragments[1].Node.Properties = map[string]string{"mutated": "true"}
	assert.Nil(t, g.Fragments[2].Node.Properties)
	assert.Nil(t, root.Children[0].Properties)
}

func TestGenerateGraph_IDsUniqueAcrossRuns(t *testing.T) {
	f, _ := newTestFragmenter(t, 2)
	root := plan.NewNode(plan.KindMaterialize, hash(scan()))

	first, err := f.GenerateGraph(context.Background(), root)
	require.NoError(t, err)
	second, err := f.GenerateGraph(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), first.RootFragmentID)
	assert.Equal(t, uint32(4), second.RootFragmentID)
	for _, a := range first.Fragments {
		_, ok := second.Fragment(a.ID)
		assert.False(t, ok, "fragment id %d reused", a.ID)
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.compilations.WithLabelValues("success")))
	assert.Equal(t, float64(6), testutil.ToFloat64(f.metrics.fragmentsCreated))
}

func TestGenerateGraph_NoComputeWorkers(t *testing.T) {
	for name, root := range map[string]*plan.Node{
		"source stage":   plan.NewNode(plan.KindMaterialize, hash(scan())),
		"interior stage": plan.NewNode(plan.KindMaterialize, hash(plan.NewNode(plan.KindHashAgg, hash(scan())))),
	} {
		t.Run(name, func(t *testing.T) {
			f, _ := newTestFragmenter(t, 0)
			g, err := f.GenerateGraph(context.Background(), root)
			require.ErrorIs(t, err, ErrNoComputeWorkers)
			assert.Nil(t, g)
			assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.compilations.WithLabelValues("failure")))
		})
	}
}

func TestGenerateGraph_TopologyFailure(t *testing.T) {
	topologyErr := errors.New("meta service unreachable")
	topology := &staticTopology{err: topologyErr}
	f := NewFragmenter(defaultConfig(), newTestAllocator(t), topology, nil, log.NewNopLogger())

	g, err := f.GenerateGraph(context.Background(), plan.NewNode(plan.KindMaterialize, hash(scan())))
	require.Error(t, err)
	assert.Equal(t, topologyErr, errors.Cause(err))
	assert.Nil(t, g)
}

func TestGenerateGraph_AllocatorFailure(t *testing.T) {
	for _, okCalls := range []int{0, 1, 2} {
		t.Run(fmt.Sprintf("fails after %d allocations", okCalls), func(t *testing.T) {
			alloc := &failingAllocator{Allocator: newTestAllocator(t), okCalls: okCalls}
			f := NewFragmenter(defaultConfig(), alloc, &staticTopology{workers: 2}, nil, log.NewNopLogger())

			root := plan.NewNode(plan.KindMaterialize, hash(plan.NewNode(plan.KindHashAgg, hash(scan()))))
			g, err := f.GenerateGraph(context.Background(), root)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "id service unavailable")
			assert.Nil(t, g)
		})
	}
}

func TestGenerateGraph_InvariantViolation(t *testing.T) {
	f, _ := newTestFragmenter(t, 2)

	for name, root := range map[string]*plan.Node{
		"nil plan":                  nil,
		"exchange without dispatch": plan.NewNode(plan.KindMaterialize, &plan.Node{Kind: plan.KindExchange, Children: []*plan.Node{scan()}}),
		"exchange with no dispatch": plan.NewNode(plan.KindMaterialize, plan.NewExchange(plan.NoDispatch(), scan())),
	} {
		t.Run(name, func(t *testing.T) {
			g, err := f.GenerateGraph(context.Background(), root)
			require.ErrorIs(t, err, ErrInvariantViolation)
			assert.Nil(t, g)
		})
	}
}

func TestCheckStageRoot(t *testing.T) {
	require.NoError(t, checkStageRoot(hash(scan())))
	require.ErrorIs(t, checkStageRoot(scan()), ErrInvariantViolation)
	require.ErrorIs(t, checkStageRoot(&plan.Node{Kind: plan.KindExchange}), ErrInvariantViolation)
	require.ErrorIs(t, checkStageRoot(plan.NewExchange(plan.NoDispatch())), ErrInvariantViolation)
}

func TestParallelDegree(t *testing.T) {
	cfg := defaultConfig()
	for _, tc := range []struct {
		role     stageRole
		workers  int
		expected int
	}{
		{role: rootStage, workers: 0, expected: 1},
		{role: rootStage, workers: 100, expected: 1},
		{role: interiorStage, workers: 0, expected: 4},
		{role: interiorStage, workers: 1, expected: 4},
		{role: interiorStage, workers: 2, expected: 4},
		{role: interiorStage, workers: 3, expected: 6},
		{role: interiorStage, workers: 10, expected: 20},
		{role: sourceStage, workers: 0, expected: 0},
		{role: sourceStage, workers: 1, expected: 1},
		{role: sourceStage, workers: 5, expected: 5},
	} {
		t.Run(fmt.Sprintf("%s/%d", tc.role, tc.workers), func(t *testing.T) {
			assert.Equal(t, tc.expected, cfg.parallelDegree(tc.role, tc.workers))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.MinInteriorParallelism = 0
	require.Error(t, cfg.Validate())

	cfg = defaultConfig()
	cfg.InteriorParallelismFactor = 0
	require.Error(t, cfg.Validate())
}
