package stream

import (
	"sort"

	"github.com/pkg/errors"
)

// Dependency is a producer -> consumer edge between two fragments.
type Dependency struct {
	// Upstream produces the rows.
	Upstream uint32 `json:"producer_id"`
	// Downstream consumes them.
	Downstream uint32 `json:"consumer_id"`
}

// FragmentGraph is the output of the fragmenter, ready for the scheduler.
type FragmentGraph struct {
	RootFragmentID uint32       `json:"root_fragment_id"`
	Fragments      []*Fragment  `json:"fragments"`
	Dependencies   []Dependency `json:"dependencies"`
}

// Fragment looks a fragment up by id.
func (g *FragmentGraph) Fragment(id uint32) (*Fragment, bool) {
	i := sort.Search(len(g.Fragments), func(i int) bool { return g.Fragments[i].ID >= id })
	if i < len(g.Fragments) && g.Fragments[i].ID == id {
		return g.Fragments[i], true
	}
	return nil, false
}

// GraphBuilder accumulates fragments and their dependencies.
type GraphBuilder struct {
	fragments      map[uint32]*FragmentBuilder
	dependencies   []Dependency
	rootFragmentID uint32
	hasRoot        bool
}

// NewGraphBuilder returns an empty GraphBuilder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		fragments: map[uint32]*FragmentBuilder{},
	}
}

// AddFragment adds a fragment. Fragment ids must be unique.
func (b *GraphBuilder) AddFragment(fragment *FragmentBuilder) error {
	if _, ok := b.fragments[fragment.ID()]; ok {
		return errors.Wrapf(ErrInvariantViolation, "fragment %d added twice", fragment.ID())
	}
	b.fragments[fragment.ID()] = fragment
	return nil
}

// AddDependency records that upstream's output feeds downstream.
func (b *GraphBuilder) AddDependency(upstream, downstream uint32) {
	b.dependencies = append(b.dependencies, Dependency{Upstream: upstream, Downstream: downstream})
}

// SetRootFragment designates the fragment producing the final output.
func (b *GraphBuilder) SetRootFragment(id uint32) {
	b.rootFragmentID = id
	b.hasRoot = true
}

// Len returns the number of fragments added so far.
func (b *GraphBuilder) Len() int {
	return len(b.fragments)
}

// Build flattens the accumulated fragments, ordered by id, and attaches each
// dependency to both of its endpoints.
func (b *GraphBuilder) Build() *FragmentGraph {
	built := make(map[uint32]*Fragment, len(b.fragments))
	graph := &FragmentGraph{
		RootFragmentID: b.rootFragmentID,
		Fragments:      make([]*Fragment, 0, len(b.fragments)),
		Dependencies:   make([]Dependency, len(b.dependencies)),
	}
	copy(graph.Dependencies, b.dependencies)

	for id, fb := range b.fragments {
		f := fb.Build()
		built[id] = f
		graph.Fragments = append(graph.Fragments, f)
	}
	sort.Slice(graph.Fragments, func(i, j int) bool { return graph.Fragments[i].ID < graph.Fragments[j].ID })

	for _, dep := range b.dependencies {
		if up, ok := built[dep.Upstream]; ok {
			up.Downstreams = append(up.Downstreams, dep.Downstream)
		}
		if down, ok := built[dep.Downstream]; ok {
			down.Upstreams = append(down.Upstreams, dep.Upstream)
		}
	}
	for _, f := range graph.Fragments {
		sort.Slice(f.Upstreams, func(i, j int) bool { return f.Upstreams[i] < f.Upstreams[j] })
		sort.Slice(f.Downstreams, func(i, j int) bool { return f.Downstreams[i] < f.Downstreams[j] })
	}
	return graph
}
