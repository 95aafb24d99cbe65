package stream

import (
	"github.com/streamforge/streamforge/pkg/plan"
)

// Fragment is one parallel physical instance of a Stage. Sibling fragments
// of the same stage share an identical operator subtree and dispatcher.
type Fragment struct {
	ID         uint32          `json:"id"`
	Node       *plan.Node      `json:"node"`
	Dispatcher plan.Dispatcher `json:"dispatcher"`
	// Upstreams are the fragments producing input for this fragment.
	Upstreams []uint32 `json:"upstreams"`
	// Downstreams are the fragments consuming this fragment's output.
	Downstreams []uint32 `json:"downstreams"`
}

// FragmentBuilder collects the parts of a Fragment while the graph is built.
type FragmentBuilder struct {
	id         uint32
	node       *plan.Node
	dispatcher plan.Dispatcher
}

// NewFragmentBuilder takes ownership of node, which must not be shared with
// any other fragment.
func NewFragmentBuilder(id uint32, node *plan.Node) *FragmentBuilder {
	return &FragmentBuilder{
		id:         id,
		node:       node,
		dispatcher: plan.NoDispatch(),
	}
}

// ID returns the fragment id.
func (b *FragmentBuilder) ID() uint32 {
	return b.id
}

// SetDispatcher sets the routing strategy of the fragment output.
func (b *FragmentBuilder) SetDispatcher(d plan.Dispatcher) {
	b.dispatcher = d.Clone()
}

// SetNoDispatch marks the fragment as the single, undispatched sink.
func (b *FragmentBuilder) SetNoDispatch() {
	b.dispatcher = plan.NoDispatch()
}

// Build returns the Fragment without any edge information.
func (b *FragmentBuilder) Build() *Fragment {
	return &Fragment{
		ID:          b.id,
		Node:        b.node,
		Dispatcher:  b.dispatcher,
		Upstreams:   []uint32{},
		Downstreams: []uint32{},
	}
}
