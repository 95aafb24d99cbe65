package stream

import (
	"fmt"

	"github.com/streamforge/streamforge/pkg/plan"
)

// Stage wraps a subtree of the logical plan that starts either at the plan
// root or at an Exchange node. A Stage is the unit that gets parallelized.
type Stage struct {
	id   uint32
	node *plan.Node
}

// NewStage makes a Stage rooted at node.
func NewStage(id uint32, node *plan.Node) *Stage {
	return &Stage{id: id, node: node}
}

// ID returns the stage id, unique within one compilation.
func (s *Stage) ID() uint32 {
	return s.id
}

// Node returns the root operator of the stage. It is shared with the plan
// and must not be mutated.
func (s *Stage) Node() *plan.Node {
	return s.node
}

func (s *Stage) String() string {
	return fmt.Sprintf("stage-%d(%s)", s.id, s.node.Kind)
}
