package stream

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// StageGraph is a tree of stages linked by "has child" edges. A child stage
// sits closer to the data sources than its parent.
type StageGraph struct {
	rootStageID uint32
	hasRoot     bool
	stages      map[uint32]*Stage
	children    map[uint32][]uint32
	parents     map[uint32]uint32
}

// NewStageGraph returns an empty StageGraph.
func NewStageGraph() *StageGraph {
	return &StageGraph{
		stages:   map[uint32]*Stage{},
		children: map[uint32][]uint32{},
		parents:  map[uint32]uint32{},
	}
}

// AddRootStage sets the root stage. A graph has exactly one root.
func (g *StageGraph) AddRootStage(stage *Stage) error {
	if g.hasRoot {
		return errors.Wrapf(ErrInvariantViolation, "stage graph already has root stage %d", g.rootStageID)
	}
	if err := g.addStage(stage); err != nil {
		return err
	}
	g.rootStageID = stage.ID()
	g.hasRoot = true
	return nil
}

// AddChildStage adds stage and links it under parentID. Every non-root
// stage has exactly one parent.
func (g *StageGraph) AddChildStage(parentID uint32, stage *Stage) error {
	if _, ok := g.stages[parentID]; !ok {
		return errors.Wrapf(ErrInvariantViolation, "parent stage %d of stage %d is unknown", parentID, stage.ID())
	}
	if err := g.addStage(stage); err != nil {
		return err
	}
	g.children[parentID] = append(g.children[parentID], stage.ID())
	g.parents[stage.ID()] = parentID
	return nil
}

func (g *StageGraph) addStage(stage *Stage) error {
	if _, ok := g.stages[stage.ID()]; ok {
		return errors.Wrapf(ErrInvariantViolation, "stage %d added twice", stage.ID())
	}
	g.stages[stage.ID()] = stage
	return nil
}

// RootStage returns the root stage, or nil for an empty graph.
func (g *StageGraph) RootStage() *Stage {
	if !g.hasRoot {
		return nil
	}
	return g.stages[g.rootStageID]
}

// IsRoot is true if id is the root stage.
func (g *StageGraph) IsRoot(id uint32) bool {
	return g.hasRoot && id == g.rootStageID
}

// Stage looks a stage up by id.
func (g *StageGraph) Stage(id uint32) (*Stage, bool) {
	s, ok := g.stages[id]
	return s, ok
}

// HasChildren is true when more exchanges exist below the stage.
func (g *StageGraph) HasChildren(id uint32) bool {
	return len(g.children[id]) > 0
}

// Children returns the child stage ids in plan order.
func (g *StageGraph) Children(id uint32) []uint32 {
	return g.children[id]
}

// Parent returns the parent of a non-root stage.
func (g *StageGraph) Parent(id uint32) (uint32, bool) {
	p, ok := g.parents[id]
	return p, ok
}

// Len returns the number of stages.
func (g *StageGraph) Len() int {
	return len(g.stages)
}

// Walk visits the stages top-down, parents before children, starting at the
// root. It stops at the first error returned by f.
func (g *StageGraph) Walk(f func(stage *Stage, depth int) error) error {
	if !g.hasRoot {
		return nil
	}
	return g.walk(g.rootStageID, 0, f)
}

func (g *StageGraph) walk(id uint32, depth int, f func(*Stage, int) error) error {
	if err := f(g.stages[id], depth); err != nil {
		return err
	}
	for _, child := range g.children[id] {
		if err := g.walk(child, depth+1, f); err != nil {
			return err
		}
	}
	return nil
}

func (g *StageGraph) String() string {
	var sb strings.Builder
	_ = g.Walk(func(stage *Stage, depth int) error {
		fmt.Fprintf(&sb, "%s%s\n", strings.Repeat("  ", depth), stage)
		return nil
	})
	return sb.String()
}
