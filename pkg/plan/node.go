// Package plan holds the logical streaming plan handed over by the planner:
// a tree of operators, some of which are Exchange boundaries.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedPlan is returned for plans that do not follow the expected shape.
var ErrMalformedPlan = errors.New("malformed plan")

// Dispatcher describes how an operator's output is routed to its consumers.
type Dispatcher struct {
	Type DispatcherType `json:"type" yaml:"type"`
	// ColumnIndices are the key columns of a hash dispatcher.
	ColumnIndices []uint32 `json:"column_indices,omitempty" yaml:"column_indices,omitempty"`
}

// NoDispatch is the dispatcher of the root fragment.
func NoDispatch() Dispatcher {
	return Dispatcher{Type: DispatcherNone}
}

// Clone returns a deep copy of the dispatcher.
func (d Dispatcher) Clone() Dispatcher {
	out := Dispatcher{Type: d.Type}
	if d.ColumnIndices != nil {
		out.ColumnIndices = append([]uint32(nil), d.ColumnIndices...)
	}
	return out
}

func (d Dispatcher) String() string {
	if d.Type == DispatcherHash {
		return fmt.Sprintf("%s%v", d.Type, d.ColumnIndices)
	}
	return d.Type.String()
}

// Node is an operator of the logical plan. Nodes are never mutated once the
// plan has been built, so subtrees may be shared.
type Node struct {
	ID   uint64 `json:"id,omitempty" yaml:"id,omitempty"`
	Kind Kind   `json:"kind" yaml:"kind"`
	// Dispatcher is only set on Exchange nodes.
	Dispatcher *Dispatcher       `json:"dispatcher,omitempty" yaml:"dispatcher,omitempty"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
	Children   []*Node           `json:"children,omitempty" yaml:"children,omitempty"`
}

// NewExchange builds an Exchange node.
func NewExchange(dispatcher Dispatcher, children ...*Node) *Node {
	return &Node{Kind: KindExchange, Dispatcher: &dispatcher, Children: children}
}

// NewNode builds a non-Exchange node.
func NewNode(kind Kind, children ...*Node) *Node {
	return &Node{Kind: kind, Children: children}
}

// IsExchange is true for Exchange nodes.
func (n *Node) IsExchange() bool {
	return n != nil && n.Kind == KindExchange
}

// Clone returns a deep copy of the subtree rooted at n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		ID:   n.ID,
		Kind: n.Kind,
	}
	if n.Dispatcher != nil {
		d := n.Dispatcher.Clone()
		out.Dispatcher = &d
	}
	if n.Properties != nil {
		out.Properties = make(map[string]string, len(n.Properties))
		for k, v := range n.Properties {
			out.Properties[k] = v
		}
	}
	if n.Children != nil {
		out.Children = make([]*Node, 0, len(n.Children))
		for _, c := range n.Children {
			out.Children = append(out.Children, c.Clone())
		}
	}
	return out
}

// Walk visits the subtree rooted at n in pre-order. Walking stops at the
// first error returned by f.
func (n *Node) Walk(f func(*Node) error) error {
	if n == nil {
		return nil
	}
	if err := f(n); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := c.Walk(f); err != nil {
			return err
		}
	}
	return nil
}

// CountExchanges returns the number of Exchange nodes in the subtree.
func (n *Node) CountExchanges() int {
	count := 0
	_ = n.Walk(func(node *Node) error {
		if node.IsExchange() {
			count++
		}
		return nil
	})
	return count
}

// Validate checks every node of the subtree: Exchange nodes must carry a
// concrete dispatcher, hash dispatchers need key columns and no other node
// may carry a dispatcher.
func (n *Node) Validate() error {
	if n == nil {
		return errors.Wrap(ErrMalformedPlan, "empty plan")
	}
	return n.Walk(func(node *Node) error {
		if node == nil {
			return errors.Wrap(ErrMalformedPlan, "nil operator")
		}
		if _, ok := kindNames[node.Kind]; !ok || node.Kind == KindInvalid {
			return errors.Wrapf(ErrMalformedPlan, "operator %d has invalid kind %s", node.ID, node.Kind)
		}
		for _, c := range node.Children {
			if c == nil {
				return errors.Wrapf(ErrMalformedPlan, "operator %d (%s) has a nil child", node.ID, node.Kind)
			}
		}

		if !node.IsExchange() {
			if node.Dispatcher != nil {
				return errors.Wrapf(ErrMalformedPlan, "operator %d (%s) carries a dispatcher but is not an exchange", node.ID, node.Kind)
			}
			return nil
		}

		switch {
		case node.Dispatcher == nil:
			return errors.Wrapf(ErrMalformedPlan, "exchange %d has no dispatcher", node.ID)
		case node.Dispatcher.Type == DispatcherNone:
			return errors.Wrapf(ErrMalformedPlan, "exchange %d must not use the %s dispatcher", node.ID, DispatcherNone)
		case node.Dispatcher.Type == DispatcherHash && len(node.Dispatcher.ColumnIndices) == 0:
			return errors.Wrapf(ErrMalformedPlan, "hash exchange %d has no key columns", node.ID)
		}
		if _, ok := dispatcherNames[node.Dispatcher.Type]; !ok {
			return errors.Wrapf(ErrMalformedPlan, "exchange %d has unknown dispatcher %s", node.ID, node.Dispatcher.Type)
		}
		return nil
	})
}

// String renders the subtree as an indented tree, one operator per line.
func (n *Node) String() string {
	var sb strings.Builder
	n.format(&sb, 0)
	return sb.String()
}

func (n *Node) format(sb *strings.Builder, depth int) {
	if n == nil {
		return
	}
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(n.Kind.String())
	if n.Dispatcher != nil {
		fmt.Fprintf(sb, " dispatcher=%s", n.Dispatcher)
	}
	if len(n.Properties) > 0 {
		keys := make([]string, 0, len(n.Properties))
		for k := range n.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(sb, " %s=%s", k, n.Properties[k])
		}
	}
	sb.WriteByte('\n')
	for _, c := range n.Children {
		c.format(sb, depth+1)
	}
}
