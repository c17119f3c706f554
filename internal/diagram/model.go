package diagram

import "github.com/rendis/buildcore/pkg/schema"

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindUnit  NodeKind = "unit"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// Virtual node ids framing every diagram.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single unit in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the outcome of a unit in a finished build.
type StatusOverlay struct {
	State schema.UnitState
	Error string
}

// Edge represents an ordering constraint between two nodes. Soft edges come
// from run_after and do not propagate failure.
type Edge struct {
	From  string
	To    string
	Label string
	Soft  bool
}
