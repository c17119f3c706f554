package diagram

import (
	"fmt"

	"github.com/rendis/buildcore/internal/engine"
	"github.com/rendis/buildcore/pkg/schema"
)

// stateUnexecuted marks units a fail-fast build never dispatched.
const stateUnexecuted schema.UnitState = "unexecuted"

// Build constructs a DiagramModel from an execution graph. When report is
// non-nil, each node carries the unit's outcome in that build.
func Build(title string, g *engine.Graph, report *schema.BuildReport) *DiagramModel {
	if title == "" {
		title = "Build"
	}

	nodes := make([]*Node, 0, g.Len()+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, id := range g.Order() {
		u, _ := g.Unit(id)
		node := &Node{ID: id, Label: nodeLabel(u), Kind: NodeKindUnit}
		overlayStatus(node, report)
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  title,
		Nodes:  nodes,
		Edges:  buildEdges(g),
		Levels: buildLevels(g),
	}
}

// nodeLabel creates a human-readable label for a node.
func nodeLabel(u *engine.Unit) string {
	if u.Action != "" {
		return fmt.Sprintf("%s\n(%s)", u.ID, u.Action)
	}
	return u.ID
}

// overlayStatus applies a unit's build outcome to its node.
func overlayStatus(node *Node, report *schema.BuildReport) {
	if report == nil {
		return
	}
	state := report.StateOf(node.ID)
	if state == schema.UnitStatePending {
		for _, id := range report.Unexecuted {
			if id == node.ID {
				state = stateUnexecuted
				break
			}
		}
	}
	overlay := &StatusOverlay{State: state}
	for _, f := range report.Failures {
		if f.UnitID == node.ID && f.Cause != nil {
			overlay.Error = schema.RootCause(f.Cause).Error()
		}
	}
	node.Status = overlay
}

// buildEdges emits edges dependency → dependent in planned order, plus the
// virtual start and end edges.
func buildEdges(g *engine.Graph) []Edge {
	var edges []Edge
	for _, id := range g.Order() {
		deps, after := g.Deps(id), g.RunAfter(id)
		if len(deps) == 0 && len(after) == 0 {
			edges = append(edges, Edge{From: StartID, To: id})
		}
		for _, dep := range deps {
			edges = append(edges, Edge{From: dep, To: id})
		}
		for _, pred := range after {
			edges = append(edges, Edge{From: pred, To: id, Label: "after", Soft: true})
		}
	}

	// Units nothing waits on lead to the end node.
	waitedOn := make(map[string]bool)
	for _, e := range edges {
		waitedOn[e.From] = true
	}
	for _, id := range g.Order() {
		if !waitedOn[id] {
			edges = append(edges, Edge{From: id, To: EndID})
		}
	}
	return edges
}

// buildLevels wraps graph levels with virtual start/end levels.
func buildLevels(g *engine.Graph) [][]string {
	inner := g.Levels()
	levels := make([][]string, 0, len(inner)+2)
	levels = append(levels, []string{StartID})
	levels = append(levels, inner...)
	levels = append(levels, []string{EndID})
	return levels
}
