package builddispatch

import (
	"gonum.org/v1/gonum/graph/simple"

	"github.com/wavelens/gradient/internal/models"
)

// buildNode adapts a Build id to gonum's graph.Node interface, the same
// adaptation internal/evaldriver uses for path strings.
type buildNode struct {
	id      int64
	buildID string
}

func (n buildNode) ID() int64 { return n.id }

// dependentGraph is an evaluation's build_dependency edges loaded into a
// directed graph with edges pointing dependent->dependency, letting
// TransitiveDependents walk "who depends on this build" via g.To.
type dependentGraph struct {
	g       *simple.DirectedGraph
	byBuild map[string]buildNode
}

func newDependentGraph(builds []models.Build, edges []models.BuildDependency) *dependentGraph {
	g := simple.NewDirectedGraph()
	byBuild := make(map[string]buildNode, len(builds))
	for idx, b := range builds {
		n := buildNode{id: int64(idx), buildID: b.ID}
		byBuild[b.ID] = n
		g.AddNode(n)
	}
	for _, e := range edges {
		from, fok := byBuild[e.Build]
		to, tok := byBuild[e.Dependency]
		if !fok || !tok || from.id == to.id {
			continue
		}
		g.SetEdge(g.NewEdge(from, to))
	}
	return &dependentGraph{g: g, byBuild: byBuild}
}

// TransitiveDependents returns every build id that depends, directly or
// transitively, on buildID.
func (d *dependentGraph) TransitiveDependents(buildID string) []string {
	start, ok := d.byBuild[buildID]
	if !ok {
		return nil
	}
	seen := make(map[int64]bool)
	var out []string
	var walk func(n buildNode)
	walk = func(n buildNode) {
		to := d.g.To(n.ID())
		for to.Next() {
			dependent := to.Node().(buildNode)
			if seen[dependent.ID()] {
				continue
			}
			seen[dependent.ID()] = true
			out = append(out, dependent.buildID)
			walk(dependent)
		}
	}
	walk(start)
	return out
}
