// Package testutils holds reference implementations and fixtures shared by the test suites.
package testutils

import (
	"math/rand"

	"github.com/l7mp/dmotif/pkg/graph"
)

var (
	// TriangleEdges is the symmetric closure of the undirected triangle {1,2,3}.
	TriangleEdges = []graph.Edge{{Src: 1, Dst: 2}, {Src: 2, Dst: 1}, {Src: 2, Dst: 3}, {Src: 3, Dst: 2},
		{Src: 1, Dst: 3}, {Src: 3, Dst: 1}}

	// PathEdges is the directed path 1->2->3.
	PathEdges = []graph.Edge{{Src: 1, Dst: 2}, {Src: 2, Dst: 3}}
)

// RandomEdges returns m directed edges over the vertices 0..n-1. Duplicates and self-loops are
// kept unless loops is false.
func RandomEdges(r *rand.Rand, n, m int, loops bool) []graph.Edge {
	ret := make([]graph.Edge, 0, m)
	for len(ret) < m {
		e := graph.Edge{Src: graph.Vertex(r.Intn(n)), Dst: graph.Vertex(r.Intn(n))}
		if !loops && e.IsLoop() {
			continue
		}
		ret = append(ret, e)
	}
	return ret
}

// RandomChanges returns m changes over the vertices 0..n-1, removing a random existing edge with
// probability removeProb and inserting a random edge otherwise.
func RandomChanges(r *rand.Rand, existing []graph.Edge, n, m int, removeProb float64) []graph.Change {
	ret := make([]graph.Change, 0, m)
	for len(ret) < m {
		if len(existing) > 0 && r.Float64() < removeProb {
			ret = append(ret, graph.Change{Edge: existing[r.Intn(len(existing))], Sign: -1})
			continue
		}
		e := graph.Edge{Src: graph.Vertex(r.Intn(n)), Dst: graph.Vertex(r.Intn(n))}
		ret = append(ret, graph.Change{Edge: e, Sign: 1})
	}
	return ret
}
