package testutils

import (
	"fmt"
	"slices"
	"strings"

	"github.com/l7mp/dmotif/pkg/graph"
	"github.com/l7mp/dmotif/pkg/motif"
)

// EdgeSet is a set of directed edges.
type EdgeSet map[graph.Edge]bool

// NewEdgeSet creates an edge set from a list of edges.
func NewEdgeSet(edges []graph.Edge) EdgeSet {
	s := EdgeSet{}
	for _, e := range edges {
		s[e] = true
	}
	return s
}

// Apply applies changes with the set semantics of the index: per edge the net sign decides.
func (s EdgeSet) Apply(changes []graph.Change) {
	net := map[graph.Edge]int64{}
	for _, c := range changes {
		net[c.Edge] += c.Sign
	}
	for e, n := range net {
		switch {
		case n > 0:
			s[e] = true
		case n < 0:
			delete(s, e)
		}
	}
}

// Edges returns the edges in (src,dst) order.
func (s EdgeSet) Edges() []graph.Edge {
	ret := make([]graph.Edge, 0, len(s))
	for e := range s {
		ret = append(ret, e)
	}
	graph.SortEdges(ret)
	return ret
}

// Occurrences enumerates every homomorphism of the motif into the edge set by brute force and
// returns them keyed by the binding in the same format as join.Occurrence.
func Occurrences(m *motif.Motif, s EdgeSet) map[string]int64 {
	vertices := []graph.Vertex{}
	for e := range s {
		vertices = append(vertices, e.Src, e.Dst)
	}
	slices.Sort(vertices)
	vertices = slices.Compact(vertices)

	ret := map[string]int64{}
	binding := make([]graph.Vertex, m.Vars())
	var rec func(v int)
	rec = func(v int) {
		if v == m.Vars() {
			for _, p := range m.Edges() {
				if !s[graph.Edge{Src: binding[p.Src], Dst: binding[p.Dst]}] {
					return
				}
			}
			ret[Key(binding)]++
			return
		}
		for _, u := range vertices {
			binding[v] = u
			// prune on edges whose endpoints are already bound
			ok := true
			for _, p := range m.Edges() {
				if p.Src <= v && p.Dst <= v && !s[graph.Edge{Src: binding[p.Src], Dst: binding[p.Dst]}] {
					ok = false
					break
				}
			}
			if ok {
				rec(v + 1)
			}
		}
	}
	rec(0)
	return ret
}

// Count is the number of homomorphisms of the motif into the edge set.
func Count(m *motif.Motif, s EdgeSet) int64 {
	n := int64(0)
	for _, c := range Occurrences(m, s) {
		n += c
	}
	return n
}

// Key formats a binding the way join.Occurrence.Key does.
func Key(binding []graph.Vertex) string {
	fs := make([]string, len(binding))
	for i, v := range binding {
		fs[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(fs, ",") + "]"
}
