// Package graph defines the vertex, edge and change types shared by the index, the join engine
// and the loaders.
//
// Edges are directed. Undirected semantics require the caller to insert both directions.
package graph

import (
	"cmp"
	"fmt"
	"slices"
)

// Vertex is a vertex identifier. Vertices carry no attributes beyond their identity.
type Vertex uint32

// Edge is a directed edge from Src to Dst.
type Edge struct {
	Src, Dst Vertex
}

// String returns a human-readable representation of the edge.
func (e Edge) String() string { return fmt.Sprintf("(%d,%d)", e.Src, e.Dst) }

// Reverse returns the edge with its endpoints swapped.
func (e Edge) Reverse() Edge { return Edge{Src: e.Dst, Dst: e.Src} }

// IsLoop is true if the edge is a self-loop.
func (e Edge) IsLoop() bool { return e.Src == e.Dst }

// Compare orders edges by source, then by destination.
func (e Edge) Compare(o Edge) int {
	if c := cmp.Compare(e.Src, o.Src); c != 0 {
		return c
	}
	return cmp.Compare(e.Dst, o.Dst)
}

// Change is a signed edge update. Sign is +1 for an insertion and -1 for a removal.
type Change struct {
	Edge
	Sign int64
}

// Insert returns an insertion change for the edge (src,dst).
func Insert(src, dst Vertex) Change { return Change{Edge: Edge{Src: src, Dst: dst}, Sign: 1} }

// Remove returns a removal change for the edge (src,dst).
func Remove(src, dst Vertex) Change { return Change{Edge: Edge{Src: src, Dst: dst}, Sign: -1} }

// String returns a human-readable representation of the change.
func (c Change) String() string {
	if c.Sign < 0 {
		return "-" + c.Edge.String()
	}
	return "+" + c.Edge.String()
}

// Batch is a set of changes processed together as one unit of incremental maintenance.
type Batch struct {
	// Seq is the position of the batch in the stream. Seq 0 is reserved for the bulk load.
	Seq     uint64
	Changes []Change
}

// Insertions wraps a list of edges into insertion changes.
func Insertions(edges []Edge) []Change {
	ret := make([]Change, len(edges))
	for i, e := range edges {
		ret[i] = Change{Edge: e, Sign: 1}
	}
	return ret
}

// Removals wraps a list of edges into removal changes.
func Removals(edges []Edge) []Change {
	ret := make([]Change, len(edges))
	for i, e := range edges {
		ret[i] = Change{Edge: e, Sign: -1}
	}
	return ret
}

// Split cuts a change list into consecutive batches of at most size changes. The first batch
// gets sequence number first.
func Split(changes []Change, size int, first uint64) []Batch {
	if size <= 0 {
		size = len(changes)
	}
	ret := []Batch{}
	for i := 0; i < len(changes); i += size {
		end := min(i+size, len(changes))
		ret = append(ret, Batch{Seq: first + uint64(len(ret)), Changes: changes[i:end]})
	}
	return ret
}

// SortEdges sorts edges by (src,dst) in place.
func SortEdges(edges []Edge) {
	slices.SortFunc(edges, func(a, b Edge) int { return a.Compare(b) })
}

// Direction selects the adjacency list of a vertex.
type Direction uint8

const (
	// Forward selects out-neighbours: v -> u for every edge (v,u).
	Forward Direction = iota
	// Reverse selects in-neighbours: v -> u for every edge (u,v).
	Reverse
)

// String returns the name of the direction.
func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}
