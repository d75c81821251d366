package index

import "github.com/l7mp/dmotif/pkg/graph"

// Sequence is a lazy ascending iteration over an adjacency list, merging the committed base with
// an optional staged delta. It can be restarted with Reset.
type Sequence struct {
	base   []graph.Vertex
	delta  []Delta
	bi, di int
}

// NewSequence returns a sequence over a sorted vertex slice.
func NewSequence(vs []graph.Vertex) *Sequence { return &Sequence{base: vs} }

// Next returns the next vertex, or false when the sequence is exhausted.
func (s *Sequence) Next() (graph.Vertex, bool) {
	for {
		hasBase, hasDelta := s.bi < len(s.base), s.di < len(s.delta)
		switch {
		case !hasBase && !hasDelta:
			return 0, false
		case hasBase && (!hasDelta || s.base[s.bi] < s.delta[s.di].Vertex):
			v := s.base[s.bi]
			s.bi++
			return v, true
		case !hasBase || s.delta[s.di].Vertex < s.base[s.bi]:
			d := s.delta[s.di]
			s.di++
			if d.Sign > 0 {
				return d.Vertex, true
			}
		default:
			// same vertex in base and delta: the delta decides
			d := s.delta[s.di]
			s.bi++
			s.di++
			if d.Sign > 0 {
				return d.Vertex, true
			}
		}
	}
}

// Reset restarts the sequence from the first element.
func (s *Sequence) Reset() { s.bi, s.di = 0, 0 }

// Collect returns the remaining elements in a new slice.
func (s *Sequence) Collect() []graph.Vertex {
	ret := make([]graph.Vertex, 0, len(s.base)+len(s.delta)-s.bi-s.di)
	for v, ok := s.Next(); ok; v, ok = s.Next() {
		ret = append(ret, v)
	}
	return ret
}

// Take returns at most n of the remaining elements.
func (s *Sequence) Take(n int) []graph.Vertex {
	ret := make([]graph.Vertex, 0, min(n, len(s.base)+len(s.delta)))
	for len(ret) < n {
		v, ok := s.Next()
		if !ok {
			break
		}
		ret = append(ret, v)
	}
	return ret
}
