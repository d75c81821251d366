package motif

import (
	"fmt"
	"strconv"
	"strings"
)

// Triangle is the transitive triangle 0->1, 0->2, 1->2. On a symmetric edge set every undirected
// triangle has six occurrences.
func Triangle() *Motif {
	m, _ := New("triangle", []Pair{{0, 1}, {0, 2}, {1, 2}})
	return m
}

// Clique returns the k-clique with edges i->j for all i < j.
func Clique(k int) (*Motif, error) {
	if k < 2 {
		return nil, NewConfigError(ErrMalformedMotif, "clique needs at least 2 vertices, got %d", k)
	}
	edges := []Pair{}
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			edges = append(edges, Pair{i, j})
		}
	}
	return New(fmt.Sprintf("clique%d", k), edges)
}

// Cycle returns the directed k-cycle 0->1->...->k-1->0.
func Cycle(k int) (*Motif, error) {
	if k < 1 {
		return nil, NewConfigError(ErrMalformedMotif, "cycle needs at least 1 vertex, got %d", k)
	}
	edges := make([]Pair, k)
	for i := range edges {
		edges[i] = Pair{i, (i + 1) % k}
	}
	return New(fmt.Sprintf("cycle%d", k), edges)
}

// Diamond is two paths of length two sharing their endpoints: 0->1, 0->2, 1->3, 2->3.
func Diamond() *Motif {
	m, _ := New("diamond", []Pair{{0, 1}, {0, 2}, {1, 3}, {2, 3}})
	return m
}

// ByName returns a catalog motif: "triangle", "diamond", "clique<k>" or "cycle<k>".
func ByName(name string) (*Motif, error) {
	switch name {
	case "triangle":
		return Triangle(), nil
	case "diamond":
		return Diamond(), nil
	}

	for prefix, fn := range map[string]func(int) (*Motif, error){"clique": Clique, "cycle": Cycle} {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			k, err := strconv.Atoi(rest)
			if err != nil {
				return nil, NewConfigError(ErrMalformedMotif, "invalid size in motif name %q", name)
			}
			return fn(k)
		}
	}

	return nil, NewConfigError(ErrMalformedMotif, "unknown motif %q", name)
}
