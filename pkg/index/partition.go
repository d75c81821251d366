package index

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/l7mp/dmotif/pkg/graph"
)

// Partitioner maps vertices to the worker that owns their adjacency lists. All workers and all
// processes of a run must use the same worker count so they agree on ownership.
type Partitioner struct {
	workers int
}

// NewPartitioner returns a partitioner for the given number of workers.
func NewPartitioner(workers int) Partitioner {
	if workers < 1 {
		workers = 1
	}
	return Partitioner{workers: workers}
}

// Workers returns the number of partitions.
func (p Partitioner) Workers() int { return p.workers }

// Owner returns the worker owning the adjacency lists of v: xxhash64 of the little-endian vertex
// id modulo the worker count.
func (p Partitioner) Owner(v graph.Vertex) int {
	if p.workers <= 1 {
		return 0
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return int(xxhash.Sum64(b[:]) % uint64(p.workers))
}

// Route splits a change list into the per-owner forward halves (keyed by source owner) and
// reverse halves (keyed by destination owner).
func (p Partitioner) Route(changes []graph.Change) (forward, reverse [][]graph.Change) {
	forward = make([][]graph.Change, p.workers)
	reverse = make([][]graph.Change, p.workers)
	for _, c := range changes {
		fw, rw := p.Owner(c.Src), p.Owner(c.Dst)
		forward[fw] = append(forward[fw], c)
		reverse[rw] = append(reverse[rw], c)
	}
	return forward, reverse
}

// RouteEdges is Route for a plain edge list.
func (p Partitioner) RouteEdges(edges []graph.Edge) [][]graph.Edge {
	ret := make([][]graph.Edge, p.workers)
	for _, e := range edges {
		fw, rw := p.Owner(e.Src), p.Owner(e.Dst)
		ret[fw] = append(ret[fw], e)
		if rw != fw {
			ret[rw] = append(ret[rw], e)
		}
	}
	return ret
}
