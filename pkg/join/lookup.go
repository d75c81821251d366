package join

import (
	"github.com/l7mp/dmotif/pkg/graph"
	"github.com/l7mp/dmotif/pkg/index"
)

// Request describes one read of the edge index on behalf of a tuple.
type Request struct {
	// Tuple is the continuation id the answer must be delivered to.
	Tuple uint64
	// Slot is the constraint index for counts, or -1 for check lookups.
	Slot      int
	Batch     uint64
	Anchor    graph.Vertex
	Direction graph.Direction
	Version   index.Version
	// Limit bounds the number of proposed extensions.
	Limit uint64
}

// Reply is the answer to a suspended request.
type Reply struct {
	Tuple  uint64
	Slot   int
	Count  uint64
	Values []graph.Vertex
}

// Lookup gives the stepper access to the edge index. A lookup either answers immediately (ok is
// true) or takes responsibility for delivering the answer later through Propagator.Resume, in
// which case the tuple is suspended.
type Lookup interface {
	Count(req Request) (count uint64, ok bool)
	Extensions(req Request) (values []graph.Vertex, ok bool)
	// Intersect returns the candidates that are neighbours of the anchor. Candidates are sorted and
	// may be filtered in place.
	Intersect(req Request, candidates []graph.Vertex) (values []graph.Vertex, ok bool)
}

// LocalLookup serves every request from a single shard holding the whole index.
type LocalLookup struct {
	Shard *index.Shard
}

var _ Lookup = &LocalLookup{}

func (l *LocalLookup) Count(req Request) (uint64, bool) {
	return l.Shard.Count(req.Anchor, req.Direction, req.Version), true
}

func (l *LocalLookup) Extensions(req Request) ([]graph.Vertex, bool) {
	seq := l.Shard.Extensions(req.Anchor, req.Direction, req.Version)
	if req.Limit > 0 {
		return seq.Take(int(req.Limit)), true
	}
	return seq.Collect(), true
}

func (l *LocalLookup) Intersect(req Request, candidates []graph.Vertex) ([]graph.Vertex, bool) {
	return l.Shard.Intersect(req.Anchor, req.Direction, req.Version, candidates), true
}
