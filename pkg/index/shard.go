// Package index implements the partitioned edge index: for each worker a shard holding the
// forward and reverse adjacency lists of the vertices the worker owns.
//
// The index has set semantics and a two-version view during a batch: Old excludes the staged
// batch and New includes it. Stepper reads go through Count, Extensions, Contains and Intersect;
// the staged batch becomes permanent only on Commit, which the caller must not run concurrently
// with reads.
package index

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/go-logr/logr"
	"github.com/tidwall/btree"

	"github.com/l7mp/dmotif/pkg/graph"
)

// Version selects which state of the index a lookup sees while a batch is staged.
type Version uint8

const (
	// Old is the index before the staged batch.
	Old Version = iota
	// New is the index including the staged batch.
	New
)

// String returns the name of the version.
func (v Version) String() string {
	if v == Old {
		return "old"
	}
	return "new"
}

var (
	// ErrNotOwner is returned when a shard receives an edge half it does not own.
	ErrNotOwner = errors.New("vertex not owned by shard")
	// ErrStaged is returned when a batch is staged on top of an uncommitted batch.
	ErrStaged = errors.New("shard already has a staged batch")
)

// Delta is a normalized staged change of one adjacency list: Sign is +1 if Vertex is added and
// -1 if it is removed.
type Delta struct {
	Vertex graph.Vertex
	Sign   int8
}

type adjacency struct {
	base           []graph.Vertex
	delta          []Delta
	added, removed uint64
}

func (a *adjacency) count(ver Version) uint64 {
	if ver == Old {
		return uint64(len(a.base))
	}
	return uint64(len(a.base)) + a.added - a.removed
}

func (a *adjacency) contains(ver Version, u graph.Vertex) bool {
	if ver == New && len(a.delta) > 0 {
		if i, ok := slices.BinarySearchFunc(a.delta, u, func(d Delta, u graph.Vertex) int {
			return cmp.Compare(d.Vertex, u)
		}); ok {
			return a.delta[i].Sign > 0
		}
	}
	_, ok := slices.BinarySearch(a.base, u)
	return ok
}

// Shard is the part of the edge index owned by a single worker.
type Shard struct {
	id     int
	part   Partitioner
	lists  [2]map[graph.Vertex]*adjacency
	dirty  [2][]graph.Vertex
	staged bool
	log    logr.Logger
}

// NewShard creates an empty shard for worker id.
func NewShard(id int, part Partitioner, log logr.Logger) *Shard {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	s := &Shard{id: id, part: part, log: log.WithName("shard").WithValues("worker", id)}
	s.reset()
	return s
}

func (s *Shard) reset() {
	s.lists = [2]map[graph.Vertex]*adjacency{
		make(map[graph.Vertex]*adjacency),
		make(map[graph.Vertex]*adjacency),
	}
	s.dirty = [2][]graph.Vertex{}
	s.staged = false
}

// ID returns the worker id of the shard.
func (s *Shard) ID() int { return s.id }

// Owns is true if the shard owns the adjacency lists of v.
func (s *Shard) Owns(v graph.Vertex) bool { return s.part.Owner(v) == s.id }

func (s *Shard) get(dir graph.Direction, v graph.Vertex) *adjacency {
	return s.lists[dir][v]
}

func (s *Shard) getOrCreate(dir graph.Direction, v graph.Vertex) *adjacency {
	a, ok := s.lists[dir][v]
	if !ok {
		a = &adjacency{}
		s.lists[dir][v] = a
	}
	return a
}

// Build replaces the contents of the shard with the halves of edges it owns: the forward half of
// every edge whose source it owns and the reverse half of every edge whose destination it owns.
// Duplicate edges collapse.
func (s *Shard) Build(edges []graph.Edge) {
	s.reset()
	for _, e := range edges {
		if s.Owns(e.Src) {
			a := s.getOrCreate(graph.Forward, e.Src)
			a.base = append(a.base, e.Dst)
		}
		if s.Owns(e.Dst) {
			a := s.getOrCreate(graph.Reverse, e.Dst)
			a.base = append(a.base, e.Src)
		}
	}

	for dir := range s.lists {
		for _, a := range s.lists[dir] {
			slices.Sort(a.base)
			a.base = slices.Clip(slices.Compact(a.base))
		}
	}

	s.log.V(4).Info("built", "vertices-forward", len(s.lists[graph.Forward]),
		"vertices-reverse", len(s.lists[graph.Reverse]), "edges", s.Edges())
}

// Stage records a batch without making it permanent. Forward holds the changes whose source the
// shard owns, reverse the changes whose destination it owns. Changes are normalized against the
// current edge set: the net sign of an edge inserts it if positive and absent, removes it if
// negative and present, and is ignored otherwise. Stage returns the effective forward changes in
// (src,dst) order.
func (s *Shard) Stage(forward, reverse []graph.Change) ([]graph.Change, error) {
	if s.staged {
		return nil, ErrStaged
	}

	fw, err := s.stage(graph.Forward, forward)
	if err != nil {
		return nil, err
	}
	rv, err := s.stage(graph.Reverse, reverse)
	if err != nil {
		return nil, err
	}
	s.staged = true

	s.log.V(4).Info("staged", "forward", len(forward), "reverse", len(reverse),
		"effective-forward", len(fw), "effective-reverse", len(rv))

	return fw, nil
}

// stage consolidates the changes of one direction and records them as deltas. For the reverse
// direction edges are keyed by destination.
func (s *Shard) stage(dir graph.Direction, changes []graph.Change) ([]graph.Change, error) {
	net := btree.NewBTreeG[graph.Change](func(a, b graph.Change) bool {
		return a.Edge.Compare(b.Edge) < 0
	})

	for _, c := range changes {
		key := c.Edge
		if dir == graph.Reverse {
			key = key.Reverse()
		}
		if !s.Owns(key.Src) {
			return nil, fmt.Errorf("%w: %s half of %s routed to worker %d", ErrNotOwner, dir, c.Edge, s.id)
		}
		sum := graph.Change{Edge: key, Sign: c.Sign}
		if prev, ok := net.Get(sum); ok {
			sum.Sign += prev.Sign
		}
		net.Set(sum)
	}

	effective := []graph.Change{}
	net.Scan(func(c graph.Change) bool {
		if c.Sign == 0 {
			return true
		}
		present := false
		if a := s.get(dir, c.Src); a != nil {
			present = a.contains(Old, c.Dst)
		}

		var sign int8
		switch {
		case c.Sign > 0 && !present:
			sign = 1
		case c.Sign < 0 && present:
			sign = -1
		default:
			return true
		}

		a := s.getOrCreate(dir, c.Src)
		if len(a.delta) == 0 {
			s.dirty[dir] = append(s.dirty[dir], c.Src)
		}
		a.delta = append(a.delta, Delta{Vertex: c.Dst, Sign: sign})
		if sign > 0 {
			a.added++
		} else {
			a.removed++
		}

		eff := graph.Change{Edge: c.Edge, Sign: int64(sign)}
		if dir == graph.Reverse {
			eff.Edge = eff.Edge.Reverse()
		}
		effective = append(effective, eff)
		return true
	})

	return effective, nil
}

// Staged is true if a batch is staged and not yet committed.
func (s *Shard) Staged() bool { return s.staged }

// Commit merges the staged batch into the adjacency lists, preserving sortedness, and drops
// vertices whose lists became empty.
func (s *Shard) Commit() {
	merged := 0
	for dir := range s.lists {
		for _, v := range s.dirty[dir] {
			a := s.lists[dir][v]
			a.base = mergeDelta(a.base, a.delta)
			a.delta, a.added, a.removed = nil, 0, 0
			if len(a.base) == 0 {
				delete(s.lists[dir], v)
			}
			merged++
		}
		s.dirty[dir] = s.dirty[dir][:0]
	}
	s.staged = false

	s.log.V(4).Info("committed", "lists", merged, "edges", s.Edges())
}

func mergeDelta(base []graph.Vertex, delta []Delta) []graph.Vertex {
	ret := make([]graph.Vertex, 0, len(base)+len(delta))
	seq := Sequence{base: base, delta: delta}
	for v, ok := seq.Next(); ok; v, ok = seq.Next() {
		ret = append(ret, v)
	}
	return ret
}

// Count returns the degree of v in the given direction and version.
func (s *Shard) Count(v graph.Vertex, dir graph.Direction, ver Version) uint64 {
	a := s.get(dir, v)
	if a == nil {
		return 0
	}
	return a.count(ver)
}

// Extensions returns the sorted neighbours of v as a lazy sequence.
func (s *Shard) Extensions(v graph.Vertex, dir graph.Direction, ver Version) *Sequence {
	a := s.get(dir, v)
	if a == nil {
		return &Sequence{}
	}
	seq := &Sequence{base: a.base}
	if ver == New {
		seq.delta = a.delta
	}
	return seq
}

// Contains is true if u is a neighbour of v in the given direction and version.
func (s *Shard) Contains(v graph.Vertex, dir graph.Direction, ver Version, u graph.Vertex) bool {
	a := s.get(dir, v)
	if a == nil {
		return false
	}
	return a.contains(ver, u)
}

// Intersect filters the sorted candidate list in place, keeping the neighbours of v.
func (s *Shard) Intersect(v graph.Vertex, dir graph.Direction, ver Version, candidates []graph.Vertex) []graph.Vertex {
	a := s.get(dir, v)
	if a == nil {
		return candidates[:0]
	}
	return slices.DeleteFunc(candidates, func(u graph.Vertex) bool { return !a.contains(ver, u) })
}

// Vertices returns the owned vertices that have a non-empty adjacency list in either direction,
// in ascending order.
func (s *Shard) Vertices(ver Version) []graph.Vertex {
	ret := []graph.Vertex{}
	for dir := range s.lists {
		for v, a := range s.lists[dir] {
			if a.count(ver) > 0 {
				ret = append(ret, v)
			}
		}
	}
	slices.Sort(ret)
	return slices.Compact(ret)
}

// Edges returns the number of committed forward edges stored in the shard.
func (s *Shard) Edges() uint64 {
	n := uint64(0)
	for _, a := range s.lists[graph.Forward] {
		n += uint64(len(a.base))
	}
	return n
}
