package join

import (
	"github.com/go-logr/logr"

	"github.com/l7mp/dmotif/pkg/graph"
	"github.com/l7mp/dmotif/pkg/motif"
)

// Outcome is the result of advancing a tuple.
type Outcome uint8

const (
	// Suspended means the tuple waits for replies and will be resumed later.
	Suspended Outcome = iota
	// Extended means the current step finished with survivors to bind.
	Extended
	// Completed means every variable is bound and verified.
	Completed
	// Dropped means the tuple was pruned.
	Dropped
)

// StepStats collects counters for one step position of a plan.
type StepStats struct {
	// Bound is the sum of the smallest constraint counts of the proposals made at this step.
	Bound    uint64
	Proposed uint64
	Survived uint64
	Pruned   uint64
}

// Stats summarizes the work done by a stepper.
type Stats struct {
	Steps []StepStats
	// Excess counts proposals larger than the smallest count. It stays zero for a correct index.
	Excess    uint64
	Checks    uint64
	Completed uint64
}

func (s *Stats) step(i int) *StepStats {
	for len(s.Steps) <= i {
		s.Steps = append(s.Steps, StepStats{})
	}
	return &s.Steps[i]
}

// Proposed returns the total number of proposed candidates.
func (s *Stats) Proposed() uint64 {
	n := uint64(0)
	for _, st := range s.Steps {
		n += st.Proposed
	}
	return n
}

// Stepper runs the GenericJoin state machine of single tuples: for each step count every
// constraint, propose from the smallest relation and intersect the proposals with the others.
type Stepper struct {
	lookup Lookup
	stats  Stats
	log    logr.Logger
}

// NewStepper creates a stepper reading the index through lookup.
func NewStepper(lookup Lookup, log logr.Logger) *Stepper {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Stepper{lookup: lookup, log: log.WithName("stepper")}
}

// Stats returns the statistics collected so far.
func (s *Stepper) Stats() *Stats { return &s.stats }

// Advance runs the tuple until it suspends, completes, is pruned or finishes its current step.
// On Extended the survivors are returned in ascending order.
func (s *Stepper) Advance(t *Tuple) (Outcome, []graph.Vertex) {
	for {
		if t.State == Pruned {
			return Dropped, nil
		}
		if t.Suspended() {
			return Suspended, nil
		}

		switch t.State {
		case Checking:
			for t.checkIdx < len(t.checks) {
				c := t.checks[t.checkIdx]
				s.stats.Checks++
				req := Request{Tuple: t.ID, Slot: -1, Batch: t.Batch, Anchor: t.Binding[c.Src],
					Direction: graph.Forward, Version: c.Version}
				vals, ok := s.lookup.Intersect(req, []graph.Vertex{t.Binding[c.Dst]})
				if !ok {
					t.waiting = true
					return Suspended, nil
				}
				if len(vals) == 0 {
					return s.prune(t)
				}
				t.checkIdx++
			}
			t.checks, t.checkIdx = nil, 0

			if t.Step() == nil {
				t.State = Complete
				s.stats.Completed++
				return Completed, nil
			}
			t.State = AwaitingCount

		case AwaitingCount:
			step := t.Step()
			if t.counts == nil {
				t.counts = make([]uint64, len(step.Constraints))
				t.known = make([]bool, len(step.Constraints))
				for i, c := range step.Constraints {
					n, ok := s.lookup.Count(s.request(t, i, c, 0))
					if !ok {
						t.pending++
						continue
					}
					t.counts[i], t.known[i] = n, true
				}
				if t.pending > 0 {
					return Suspended, nil
				}
			}

			// smallest count wins, ties go to the lowest constraint index
			t.chosen = 0
			for i := range t.counts {
				if t.counts[i] < t.counts[t.chosen] {
					t.chosen = i
				}
			}
			if t.counts[t.chosen] == 0 {
				return s.prune(t)
			}
			t.State = Proposing

		case Proposing:
			step := t.Step()
			if t.candidates == nil {
				bound := t.counts[t.chosen]
				vals, ok := s.lookup.Extensions(s.request(t, t.chosen, step.Constraints[t.chosen], bound))
				if !ok {
					t.waiting = true
					return Suspended, nil
				}
				t.candidates = nonNil(vals)
			}
			st := s.stats.step(t.Cursor)
			st.Bound += t.counts[t.chosen]
			st.Proposed += uint64(len(t.candidates))
			if uint64(len(t.candidates)) > t.counts[t.chosen] {
				s.stats.Excess++
			}
			if len(t.candidates) == 0 {
				return s.prune(t)
			}
			t.State, t.intersect = Intersecting, 0

		case Intersecting:
			step := t.Step()
			for t.intersect < len(step.Constraints) {
				if t.intersect == t.chosen {
					t.intersect++
					continue
				}
				vals, ok := s.lookup.Intersect(s.request(t, t.intersect, step.Constraints[t.intersect], 0),
					t.candidates)
				if !ok {
					t.waiting = true
					return Suspended, nil
				}
				t.candidates = nonNil(vals)
				t.intersect++
				if len(t.candidates) == 0 {
					return s.prune(t)
				}
			}
			s.stats.step(t.Cursor).Survived += uint64(len(t.candidates))
			return Extended, t.candidates

		default:
			return Completed, nil
		}
	}
}

// Deliver stores the answer to a suspended request in the tuple. The tuple must be advanced
// afterwards.
func (s *Stepper) Deliver(t *Tuple, r Reply) {
	switch t.State {
	case Checking:
		t.waiting = false
		if len(r.Values) == 0 {
			s.prune(t)
			return
		}
		t.checkIdx++
	case AwaitingCount:
		if r.Slot < 0 || r.Slot >= len(t.counts) || t.known[r.Slot] {
			s.log.Info("dropping unexpected count reply", "tuple", t.String(), "slot", r.Slot)
			return
		}
		t.counts[r.Slot], t.known[r.Slot] = r.Count, true
		t.pending--
	case Proposing:
		t.waiting = false
		t.candidates = nonNil(r.Values)
	case Intersecting:
		t.waiting = false
		t.candidates = nonNil(r.Values)
		t.intersect++
		if len(t.candidates) == 0 {
			s.prune(t)
		}
	default:
		s.log.Info("dropping reply for finished tuple", "tuple", t.String())
	}
}

func (s *Stepper) request(t *Tuple, slot int, c motif.Constraint, limit uint64) Request {
	return Request{
		Tuple:     t.ID,
		Slot:      slot,
		Batch:     t.Batch,
		Anchor:    t.Binding[c.Anchor],
		Direction: c.Direction,
		Version:   c.Version,
		Limit:     limit,
	}
}

func (s *Stepper) prune(t *Tuple) (Outcome, []graph.Vertex) {
	if t.Cursor < len(t.Plan.Steps) {
		s.stats.step(t.Cursor).Pruned++
	}
	t.State = Pruned
	t.waiting, t.pending = false, 0
	return Dropped, nil
}

func nonNil(vs []graph.Vertex) []graph.Vertex {
	if vs == nil {
		return []graph.Vertex{}
	}
	return vs
}
