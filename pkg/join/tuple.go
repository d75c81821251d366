// Package join implements the incremental worst-case-optimal multiway join: a GenericJoin stepper
// that extends partial bindings one variable at a time, and a delta propagator that seeds the
// stepper from the changed edges of a batch.
package join

import (
	"fmt"
	"strings"

	"github.com/l7mp/dmotif/pkg/graph"
	"github.com/l7mp/dmotif/pkg/motif"
)

// State is the position of a tuple in the stepper state machine.
type State uint8

const (
	// Checking runs the pending membership checks of the tuple.
	Checking State = iota
	// AwaitingCount collects the candidate counts of every constraint of the current step.
	AwaitingCount
	// Proposing fetches the candidates from the relation with the smallest count.
	Proposing
	// Intersecting filters the candidates against the remaining constraints.
	Intersecting
	// Complete means every variable is bound and every pattern edge is verified.
	Complete
	// Pruned means the tuple cannot be extended to an occurrence.
	Pruned
)

var stateNames = [...]string{"checking", "awaiting-count", "proposing", "intersecting", "complete", "pruned"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Tuple is a partial binding of the motif variables produced during a batch.
type Tuple struct {
	// ID is the continuation id of the tuple, unique within a propagator.
	ID      uint64
	Batch   uint64
	Plan    *motif.Plan
	Binding []graph.Vertex
	// Cursor is the index of the next step to run. A tuple with Cursor == len(Plan.Steps) has
	// every variable bound.
	Cursor int
	Weight int64
	State  State

	// scratch for the current step
	checks     []motif.Check
	checkIdx   int
	counts     []uint64
	known      []bool
	pending    int
	chosen     int
	candidates []graph.Vertex
	intersect  int
	waiting    bool
}

// Step returns the step the tuple is working on, or nil if all variables are bound.
func (t *Tuple) Step() *motif.Step {
	if t.Cursor >= len(t.Plan.Steps) {
		return nil
	}
	return &t.Plan.Steps[t.Cursor]
}

// Suspended is true if the tuple waits for at least one reply.
func (t *Tuple) Suspended() bool { return t.waiting || t.pending > 0 }

// Occurrence returns a copy of the binding.
func (t *Tuple) Occurrence() Occurrence {
	return Occurrence(append([]graph.Vertex{}, t.Binding...))
}

func (t *Tuple) String() string {
	return fmt.Sprintf("tuple(id=%d, batch=%d, seed=%d, step=%d/%d, weight=%+d, %s, binding=%v)",
		t.ID, t.Batch, t.Plan.Seed, t.Cursor, len(t.Plan.Steps), t.Weight, t.State, t.Binding)
}

// Occurrence is a complete binding of the motif variables, indexed by variable.
type Occurrence []graph.Vertex

// String returns a readable form of the occurrence.
func (o Occurrence) String() string {
	fs := make([]string, len(o))
	for i, v := range o {
		fs[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(fs, ",") + "]"
}

// Key returns a compact string key for the occurrence.
func (o Occurrence) Key() string { return o.String() }
