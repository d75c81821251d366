package join

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/l7mp/dmotif/pkg/graph"
	"github.com/l7mp/dmotif/pkg/motif"
)

// ErrResourceExhausted is returned when a batch creates more intermediate tuples than allowed.
var ErrResourceExhausted = errors.New("resource exhausted")

// NewResourceExhaustedError reports a batch that exceeded the intermediate tuple ceiling.
func NewResourceExhaustedError(batch, created, limit uint64) error {
	return fmt.Errorf("%w: batch %d created %d intermediate tuples (limit %d)",
		ErrResourceExhausted, batch, created, limit)
}

// EmitFunc receives every completed occurrence with its signed multiplicity.
type EmitFunc func(batch uint64, occ Occurrence, weight int64)

// Propagator turns the changed edges of a batch into signed occurrence deltas. It seeds one tuple
// per (pattern position, matching effective change) pair and drives the stepper over a LIFO stack
// of runnable tuples, so deeper tuples drain first and the number of live tuples stays small.
type Propagator struct {
	motif   *motif.Motif
	base    *motif.Plan
	plans   []*motif.Plan
	stepper *Stepper
	emit    EmitFunc
	limit   uint64

	nextID    uint64
	created   uint64
	runnable  []*Tuple
	suspended map[uint64]*Tuple
	log       logr.Logger
}

// PropagatorOptions configures a propagator.
type PropagatorOptions struct {
	// MaxIntermediate bounds the number of tuples created per batch. Zero means no limit.
	MaxIntermediate uint64
	Logger          logr.Logger
}

// NewPropagator creates a propagator for the motif, reading the index through lookup and
// passing completed occurrences to emit.
func NewPropagator(m *motif.Motif, lookup Lookup, emit EmitFunc, opts PropagatorOptions) *Propagator {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Propagator{
		motif:     m,
		base:      motif.Compile(m),
		plans:     motif.Plans(m),
		stepper:   NewStepper(lookup, log),
		emit:      emit,
		limit:     opts.MaxIntermediate,
		suspended: make(map[uint64]*Tuple),
		log:       log.WithName("propagator"),
	}
}

// Stats returns the stepper statistics.
func (p *Propagator) Stats() *Stats { return p.stepper.Stats() }

// Created returns the number of tuples created since the last Reset.
func (p *Propagator) Created() uint64 { return p.created }

// Idle is true if there are no runnable or suspended tuples.
func (p *Propagator) Idle() bool { return len(p.runnable) == 0 && len(p.suspended) == 0 }

// Runnable returns the number of tuples ready to be advanced.
func (p *Propagator) Runnable() int { return len(p.runnable) }

// Reset clears the per-batch tuple counter. It must be called between batches.
func (p *Propagator) Reset() {
	p.created = 0
	if !p.Idle() {
		p.log.Info("resetting a busy propagator", "runnable", len(p.runnable), "suspended", len(p.suspended))
		p.runnable, p.suspended = nil, make(map[uint64]*Tuple)
	}
}

// Seed creates the delta tuples of a batch: for each pattern position and each effective change
// matching the shape of the position a tuple binding the position's variables with the sign of
// the change as weight. Self-loop positions only match self-loop edges.
func (p *Propagator) Seed(batch uint64, changes []graph.Change) error {
	for pos, e := range p.motif.Edges() {
		plan := p.plans[pos]
		for _, c := range changes {
			if e.IsLoop() && !c.IsLoop() {
				continue
			}
			binding := make([]graph.Vertex, plan.NumVars)
			binding[e.Src], binding[e.Dst] = c.Src, c.Dst
			if err := p.push(batch, plan, 0, binding, c.Sign, plan.SeedChecks); err != nil {
				return err
			}
		}
	}

	p.log.V(4).Info("seeded", "batch", batch, "changes", len(changes), "tuples", p.created)
	return nil
}

// SeedBase creates one base-plan tuple per vertex with weight +1. Running them against an index
// with no staged batch counts every occurrence of the motif.
func (p *Propagator) SeedBase(batch uint64, vertices []graph.Vertex) error {
	v0 := p.base.Bound[0]
	for _, v := range vertices {
		binding := make([]graph.Vertex, p.base.NumVars)
		binding[v0] = v
		if err := p.push(batch, p.base, 0, binding, 1, p.base.SeedChecks); err != nil {
			return err
		}
	}

	p.log.V(4).Info("seeded base plan", "batch", batch, "vertices", len(vertices))
	return nil
}

func (p *Propagator) push(batch uint64, plan *motif.Plan, cursor int, binding []graph.Vertex, weight int64,
	checks []motif.Check) error {
	p.created++
	if p.limit > 0 && p.created > p.limit {
		return NewResourceExhaustedError(batch, p.created, p.limit)
	}
	p.nextID++
	p.runnable = append(p.runnable, &Tuple{
		ID:      p.nextID,
		Batch:   batch,
		Plan:    plan,
		Binding: binding,
		Cursor:  cursor,
		Weight:  weight,
		State:   Checking,
		checks:  checks,
	})
	return nil
}

// Drain advances runnable tuples until the stack is empty or limit tuples were advanced (limit
// <= 0 means no limit). It returns the number of tuples advanced.
func (p *Propagator) Drain(limit int) (int, error) {
	n := 0
	for len(p.runnable) > 0 && (limit <= 0 || n < limit) {
		t := p.runnable[len(p.runnable)-1]
		p.runnable = p.runnable[:len(p.runnable)-1]
		n++
		if err := p.advance(t); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Resume delivers a reply to a suspended tuple and makes it runnable once it has all its
// replies.
func (p *Propagator) Resume(r Reply) {
	t, ok := p.suspended[r.Tuple]
	if !ok {
		p.log.Info("reply for unknown tuple", "tuple", r.Tuple, "slot", r.Slot)
		return
	}
	p.stepper.Deliver(t, r)
	if !t.Suspended() {
		delete(p.suspended, t.ID)
		p.runnable = append(p.runnable, t)
	}
}

func (p *Propagator) advance(t *Tuple) error {
	outcome, survivors := p.stepper.Advance(t)
	switch outcome {
	case Suspended:
		p.suspended[t.ID] = t
	case Completed:
		p.emit(t.Batch, Occurrence(t.Binding), t.Weight)
	case Extended:
		step := t.Step()
		if t.Cursor+1 == len(t.Plan.Steps) && len(step.Checks) == 0 {
			for _, v := range survivors {
				binding := append([]graph.Vertex{}, t.Binding...)
				binding[step.Var] = v
				p.stepper.stats.Completed++
				p.emit(t.Batch, Occurrence(binding), t.Weight)
			}
			return nil
		}
		// push in reverse so the smallest candidate is advanced first
		for i := len(survivors) - 1; i >= 0; i-- {
			binding := append([]graph.Vertex{}, t.Binding...)
			binding[step.Var] = survivors[i]
			if err := p.push(t.Batch, t.Plan, t.Cursor+1, binding, t.Weight, step.Checks); err != nil {
				return err
			}
		}
	case Dropped:
	}
	return nil
}
