package dbsp

import "github.com/l7mp/dmotif/pkg/join"

// Integrator is the DBSP integration operator over occurrence deltas: it accumulates the per
// batch delta Z-sets into the current occurrence set.
type Integrator struct {
	state   *OccurrenceZSet
	delta   *OccurrenceZSet
	batches uint64
}

// NewIntegrator creates an integrator with an empty state.
func NewIntegrator() *Integrator {
	return &Integrator{state: NewOccurrenceZSet(), delta: NewOccurrenceZSet()}
}

// Emit records an occurrence delta of the open batch.
func (i *Integrator) Emit(occ join.Occurrence, weight int64) { i.delta.AddMutate(occ, weight) }

// Commit closes the open batch, folds its delta into the state and returns the delta.
func (i *Integrator) Commit() *OccurrenceZSet {
	delta := i.delta
	i.state.AddZSetMutate(delta)
	i.delta = NewOccurrenceZSet()
	i.batches++
	return delta
}

// State returns a copy of the accumulated occurrence set.
func (i *Integrator) State() *OccurrenceZSet { return i.state.Copy() }

// Count returns the current number of occurrences.
func (i *Integrator) Count() int64 { return i.state.Sum() }

// Batches returns the number of committed batches.
func (i *Integrator) Batches() uint64 { return i.batches }

// Reset clears the state.
func (i *Integrator) Reset() {
	i.state, i.delta, i.batches = NewOccurrenceZSet(), NewOccurrenceZSet(), 0
}
