// Package dbsp implements the Database Stream Processing (DBSP) view of motif counting: the motif
// occurrences form a Z-set (a multiset with signed integer multiplicities), every batch produces
// a delta Z-set, and integrating the deltas yields the current occurrence set. See
// https://mihaibudiu.github.io/work/dbsp-spec.pdf for the theory.
//
// Key components:
//   - OccurrenceZSet: Z-set of motif occurrences.
//   - Integrator: folds per-batch deltas into the cumulative occurrence set.
//
// Example usage:
//
//	integ := dbsp.NewIntegrator()
//	integ.Emit(occ, +1)
//	delta := integ.Commit()
//	fmt.Println(delta.Sum(), integ.Count())
package dbsp
