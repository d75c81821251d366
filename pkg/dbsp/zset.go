package dbsp

import (
	"fmt"
	"slices"
	"strings"

	"github.com/l7mp/dmotif/pkg/join"
)

// OccurrenceZSet implements Z-sets of motif occurrences: every occurrence has a signed integer
// multiplicity and occurrences with zero multiplicity are not stored.
type OccurrenceZSet struct {
	// occurrences are keyed by their printed binding since slices are not comparable
	occs   map[string]join.Occurrence
	counts map[string]int64
}

// ZSetError is returned for invalid Z-set operations.
type ZSetError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ZSetError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ZSetError) Unwrap() error { return e.Cause }

func newZSetError(message string, cause error) error {
	return &ZSetError{Message: message, Cause: cause}
}

// NewOccurrenceZSet creates an empty Z-set.
func NewOccurrenceZSet() *OccurrenceZSet {
	return &OccurrenceZSet{
		occs:   make(map[string]join.Occurrence),
		counts: make(map[string]int64),
	}
}

// AddMutate adds an occurrence with the given multiplicity in place. The occurrence is copied.
func (z *OccurrenceZSet) AddMutate(occ join.Occurrence, count int64) {
	if count == 0 {
		return
	}

	key := occ.Key()
	if _, exists := z.counts[key]; exists {
		z.counts[key] += count
	} else {
		z.occs[key] = append(join.Occurrence{}, occ...)
		z.counts[key] = count
	}

	if z.counts[key] == 0 {
		delete(z.counts, key)
		delete(z.occs, key)
	}
}

// Add performs Z-set addition into a new Z-set.
func (z *OccurrenceZSet) Add(other *OccurrenceZSet) *OccurrenceZSet {
	result := z.Copy()
	if other != nil {
		result.AddZSetMutate(other)
	}
	return result
}

// AddZSetMutate adds another Z-set in place.
func (z *OccurrenceZSet) AddZSetMutate(other *OccurrenceZSet) {
	for key, count := range other.counts {
		z.AddMutate(other.occs[key], count)
	}
}

// Subtract performs Z-set subtraction into a new Z-set.
func (z *OccurrenceZSet) Subtract(other *OccurrenceZSet) *OccurrenceZSet {
	result := z.Copy()
	if other == nil {
		return result
	}
	for key, count := range other.counts {
		result.AddMutate(other.occs[key], -count)
	}
	return result
}

// Negate returns the Z-set with every multiplicity negated.
func (z *OccurrenceZSet) Negate() *OccurrenceZSet {
	return NewOccurrenceZSet().Subtract(z)
}

// Distinct converts the Z-set to set semantics: positive multiplicities become 1 and the rest is
// dropped.
func (z *OccurrenceZSet) Distinct() *OccurrenceZSet {
	result := NewOccurrenceZSet()
	for key, count := range z.counts {
		if count > 0 {
			result.AddMutate(z.occs[key], 1)
		}
	}
	return result
}

// Copy creates a copy of the Z-set. Occurrences are immutable once added, so they are shared.
func (z *OccurrenceZSet) Copy() *OccurrenceZSet {
	result := &OccurrenceZSet{
		occs:   make(map[string]join.Occurrence, len(z.occs)),
		counts: make(map[string]int64, len(z.counts)),
	}
	for key, occ := range z.occs {
		result.occs[key] = occ
		result.counts[key] = z.counts[key]
	}
	return result
}

// Entry is an occurrence with its multiplicity.
type Entry struct {
	Occurrence   join.Occurrence
	Multiplicity int64
}

// List returns every occurrence with its multiplicity, ordered by binding.
func (z *OccurrenceZSet) List() []Entry {
	ret := make([]Entry, 0, len(z.counts))
	for key, count := range z.counts {
		ret = append(ret, Entry{Occurrence: z.occs[key], Multiplicity: count})
	}
	slices.SortFunc(ret, func(a, b Entry) int { return slices.Compare(a.Occurrence, b.Occurrence) })
	return ret
}

// Map returns the multiplicities keyed by occurrence key.
func (z *OccurrenceZSet) Map() map[string]int64 {
	ret := make(map[string]int64, len(z.counts))
	for k, v := range z.counts {
		ret[k] = v
	}
	return ret
}

// IsZero is true if the Z-set is empty.
func (z *OccurrenceZSet) IsZero() bool { return len(z.counts) == 0 }

// Sum returns the sum of all multiplicities. For the delta of a batch this is the change in the
// motif count.
func (z *OccurrenceZSet) Sum() int64 {
	total := int64(0)
	for _, count := range z.counts {
		total += count
	}
	return total
}

// Size returns the number of occurrences counting only positive multiplicities.
func (z *OccurrenceZSet) Size() int64 {
	total := int64(0)
	for _, count := range z.counts {
		if count > 0 {
			total += count
		}
	}
	return total
}

// UniqueCount returns the number of distinct occurrences stored.
func (z *OccurrenceZSet) UniqueCount() int { return len(z.counts) }

// Multiplicity returns the multiplicity of an occurrence.
func (z *OccurrenceZSet) Multiplicity(occ join.Occurrence) int64 { return z.counts[occ.Key()] }

// Contains is true if the occurrence has positive multiplicity.
func (z *OccurrenceZSet) Contains(occ join.Occurrence) bool { return z.Multiplicity(occ) > 0 }

// Validate checks that every multiplicity is positive, as it must be for the cumulative state of
// a homomorphism count.
func (z *OccurrenceZSet) Validate() error {
	for key, count := range z.counts {
		if count < 0 {
			return newZSetError(fmt.Sprintf("occurrence %s has negative multiplicity %d", key, count), nil)
		}
	}
	return nil
}

// String returns a string representation of the Z-set for debugging.
func (z *OccurrenceZSet) String() string {
	if z.IsZero() {
		return "∅"
	}
	parts := []string{}
	for _, e := range z.List() {
		parts = append(parts, fmt.Sprintf("%s×%d", e.Occurrence, e.Multiplicity))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
