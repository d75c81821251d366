package motif

import (
	"fmt"
	"slices"
	"strings"

	"github.com/l7mp/dmotif/pkg/graph"
	"github.com/l7mp/dmotif/pkg/index"
)

// Constraint restricts the candidates of a step's variable to the adjacency list of an already
// bound variable: Forward for pattern edges Anchor->Var, Reverse for Var->Anchor.
type Constraint struct {
	Position  int
	Anchor    int
	Direction graph.Direction
	Version   index.Version
}

func (c Constraint) String() string {
	return fmt.Sprintf("#%d:%s[x%d]@%s", c.Position, c.Direction, c.Anchor, c.Version)
}

// Check is a pattern edge whose endpoints are both bound and which is not used as a constraint.
// It is verified by a membership test on the forward list of Src.
type Check struct {
	Position int
	Pair
	Version index.Version
}

func (c Check) String() string {
	return fmt.Sprintf("#%d:%s@%s", c.Position, c.Pair, c.Version)
}

// Step binds one variable.
type Step struct {
	Var         int
	Constraints []Constraint
	// Checks are run once Var is bound, before the next step starts.
	Checks []Check
}

// Plan is the compiled evaluation order of a motif for one seed.
type Plan struct {
	// Seed is the pattern position the delta tuples are seeded from, or -1 for the base plan.
	Seed int
	// Bound are the variables bound by seeding, in ascending order.
	Bound []int
	// SeedChecks are run on the seeded tuple before the first step.
	SeedChecks []Check
	Steps      []Step
	// Order is the full variable binding order: Bound followed by the step variables.
	Order   []int
	NumVars int
}

// IsBase is true for the plan of a full (non-incremental) count.
func (p *Plan) IsBase() bool { return p.Seed < 0 }

// String returns a readable multi-line description of the plan.
func (p *Plan) String() string {
	var b strings.Builder
	if p.IsBase() {
		fmt.Fprintf(&b, "base plan, bound %v", p.Bound)
	} else {
		fmt.Fprintf(&b, "delta plan #%d, bound %v", p.Seed, p.Bound)
	}
	if len(p.SeedChecks) > 0 {
		fmt.Fprintf(&b, ", checks %v", p.SeedChecks)
	}
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "\n  step %d: x%d from %v", i, s.Var, s.Constraints)
		if len(s.Checks) > 0 {
			fmt.Fprintf(&b, ", checks %v", s.Checks)
		}
	}
	return b.String()
}

// Compile returns the base plan: variable 0 is bound by seeding and every position is read from
// the current index.
func Compile(m *Motif) *Plan {
	return compile(m, -1, []int{0})
}

// CompileDelta returns the delta plan seeded from position p: the seed binds the variables of p
// from a changed edge. Positions before p read the new version of the index and positions after
// p the old one.
func CompileDelta(m *Motif, p int) (*Plan, error) {
	if p < 0 || p >= m.Size() {
		return nil, NewConfigError(ErrMalformedMotif, "position %d out of range in motif %q", p, m.name)
	}
	e := m.edges[p]
	bound := []int{e.Src}
	if !e.IsLoop() {
		bound = append(bound, e.Dst)
	}
	slices.Sort(bound)
	return compile(m, p, bound), nil
}

// Plans returns the delta plans for all positions, in motif order.
func Plans(m *Motif) []*Plan {
	ret := make([]*Plan, m.Size())
	for p := range ret {
		ret[p], _ = CompileDelta(m, p)
	}
	return ret
}

func compile(m *Motif, seed int, bound []int) *Plan {
	version := func(q int) index.Version {
		if seed >= 0 && q > seed {
			return index.Old
		}
		return index.New
	}

	isBound := make([]bool, m.vars)
	for _, v := range bound {
		isBound[v] = true
	}

	plan := &Plan{
		Seed:    seed,
		Bound:   bound,
		Order:   append([]int{}, bound...),
		NumVars: m.vars,
	}

	for q, e := range m.edges {
		if q != seed && isBound[e.Src] && isBound[e.Dst] {
			plan.SeedChecks = append(plan.SeedChecks, Check{Position: q, Pair: e, Version: version(q)})
		}
	}

	for len(plan.Order) < m.vars {
		next, best := -1, -1
		for v := 0; v < m.vars; v++ {
			if isBound[v] {
				continue
			}
			n := 0
			for _, e := range m.edges {
				if (e.Src == v && e.Dst != v && isBound[e.Dst]) || (e.Dst == v && e.Src != v && isBound[e.Src]) {
					n++
				}
			}
			if n > best {
				next, best = v, n
			}
		}

		step := Step{Var: next}
		for q, e := range m.edges {
			switch {
			case e.IsLoop() && e.Src == next:
				step.Checks = append(step.Checks, Check{Position: q, Pair: e, Version: version(q)})
			case e.Dst == next && isBound[e.Src]:
				step.Constraints = append(step.Constraints, Constraint{
					Position: q, Anchor: e.Src, Direction: graph.Forward, Version: version(q),
				})
			case e.Src == next && isBound[e.Dst]:
				step.Constraints = append(step.Constraints, Constraint{
					Position: q, Anchor: e.Dst, Direction: graph.Reverse, Version: version(q),
				})
			}
		}

		isBound[next] = true
		plan.Order = append(plan.Order, next)
		plan.Steps = append(plan.Steps, step)
	}

	return plan
}
