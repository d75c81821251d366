// Package visualize renders motifs and their join plans as diagrams.
package visualize

import (
	"fmt"
	"strings"

	"github.com/emicklei/dot"

	"github.com/l7mp/dmotif/pkg/index"
	"github.com/l7mp/dmotif/pkg/motif"
)

// Role tells how a plan uses a pattern edge.
type Role string

const (
	// Seed is the pattern edge the delta tuples are seeded from.
	Seed Role = "seed"
	// Constraint edges propose or filter the candidates of a step.
	Constraint Role = "constraint"
	// Check edges are verified by a membership test once both endpoints are bound.
	Check Role = "check"
)

// Graph is the visualization graph of a motif, optionally annotated with a plan.
type Graph struct {
	Name  string
	Vars  []VarNode
	Edges []EdgeRef
}

// VarNode is a pattern variable.
type VarNode struct {
	Var int
	// Order is the position of the variable in the binding order, or -1 without a plan.
	Order int
	Bound bool
}

// EdgeRef is a pattern edge.
type EdgeRef struct {
	Position int
	motif.Pair
	Role    Role
	Step    int
	Version index.Version
}

// BuildGraph constructs the visualization graph of a motif. If p is not nil the variables are
// labelled with their binding order and the edges with their role in the plan.
func BuildGraph(m *motif.Motif, p *motif.Plan) *Graph {
	g := &Graph{
		Name:  m.Name(),
		Vars:  make([]VarNode, m.Vars()),
		Edges: make([]EdgeRef, m.Size()),
	}
	for v := range g.Vars {
		g.Vars[v] = VarNode{Var: v, Order: -1}
	}
	for i, e := range m.Edges() {
		g.Edges[i] = EdgeRef{Position: i, Pair: e, Step: -1, Version: index.New}
	}
	if p == nil {
		return g
	}

	if p.IsBase() {
		g.Name = fmt.Sprintf("%s (base plan)", m.Name())
	} else {
		g.Name = fmt.Sprintf("%s (delta plan #%d)", m.Name(), p.Seed)
		g.Edges[p.Seed].Role = Seed
	}
	for i, v := range p.Order {
		g.Vars[v].Order = i
	}
	for _, v := range p.Bound {
		g.Vars[v].Bound = true
	}

	for _, c := range p.SeedChecks {
		g.Edges[c.Position].Role, g.Edges[c.Position].Version = Check, c.Version
	}
	for i, s := range p.Steps {
		for _, c := range s.Constraints {
			e := &g.Edges[c.Position]
			e.Role, e.Step, e.Version = Constraint, i, c.Version
		}
		for _, c := range s.Checks {
			e := &g.Edges[c.Position]
			e.Role, e.Step, e.Version = Check, i, c.Version
		}
	}
	if !p.IsBase() {
		// the seed edge carries the change itself
		g.Edges[p.Seed].Version = index.New
	}
	return g
}

func (v VarNode) label() string {
	switch {
	case v.Order < 0:
		return fmt.Sprintf("x%d", v.Var)
	case v.Bound:
		return fmt.Sprintf("x%d (bound)", v.Var)
	default:
		return fmt.Sprintf("x%d (#%d)", v.Var, v.Order)
	}
}

func (e EdgeRef) label() string {
	parts := []string{fmt.Sprintf("#%d", e.Position)}
	switch e.Role {
	case Seed:
		parts = append(parts, "seed")
	case Constraint, Check:
		parts = append(parts, fmt.Sprintf("%s@%d", e.Role, e.Step), e.Version.String())
	}
	return strings.Join(parts, " ")
}

// BuildDotGraph creates a dot.Graph from the visualization graph. The graph can then be rendered
// in different formats.
func BuildDotGraph(g *Graph) *dot.Graph {
	return buildDotGraph(g, false)
}

// buildDotGraph sets node shapes and colors either as Graphviz attributes or in the form the
// Mermaid renderer of the dot package expects.
func buildDotGraph(g *Graph, mermaid bool) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR")
	graph.Attr("label", g.Name)
	graph.Attr("labelloc", "t")
	graph.Attr("fontsize", "16")

	nodes := make([]dot.Node, len(g.Vars))
	for i, v := range g.Vars {
		fill, hex := "lightblue", "#add8e6"
		if v.Bound {
			fill, hex = "lightgreen", "#90ee90"
		}
		n := graph.Node(fmt.Sprintf("x%d", v.Var)).Attr("label", v.label())
		if mermaid {
			n.Attr("shape", dot.MermaidShapeCircle).Attr("style", "fill:"+hex)
		} else {
			n.Attr("shape", "circle").
				Attr("style", "filled").
				Attr("fillcolor", fill).
				Attr("fontname", "helvetica")
		}
		nodes[i] = n
	}

	for _, e := range g.Edges {
		edge := graph.Edge(nodes[e.Src], nodes[e.Dst]).
			Attr("label", e.label()).
			Attr("fontname", "helvetica").
			Attr("fontsize", "10")
		switch e.Role {
		case Seed:
			edge.Attr("penwidth", "3").Attr("color", "darkgreen")
		case Check:
			edge.Attr("style", "dashed").Attr("color", "blue")
		}
	}

	return graph
}
