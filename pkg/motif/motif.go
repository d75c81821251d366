// Package motif validates motif patterns and compiles them into join plans.
//
// A motif is an ordered list of directed pattern edges over variables 0..k-1. Occurrences are
// homomorphisms: assignments of vertices to variables such that every pattern edge is present in
// the graph. Distinct variables may map to the same vertex.
package motif

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"
)

var (
	// ErrDisconnectedMotif is returned when the undirected view of the motif is not connected.
	ErrDisconnectedMotif = errors.New("disconnected motif")
	// ErrMalformedMotif is returned for motifs that cannot be parsed or have no edges.
	ErrMalformedMotif = errors.New("malformed motif")
)

// ConfigError is returned when a motif specification is rejected. It is reported before any
// batch is processed.
type ConfigError struct {
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// NewConfigError creates a motif configuration error.
func NewConfigError(cause error, format string, args ...any) error {
	return &ConfigError{Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Pair is a pattern edge from variable Src to variable Dst.
type Pair struct {
	Src, Dst int
}

// String returns a human-readable representation of the pattern edge.
func (p Pair) String() string { return fmt.Sprintf("%d->%d", p.Src, p.Dst) }

// IsLoop is true if the pattern edge is a self-loop.
func (p Pair) IsLoop() bool { return p.Src == p.Dst }

// Motif is a validated pattern.
type Motif struct {
	name  string
	edges []Pair
	vars  int
}

// New validates a list of pattern edges: there must be at least one edge, the variables must be
// exactly 0..k-1 and the undirected view must be connected.
func New(name string, edges []Pair) (*Motif, error) {
	if len(edges) == 0 {
		return nil, NewConfigError(ErrMalformedMotif, "motif %q has no edges", name)
	}

	vars := 0
	for i, e := range edges {
		if e.Src < 0 || e.Dst < 0 {
			return nil, NewConfigError(ErrMalformedMotif, "motif %q: negative variable in edge %d (%s)",
				name, i, e)
		}
		vars = max(vars, e.Src+1, e.Dst+1)
	}

	// union-find over the undirected view
	parent := make([]int, vars)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}

	used := make([]bool, vars)
	for _, e := range edges {
		used[e.Src], used[e.Dst] = true, true
		parent[find(e.Src)] = find(e.Dst)
	}
	for v, ok := range used {
		if !ok {
			return nil, NewConfigError(ErrMalformedMotif, "motif %q: variable %d does not appear in any edge",
				name, v)
		}
	}
	for v := 1; v < vars; v++ {
		if find(v) != find(0) {
			return nil, NewConfigError(ErrDisconnectedMotif, "motif %q: variable %d is not connected to variable 0",
				name, v)
		}
	}

	return &Motif{name: name, edges: append([]Pair{}, edges...), vars: vars}, nil
}

// Name returns the name of the motif.
func (m *Motif) Name() string { return m.name }

// Edges returns the pattern edges in motif order.
func (m *Motif) Edges() []Pair { return m.edges }

// Size returns the number of pattern edges.
func (m *Motif) Size() int { return len(m.edges) }

// Vars returns the number of variables.
func (m *Motif) Vars() int { return m.vars }

// String returns the motif in the compact text form accepted by Parse.
func (m *Motif) String() string {
	fs := []string{strconv.Itoa(len(m.edges))}
	for _, e := range m.edges {
		fs = append(fs, strconv.Itoa(e.Src), strconv.Itoa(e.Dst))
	}
	return strings.Join(fs, " ")
}

// Parse reads the compact text form "m p0 q0 p1 q1 ... p(m-1) q(m-1)".
func Parse(name, text string) (*Motif, error) {
	fs := strings.Fields(text)
	if len(fs) == 0 {
		return nil, NewConfigError(ErrMalformedMotif, "empty motif description")
	}

	nums := make([]int, len(fs))
	for i, f := range fs {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, NewConfigError(ErrMalformedMotif, "invalid motif token %q", f)
		}
		nums[i] = n
	}

	m := nums[0]
	if m < 0 || len(nums) != 1+2*m {
		return nil, NewConfigError(ErrMalformedMotif, "motif declares %d edges but has %d variable tokens",
			m, len(nums)-1)
	}

	edges := make([]Pair, m)
	for i := range edges {
		edges[i] = Pair{Src: nums[1+2*i], Dst: nums[2+2*i]}
	}
	return New(name, edges)
}

// File is the on-disk YAML form of a motif.
type File struct {
	Name  string   `json:"name"`
	Edges [][2]int `json:"edges"`
}

// Unmarshal parses a YAML motif description.
func Unmarshal(data []byte) (*Motif, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, NewConfigError(ErrMalformedMotif, "cannot parse motif file: %s", err.Error())
	}
	edges := make([]Pair, len(f.Edges))
	for i, e := range f.Edges {
		edges[i] = Pair{Src: e[0], Dst: e[1]}
	}
	return New(f.Name, edges)
}

// Load reads a YAML motif file.
func Load(path string) (*Motif, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read motif file: %w", err)
	}
	return Unmarshal(data)
}

// Marshal returns the YAML form of the motif.
func (m *Motif) Marshal() ([]byte, error) {
	f := File{Name: m.name, Edges: make([][2]int, len(m.edges))}
	for i, e := range m.edges {
		f.Edges[i] = [2]int{e.Src, e.Dst}
	}
	return yaml.Marshal(f)
}
