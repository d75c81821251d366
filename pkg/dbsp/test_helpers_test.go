package dbsp_test

import (
	"github.com/l7mp/dmotif/internal/testutils"
	"github.com/l7mp/dmotif/pkg/dbsp"
	"github.com/l7mp/dmotif/pkg/graph"
	"github.com/l7mp/dmotif/pkg/index"
	"github.com/l7mp/dmotif/pkg/join"
	"github.com/l7mp/dmotif/pkg/motif"
)

// IncrementalExecutionContext is a test utility that drives a single-shard propagator over a
// sequence of batches and tracks the cumulative occurrence set, so that the integrated deltas can
// be compared with a brute-force recount after every batch.
type IncrementalExecutionContext struct {
	motif      *motif.Motif
	shard      *index.Shard
	edges      testutils.EdgeSet
	integrator *dbsp.Integrator
	timestep   uint64
}

// NewIncrementalExecutionContext returns a new test execution context over an initial edge set.
func NewIncrementalExecutionContext(m *motif.Motif, initial []graph.Edge) (*IncrementalExecutionContext, error) {
	ctx := &IncrementalExecutionContext{
		motif:      m,
		shard:      index.NewShard(0, index.NewPartitioner(1), testLogger),
		edges:      testutils.NewEdgeSet(initial),
		integrator: dbsp.NewIntegrator(),
	}
	ctx.shard.Build(initial)

	p := ctx.propagator()
	if err := p.SeedBase(0, ctx.shard.Vertices(index.Old)); err != nil {
		return nil, err
	}
	if _, err := p.Drain(0); err != nil {
		return nil, err
	}
	ctx.integrator.Commit()
	return ctx, nil
}

func (ctx *IncrementalExecutionContext) propagator() *join.Propagator {
	return join.NewPropagator(ctx.motif, &join.LocalLookup{Shard: ctx.shard},
		func(_ uint64, occ join.Occurrence, w int64) { ctx.integrator.Emit(occ, w) },
		join.PropagatorOptions{Logger: testLogger})
}

// Process processes one batch and returns its delta.
func (ctx *IncrementalExecutionContext) Process(changes []graph.Change) (*dbsp.OccurrenceZSet, error) {
	ctx.timestep++
	fw, rv := index.NewPartitioner(1).Route(changes)
	eff, err := ctx.shard.Stage(fw[0], rv[0])
	if err != nil {
		return nil, err
	}

	p := ctx.propagator()
	if err := p.Seed(ctx.timestep, eff); err != nil {
		return nil, err
	}
	if _, err := p.Drain(0); err != nil {
		return nil, err
	}
	ctx.shard.Commit()
	ctx.edges.Apply(changes)

	return ctx.integrator.Commit(), nil
}

// GetCumulativeOutput returns the current cumulative output for test assertions.
func (ctx *IncrementalExecutionContext) GetCumulativeOutput() *dbsp.OccurrenceZSet {
	return ctx.integrator.State()
}

// Expected recounts the current edge set by brute force.
func (ctx *IncrementalExecutionContext) Expected() map[string]int64 {
	return testutils.Occurrences(ctx.motif, ctx.edges)
}

// Edges returns the current edge set.
func (ctx *IncrementalExecutionContext) Edges() []graph.Edge {
	return ctx.edges.Edges()
}
