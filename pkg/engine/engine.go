// Package engine runs the distributed incremental motif counter: a set of workers, each owning
// one shard of the edge index, that process edge batches in lockstep and report the signed
// occurrence deltas of every batch to a sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/l7mp/dmotif/pkg/exchange"
	"github.com/l7mp/dmotif/pkg/graph"
	"github.com/l7mp/dmotif/pkg/index"
	"github.com/l7mp/dmotif/pkg/join"
	"github.com/l7mp/dmotif/pkg/motif"
	"github.com/l7mp/dmotif/pkg/sink"
)

const defaultDrainChunk = 256

// Options configures an engine.
type Options struct {
	// Workers is the number of in-process workers. Ignored if Network is set.
	Workers int
	// Network connects the workers. If nil a local network of Workers workers is created and
	// owned by the engine.
	Network exchange.Network
	// MaxIntermediate bounds the tuples a worker may create per batch. Zero means no limit.
	MaxIntermediate uint64
	// CountCacheBytes is the size of the per-worker cache of remote counts. Zero disables it.
	CountCacheBytes int
	// DrainChunk is the number of tuples a worker advances between two mailbox polls.
	DrainChunk int
	// Sink receives the occurrence records. May be nil.
	Sink   sink.Sink
	Logger logr.Logger
}

// BatchResult summarizes a processed batch as seen by the workers of this process.
type BatchResult struct {
	Batch     uint64
	Changes   int
	Effective int
	Delta     int64
	Tuples    uint64
	Elapsed   time.Duration
}

func (r BatchResult) String() string {
	return fmt.Sprintf("batch %d: %d/%d effective changes, delta %+d, %d tuples, %s",
		r.Batch, r.Effective, r.Changes, r.Delta, r.Tuples, r.Elapsed)
}

// Engine maintains the motif count of a changing graph.
type Engine struct {
	mu      sync.Mutex
	motif   *motif.Motif
	plans   []*motif.Plan
	net     exchange.Network
	ownNet  bool
	part    index.Partitioner
	workers []*worker
	sink    sink.Sink
	round   uint64
	err     error
	log     logr.Logger
}

// New creates an engine for a motif. The delta plans are compiled up front so an invalid motif
// is rejected before any batch.
func New(m *motif.Motif, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	log := logger.WithName("engine")

	if m == nil {
		return nil, motif.NewConfigError(motif.ErrMalformedMotif, "no motif")
	}
	plans := motif.Plans(m)

	if opts.DrainChunk <= 0 {
		opts.DrainChunk = defaultDrainChunk
	}

	e := &Engine{motif: m, plans: plans, net: opts.Network, sink: opts.Sink, log: log}
	if e.net == nil {
		if opts.Workers < 1 {
			return nil, NewConfigError(fmt.Sprintf("invalid worker count %d", opts.Workers))
		}
		e.net = exchange.NewLocalNetwork(opts.Workers)
		e.ownNet = true
	}
	e.part = index.NewPartitioner(e.net.Workers())

	for _, id := range e.net.Local() {
		ep, err := e.net.Endpoint(id)
		if err != nil {
			_ = e.Close()
			return nil, NewConfigError(err.Error())
		}
		e.workers = append(e.workers, newWorker(id, m, ep, e.part, opts, logger))
	}

	log.V(2).Info("engine created", "motif", m.String(), "workers", e.net.Workers(),
		"local", len(e.workers), "max-intermediate", opts.MaxIntermediate)
	for _, p := range plans {
		log.V(4).Info("plan", "plan", p.String())
	}

	return e, nil
}

// Motif returns the motif maintained by the engine.
func (e *Engine) Motif() *motif.Motif { return e.motif }

// Plans returns the compiled delta plans, one per pattern position.
func (e *Engine) Plans() []*motif.Plan { return e.plans }

// Workers returns the total number of workers of the run.
func (e *Engine) Workers() int { return e.net.Workers() }

// Sink returns the sink receiving the occurrence records.
func (e *Engine) Sink() sink.Sink { return e.sink }

// Stats returns the stepper statistics summed over the local workers.
func (e *Engine) Stats() join.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	ret := join.Stats{}
	for _, w := range e.workers {
		s := w.prop.Stats()
		ret.Excess += s.Excess
		ret.Checks += s.Checks
		ret.Completed += s.Completed
		for i, st := range s.Steps {
			for len(ret.Steps) <= i {
				ret.Steps = append(ret.Steps, join.StepStats{})
			}
			ret.Steps[i].Bound += st.Bound
			ret.Steps[i].Proposed += st.Proposed
			ret.Steps[i].Survived += st.Survived
			ret.Steps[i].Pruned += st.Pruned
		}
	}
	return ret
}

// Edges returns the number of edges stored by the local workers.
func (e *Engine) Edges() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := uint64(0)
	for _, w := range e.workers {
		n += w.shard.Edges()
	}
	return n
}

// Build loads the bulk edge set. Every process of a run must be given the same edges.
func (e *Engine) Build(ctx context.Context, edges []graph.Edge) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}

	start := time.Now()
	parts := e.part.RouteEdges(edges)
	var g errgroup.Group
	for _, w := range e.workers {
		g.Go(func() error {
			w.build(parts[w.id])
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.log.V(2).Info("index built", "edges", len(edges), "elapsed", time.Since(start).String())
	return nil
}

// Stream processes one batch and returns once every worker has committed it. The occurrence
// records of the batch are emitted to the sink before Stream returns.
func (e *Engine) Stream(ctx context.Context, batch graph.Batch) (BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	forward, reverse := e.part.Route(batch.Changes)
	e.round++
	round := e.round
	results, err := e.run(ctx, func(ctx context.Context, w *worker) (phaseResult, error) {
		return w.stream(ctx, round, batch.Seq, forward[w.id], reverse[w.id])
	})
	if err != nil {
		return BatchResult{}, err
	}

	ret := BatchResult{Batch: batch.Seq, Changes: len(batch.Changes), Elapsed: time.Since(start)}
	for _, r := range results {
		ret.Effective += r.effective
		ret.Delta += r.delta
		ret.Tuples += r.tuples
	}
	BatchDuration.Observe(ret.Elapsed.Seconds())

	e.log.V(2).Info("batch processed", "batch", ret.Batch, "changes", ret.Changes,
		"effective", ret.Effective, "delta", ret.Delta, "tuples", ret.Tuples,
		"elapsed", ret.Elapsed.String())
	return ret, nil
}

// Count returns the number of occurrences of the motif in the current edge set found by the
// workers of this process. No records are emitted.
func (e *Engine) Count(ctx context.Context) (int64, error) {
	return e.count(ctx, 0, false)
}

func (e *Engine) count(ctx context.Context, seq uint64, emit bool) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.round++
	round := e.round
	results, err := e.run(ctx, func(ctx context.Context, w *worker) (phaseResult, error) {
		return w.count(ctx, round, seq, emit)
	})
	if err != nil {
		return 0, err
	}

	n := int64(0)
	for _, r := range results {
		n += r.delta
	}
	e.log.V(2).Info("motif counted", "count", n)
	return n, nil
}

// run executes a round on every local worker. After a failed round the engine is unusable.
func (e *Engine) run(ctx context.Context, phase func(context.Context, *worker) (phaseResult, error)) ([]phaseResult, error) {
	if e.err != nil {
		return nil, e.err
	}

	results := make([]phaseResult, len(e.workers))
	errs := make([]error, len(e.workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range e.workers {
		g.Go(func() error {
			results[i], errs[i] = phase(gctx, w)
			return errs[i]
		})
	}
	if err := g.Wait(); err != nil {
		e.err = rootCause(err, errs)
		e.log.Error(e.err, "round failed", "round", e.round)
		return nil, e.err
	}
	return results, nil
}

// rootCause prefers the error of the worker that failed over the aborts and cancellations it
// caused in the others.
func rootCause(first error, errs []error) error {
	for _, err := range errs {
		if err != nil && !errors.Is(err, ErrAborted) && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return first
}

// Close releases the network if the engine created it.
func (e *Engine) Close() error {
	if e.ownNet {
		return e.net.Close()
	}
	return nil
}
