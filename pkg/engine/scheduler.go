package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/l7mp/dmotif/pkg/graph"
	"github.com/l7mp/dmotif/pkg/sink"
)

// BatchSource yields the batches of an edge stream in order. Next returns false once the stream
// is exhausted.
type BatchSource interface {
	Next(ctx context.Context) (graph.Batch, bool, error)
}

// SliceSource serves batches from memory.
type SliceSource struct {
	batches []graph.Batch
	pos     int
}

var _ BatchSource = &SliceSource{}

// NewSliceSource creates a batch source over a fixed list of batches.
func NewSliceSource(batches []graph.Batch) *SliceSource { return &SliceSource{batches: batches} }

func (s *SliceSource) Next(_ context.Context) (graph.Batch, bool, error) {
	if s.pos >= len(s.batches) {
		return graph.Batch{}, false, nil
	}
	s.pos++
	return s.batches[s.pos-1], true, nil
}

// ChannelSource serves batches received on a channel until it is closed.
type ChannelSource <-chan graph.Batch

var _ BatchSource = ChannelSource(nil)

func (c ChannelSource) Next(ctx context.Context) (graph.Batch, bool, error) {
	select {
	case b, ok := <-c:
		return b, ok, nil
	case <-ctx.Done():
		return graph.Batch{}, false, ctx.Err()
	}
}

// Summary describes a finished run.
type Summary struct {
	// Initial is the motif count of the bulk edge set, if it was counted.
	Initial int64
	Batches []sink.BatchSummary
	// Total is the motif count after the last batch.
	Total   int64
	Changes int
	Elapsed time.Duration
}

func (s *Summary) String() string {
	return fmt.Sprintf("%d batches, %d changes, initial count %d, final count %d, %s",
		len(s.Batches), s.Changes, s.Initial, s.Total, s.Elapsed)
}

// Scheduler sequences a run: bulk load, optionally an initial count, then the batches of a
// source, one at a time. Every batch is summarized to the engine's sink.
type Scheduler struct {
	engine *Engine
	sink   sink.Sink
	log    logr.Logger
}

// NewScheduler creates a scheduler driving the engine.
func NewScheduler(e *Engine, log logr.Logger) *Scheduler {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	s := e.Sink()
	if s == nil {
		s = sink.Discard{}
	}
	return &Scheduler{engine: e, sink: s, log: log.WithName("scheduler")}
}

// Run loads the initial edges and processes the batches of src until it is exhausted. If
// countInitial is set the occurrences of the bulk edge set are counted and reported as batch 0.
func (s *Scheduler) Run(ctx context.Context, initial []graph.Edge, src BatchSource, countInitial bool) (*Summary, error) {
	start := time.Now()
	ret := &Summary{}

	if err := s.engine.Build(ctx, initial); err != nil {
		return nil, err
	}

	if countInitial {
		t := time.Now()
		n, err := s.engine.count(ctx, 0, true)
		if err != nil {
			return nil, err
		}
		ret.Initial, ret.Total = n, n
		bs := sink.BatchSummary{Batch: 0, Changes: len(initial), Effective: len(initial), Delta: n,
			Total: n, Elapsed: time.Since(t)}
		if err := s.flush(ret, bs); err != nil {
			return nil, err
		}
	}

	for {
		b, ok, err := src.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		res, err := s.engine.Stream(ctx, b)
		if err != nil {
			return nil, err
		}
		ret.Total += res.Delta
		ret.Changes += res.Changes
		bs := sink.BatchSummary{Batch: res.Batch, Changes: res.Changes, Effective: res.Effective,
			Delta: res.Delta, Total: ret.Total, Tuples: res.Tuples, Elapsed: res.Elapsed}
		if err := s.flush(ret, bs); err != nil {
			return nil, err
		}
	}

	ret.Elapsed = time.Since(start)
	s.log.V(2).Info("run finished", "summary", ret.String())
	return ret, nil
}

func (s *Scheduler) flush(ret *Summary, bs sink.BatchSummary) error {
	if err := s.sink.Flush(bs); err != nil {
		return fmt.Errorf("failed to flush batch %d: %w", bs.Batch, err)
	}
	ret.Batches = append(ret.Batches, bs)
	MotifCount.Set(float64(ret.Total))
	s.log.V(4).Info("batch summary", "summary", bs.String())
	return nil
}
