// Package sink receives the signed occurrence deltas produced by the engine and the per batch
// summaries produced by the scheduler.
package sink

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/l7mp/dmotif/pkg/dbsp"
	"github.com/l7mp/dmotif/pkg/join"
)

// Record is one occurrence delta: the occurrence appeared (Weight > 0) or disappeared (Weight < 0)
// in Batch. The same occurrence may be reported more than once per batch; weights add up.
type Record struct {
	Batch      uint64
	Occurrence join.Occurrence
	Weight     int64
}

func (r Record) String() string {
	return fmt.Sprintf("batch=%d %s %+d", r.Batch, r.Occurrence, r.Weight)
}

// BatchSummary describes a processed batch.
type BatchSummary struct {
	Batch uint64 `json:"batch"`
	// Changes is the number of submitted changes, Effective the number that changed the edge set.
	Changes   int   `json:"changes"`
	Effective int   `json:"effective"`
	Delta     int64 `json:"delta"`
	// Total is the motif count after the batch.
	Total   int64         `json:"total"`
	Tuples  uint64        `json:"tuples"`
	Elapsed time.Duration `json:"elapsed"`
}

func (s BatchSummary) String() string {
	return fmt.Sprintf("batch %d: %d changes (%d effective), delta %+d, total %d, %d tuples in %s",
		s.Batch, s.Changes, s.Effective, s.Delta, s.Total, s.Tuples, s.Elapsed)
}

// Sink consumes occurrence records. Emit may be called concurrently by several workers; Flush is
// called once per batch after every record of the batch was emitted.
type Sink interface {
	Emit(r Record) error
	Flush(s BatchSummary) error
	Close() error
}

// Counter sums the weights of the records per batch and in total.
type Counter struct {
	mu      sync.Mutex
	batch   int64
	total   int64
	batches []BatchSummary
}

var _ Sink = &Counter{}

// NewCounter creates a counting sink.
func NewCounter() *Counter { return &Counter{} }

func (c *Counter) Emit(r Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch += r.Weight
	return nil
}

func (c *Counter) Flush(s BatchSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += c.batch
	c.batch = 0
	c.batches = append(c.batches, s)
	return nil
}

func (c *Counter) Close() error { return nil }

// Total returns the sum of every flushed record weight.
func (c *Counter) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Pending returns the sum of the record weights not yet flushed.
func (c *Counter) Pending() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batch
}

// Summaries returns the flushed batch summaries.
func (c *Counter) Summaries() []BatchSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]BatchSummary{}, c.batches...)
}

// ZSet maintains the current occurrence set by integrating the per batch deltas.
type ZSet struct {
	mu     sync.Mutex
	integ  *dbsp.Integrator
	deltas []*dbsp.OccurrenceZSet
	keep   bool
}

var _ Sink = &ZSet{}

// NewZSet creates a Z-set sink. If keepDeltas is set the delta of every batch is retained.
func NewZSet(keepDeltas bool) *ZSet { return &ZSet{integ: dbsp.NewIntegrator(), keep: keepDeltas} }

func (z *ZSet) Emit(r Record) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.integ.Emit(r.Occurrence, r.Weight)
	return nil
}

func (z *ZSet) Flush(_ BatchSummary) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	d := z.integ.Commit()
	if z.keep {
		z.deltas = append(z.deltas, d)
	}
	return nil
}

func (z *ZSet) Close() error { return nil }

// State returns the current occurrence set.
func (z *ZSet) State() *dbsp.OccurrenceZSet {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.integ.State()
}

// Deltas returns the retained per batch deltas.
func (z *ZSet) Deltas() []*dbsp.OccurrenceZSet {
	z.mu.Lock()
	defer z.mu.Unlock()
	return append([]*dbsp.OccurrenceZSet{}, z.deltas...)
}

// Logger writes records and summaries to a logger.
type Logger struct {
	log logr.Logger
}

var _ Sink = &Logger{}

// NewLogger creates a logging sink. Records are logged at verbosity 4, summaries at 0.
func NewLogger(log logr.Logger) *Logger {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Logger{log: log.WithName("sink")}
}

func (l *Logger) Emit(r Record) error {
	l.log.V(4).Info("occurrence", "batch", r.Batch, "occurrence", r.Occurrence.String(), "weight", r.Weight)
	return nil
}

func (l *Logger) Flush(s BatchSummary) error {
	l.log.Info("batch processed", "batch", s.Batch, "changes", s.Changes, "effective", s.Effective,
		"delta", s.Delta, "total", s.Total, "tuples", s.Tuples, "elapsed", s.Elapsed.String())
	return nil
}

func (l *Logger) Close() error { return nil }

// Tee forwards everything to several sinks.
type Tee []Sink

var _ Sink = Tee{}

func (t Tee) Emit(r Record) error {
	for _, s := range t {
		if err := s.Emit(r); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) Flush(s BatchSummary) error {
	for _, x := range t {
		if err := x.Flush(s); err != nil {
			return err
		}
	}
	return nil
}

func (t Tee) Close() error {
	errs := []error{}
	for _, s := range t {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Emit(Record) error        { return nil }
func (Discard) Flush(BatchSummary) error { return nil }
func (Discard) Close() error             { return nil }
