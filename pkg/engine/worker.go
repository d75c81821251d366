package engine

import (
	"context"
	"encoding/binary"
	"strconv"

	"github.com/coocood/freecache"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/l7mp/dmotif/pkg/exchange"
	"github.com/l7mp/dmotif/pkg/graph"
	"github.com/l7mp/dmotif/pkg/index"
	"github.com/l7mp/dmotif/pkg/join"
	"github.com/l7mp/dmotif/pkg/motif"
	"github.com/l7mp/dmotif/pkg/sink"
)

// phaseResult is what a worker reports at the end of a round.
type phaseResult struct {
	effective int
	delta     int64
	tuples    uint64
}

// worker owns one shard of the index. In every round it serves the lookups of the other
// workers, drives its propagator and takes part in the Done barrier.
type worker struct {
	id      int
	workers int
	part    index.Partitioner
	shard   *index.Shard
	prop    *join.Propagator
	ep      exchange.Endpoint
	cache   *freecache.Cache
	sink    sink.Sink
	chunk   int

	// round is the barrier round, seq the batch sequence number reported to the sink.
	round    uint64
	seq      uint64
	delta    int64
	sentDone bool
	dones    map[uint64]int
	deferred []exchange.Message
	quiet    bool
	err      error

	messages  map[exchange.Kind]prometheus.Counter
	positive  prometheus.Counter
	negative  prometheus.Counter
	cacheHit  prometheus.Counter
	cacheMiss prometheus.Counter

	log logr.Logger
}

func newWorker(id int, m *motif.Motif, ep exchange.Endpoint, part index.Partitioner, opts Options,
	log logr.Logger) *worker {
	label := strconv.Itoa(id)
	w := &worker{
		id:        id,
		workers:   part.Workers(),
		part:      part,
		ep:        ep,
		sink:      opts.Sink,
		chunk:     opts.DrainChunk,
		dones:     map[uint64]int{},
		messages:  map[exchange.Kind]prometheus.Counter{},
		positive:  OccurrencesTotal.WithLabelValues(label, "positive"),
		negative:  OccurrencesTotal.WithLabelValues(label, "negative"),
		cacheHit:  CountCacheTotal.WithLabelValues(label, "hit"),
		cacheMiss: CountCacheTotal.WithLabelValues(label, "miss"),
		log:       log.WithName("worker").WithValues("id", id),
	}
	for k := exchange.CountRequest; k <= exchange.Abort; k++ {
		w.messages[k] = MessagesTotal.WithLabelValues(label, k.String())
	}
	if opts.CountCacheBytes > 0 {
		w.cache = freecache.NewCache(opts.CountCacheBytes)
	}
	w.shard = index.NewShard(id, part, w.log)
	w.prop = join.NewPropagator(m, w, w.emit, join.PropagatorOptions{
		MaxIntermediate: opts.MaxIntermediate,
		Logger:          w.log,
	})
	return w
}

// build loads the bulk edge set into the shard.
func (w *worker) build(edges []graph.Edge) {
	w.shard.Build(edges)
	IndexEdges.WithLabelValues(strconv.Itoa(w.id)).Set(float64(w.shard.Edges()))
	BatchesTotal.WithLabelValues(strconv.Itoa(w.id), "build").Inc()
}

// stream processes one batch: stage the owned halves of the changes, seed the delta tuples for
// the effective changes whose forward half this worker owns, then run the barrier round.
func (w *worker) stream(ctx context.Context, round, seq uint64, forward, reverse []graph.Change) (phaseResult, error) {
	effective := 0
	w.quiet = false
	res, err := w.phase(ctx, round, seq, "batch", func() error {
		changes, err := w.shard.Stage(forward, reverse)
		if err != nil {
			return err
		}
		effective = len(changes)
		return w.prop.Seed(round, changes)
	})
	res.effective = effective
	return res, err
}

// count enumerates every occurrence of the motif in the committed index with the base plan. If
// emit is set the occurrences are reported to the sink.
func (w *worker) count(ctx context.Context, round, seq uint64, emit bool) (phaseResult, error) {
	w.quiet = !emit
	return w.phase(ctx, round, seq, "count", func() error {
		return w.prop.SeedBase(round, w.shard.Vertices(index.New))
	})
}

// phase runs one barrier round. The worker keeps serving requests after it ran out of its own
// work and commits once every worker has announced Done for the round.
func (w *worker) phase(ctx context.Context, round, seq uint64, kind string, seed func() error) (phaseResult, error) {
	w.round, w.seq, w.delta, w.sentDone, w.err = round, seq, 0, false, nil
	w.prop.Reset()

	if err := seed(); err != nil {
		return phaseResult{}, w.abort(err)
	}

	deferred := w.deferred
	w.deferred = nil
	for _, m := range deferred {
		if err := w.handle(m); err != nil {
			return phaseResult{}, err
		}
	}

	mb := w.ep.Mailbox()
	for {
		for {
			m, ok := mb.TryGet()
			if !ok {
				break
			}
			if err := w.handle(m); err != nil {
				return phaseResult{}, err
			}
		}

		if w.prop.Runnable() > 0 {
			if _, err := w.prop.Drain(w.chunk); err != nil {
				return phaseResult{}, w.abort(err)
			}
		}
		if w.err != nil {
			return phaseResult{}, w.abort(w.err)
		}

		if !w.sentDone && w.prop.Idle() {
			w.sentDone = true
			w.log.V(4).Info("idle", "round", round, "tuples", w.prop.Created())
			if err := w.send(exchange.Message{Kind: exchange.Done, From: w.id, Batch: round}, true); err != nil {
				return phaseResult{}, w.abort(err)
			}
		}

		if w.sentDone && w.dones[round] >= w.workers {
			tuples := w.prop.Created()
			w.commit(kind, tuples)
			return phaseResult{delta: w.delta, tuples: tuples}, nil
		}

		if w.prop.Runnable() > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return phaseResult{}, ctx.Err()
		case <-mb.Ready():
		}
	}
}

func (w *worker) commit(kind string, tuples uint64) {
	if w.shard.Staged() {
		w.shard.Commit()
	}
	if w.cache != nil {
		w.cache.Clear()
	}
	delete(w.dones, w.round)
	w.prop.Reset()

	label := strconv.Itoa(w.id)
	IndexEdges.WithLabelValues(label).Set(float64(w.shard.Edges()))
	TuplesTotal.WithLabelValues(label).Add(float64(tuples))
	BatchesTotal.WithLabelValues(label, kind).Inc()

	w.log.V(4).Info("round committed", "round", w.round, "batch", w.seq, "delta", w.delta, "tuples", tuples)
}

// abort tells every other worker to stop and returns the wrapped error.
func (w *worker) abort(err error) error {
	w.log.Error(err, "aborting", "round", w.round)
	msg := exchange.Message{Kind: exchange.Abort, From: w.id, Batch: w.round, Err: err.Error()}
	for to := 0; to < w.workers; to++ {
		if to == w.id {
			continue
		}
		msg.To = to
		if serr := w.ep.Send(msg); serr != nil {
			w.log.V(2).Info("abort not delivered", "to", to, "error", serr.Error())
		}
	}
	return NewWorkerError(w.id, err)
}

func (w *worker) handle(m exchange.Message) error {
	w.log.V(8).Info("message", "msg", m.String())

	switch m.Kind {
	case exchange.CountRequest, exchange.ExtendRequest, exchange.IntersectRequest:
		if m.Batch > w.round {
			w.deferred = append(w.deferred, m)
			return nil
		}
		if err := w.serve(m); err != nil {
			return w.abort(err)
		}
	case exchange.CountReply:
		w.cachePut(m.Vertex, m.Direction, m.Version, m.Count)
		w.prop.Resume(join.Reply{Tuple: m.Continuation, Slot: int(m.Slot), Count: m.Count})
	case exchange.ExtendReply, exchange.IntersectReply:
		w.prop.Resume(join.Reply{Tuple: m.Continuation, Slot: int(m.Slot), Values: m.Values})
	case exchange.Done:
		w.dones[m.Batch]++
	case exchange.Abort:
		return NewAbortError(m.From, m.Err)
	default:
		w.log.Info("ignoring unknown message", "msg", m.String())
	}
	return nil
}

// serve answers a lookup from the shard.
func (w *worker) serve(m exchange.Message) error {
	r := m.Reply()
	switch m.Kind {
	case exchange.CountRequest:
		r.Vertex, r.Direction, r.Version = m.Vertex, m.Direction, m.Version
		r.Count = w.shard.Count(m.Vertex, m.Direction, m.Version)
	case exchange.ExtendRequest:
		seq := w.shard.Extensions(m.Vertex, m.Direction, m.Version)
		if m.Limit > 0 {
			r.Values = seq.Take(int(m.Limit))
		} else {
			r.Values = seq.Collect()
		}
	case exchange.IntersectRequest:
		r.Values = w.shard.Intersect(m.Vertex, m.Direction, m.Version, m.Values)
	}
	return w.send(r, false)
}

func (w *worker) send(m exchange.Message, broadcast bool) error {
	w.messages[m.Kind].Inc()
	if broadcast {
		return w.ep.Broadcast(m)
	}
	return w.ep.Send(m)
}

func (w *worker) emit(_ uint64, occ join.Occurrence, weight int64) {
	w.delta += weight
	if weight > 0 {
		w.positive.Inc()
	} else {
		w.negative.Inc()
	}
	if w.sink == nil || w.quiet {
		return
	}
	if err := w.sink.Emit(sink.Record{Batch: w.seq, Occurrence: occ, Weight: weight}); err != nil && w.err == nil {
		w.err = err
	}
}

// request sends a lookup to the owner of the anchor vertex.
func (w *worker) request(kind exchange.Kind, req join.Request, values []graph.Vertex) {
	m := exchange.Message{
		Kind:         kind,
		From:         w.id,
		To:           w.part.Owner(req.Anchor),
		Batch:        w.round,
		Continuation: req.Tuple,
		Slot:         int32(req.Slot),
		Vertex:       req.Anchor,
		Direction:    req.Direction,
		Version:      req.Version,
		Limit:        req.Limit,
		Values:       values,
	}
	if err := w.send(m, false); err != nil && w.err == nil {
		w.err = err
	}
}

// Count implements join.Lookup.
func (w *worker) Count(req join.Request) (uint64, bool) {
	if w.shard.Owns(req.Anchor) {
		return w.shard.Count(req.Anchor, req.Direction, req.Version), true
	}
	if n, ok := w.cacheGet(req.Anchor, req.Direction, req.Version); ok {
		return n, true
	}
	w.request(exchange.CountRequest, req, nil)
	return 0, false
}

// Extensions implements join.Lookup.
func (w *worker) Extensions(req join.Request) ([]graph.Vertex, bool) {
	if w.shard.Owns(req.Anchor) {
		seq := w.shard.Extensions(req.Anchor, req.Direction, req.Version)
		if req.Limit > 0 {
			return seq.Take(int(req.Limit)), true
		}
		return seq.Collect(), true
	}
	w.request(exchange.ExtendRequest, req, nil)
	return nil, false
}

// Intersect implements join.Lookup.
func (w *worker) Intersect(req join.Request, candidates []graph.Vertex) ([]graph.Vertex, bool) {
	if w.shard.Owns(req.Anchor) {
		return w.shard.Intersect(req.Anchor, req.Direction, req.Version, candidates), true
	}
	w.request(exchange.IntersectRequest, req, candidates)
	return nil, false
}

func cacheKey(v graph.Vertex, dir graph.Direction, ver index.Version) []byte {
	var k [6]byte
	binary.LittleEndian.PutUint32(k[:4], uint32(v))
	k[4], k[5] = byte(dir), byte(ver)
	return k[:]
}

func (w *worker) cacheGet(v graph.Vertex, dir graph.Direction, ver index.Version) (uint64, bool) {
	if w.cache == nil {
		return 0, false
	}
	val, err := w.cache.Get(cacheKey(v, dir, ver))
	if err != nil {
		w.cacheMiss.Inc()
		return 0, false
	}
	w.cacheHit.Inc()
	return binary.LittleEndian.Uint64(val), true
}

func (w *worker) cachePut(v graph.Vertex, dir graph.Direction, ver index.Version, n uint64) {
	if w.cache == nil {
		return
	}
	var val [8]byte
	binary.LittleEndian.PutUint64(val[:], n)
	_ = w.cache.Set(cacheKey(v, dir, ver), val[:], 0)
}
