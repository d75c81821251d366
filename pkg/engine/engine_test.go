package engine

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/dmotif/internal/testutils"
	"github.com/l7mp/dmotif/pkg/exchange"
	"github.com/l7mp/dmotif/pkg/graph"
	"github.com/l7mp/dmotif/pkg/join"
	"github.com/l7mp/dmotif/pkg/motif"
	"github.com/l7mp/dmotif/pkg/sink"
)

var logger = logr.Discard()

func TestEngine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Engine Suite")
}

// run streams the batches through a fresh engine and returns the integrated occurrence set and
// the per batch summaries. The initial count is reported as batch 0.
func run(m *motif.Motif, opts Options, initial []graph.Edge, batches []graph.Batch) (*sink.ZSet, *Summary) {
	z := sink.NewZSet(false)
	opts.Sink = z
	opts.Logger = logger
	e, err := New(m, opts)
	Expect(err).NotTo(HaveOccurred())
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sum, err := NewScheduler(e, logger).Run(ctx, initial, NewSliceSource(batches), true)
	Expect(err).NotTo(HaveOccurred())
	return z, sum
}

func deltas(s *Summary) []int64 {
	ret := []int64{}
	for _, b := range s.Batches {
		ret = append(ret, b.Delta)
	}
	return ret
}

// distinct keeps the first change of every edge not in skip, so applying the changes one by one
// or all at once gives the same edge set.
func distinct(changes []graph.Change, skip []graph.Edge) []graph.Change {
	seen := testutils.NewEdgeSet(skip)
	ret := []graph.Change{}
	for _, c := range changes {
		if !seen[c.Edge] {
			seen[c.Edge] = true
			ret = append(ret, c)
		}
	}
	return ret
}

var _ = Describe("Engine", func() {
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	})

	AfterEach(func() {
		cancel()
	})

	It("should reject a missing motif", func() {
		_, err := New(nil, Options{Workers: 2})
		Expect(err).To(HaveOccurred())
		var cerr *motif.ConfigError
		Expect(errors.As(err, &cerr)).To(BeTrue())
	})

	It("should reject an invalid worker count", func() {
		_, err := New(motif.Triangle(), Options{})
		Expect(err).To(HaveOccurred())
	})

	It("should count a triangle loaded in one batch", func() {
		s := sink.NewCounter()
		e, err := New(motif.Triangle(), Options{Workers: 4, Sink: s, Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer e.Close()

		Expect(e.Build(ctx, nil)).To(Succeed())
		res, err := e.Stream(ctx, graph.Batch{Seq: 1, Changes: []graph.Change{
			graph.Insert(1, 2), graph.Insert(1, 3), graph.Insert(2, 3)}})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Delta).To(Equal(int64(1)))
		Expect(res.Effective).To(Equal(3))
		Expect(s.Pending()).To(Equal(int64(1)))
		Expect(e.Edges()).To(Equal(uint64(3)))

		n, err := e.Count(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))
		Expect(s.Pending()).To(Equal(int64(1)))
	})

	It("should report the closing and the removal of a triangle", func() {
		e, err := New(motif.Triangle(), Options{Workers: 3, Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer e.Close()

		Expect(e.Build(ctx, []graph.Edge{{Src: 1, Dst: 2}, {Src: 1, Dst: 3}})).To(Succeed())
		n, err := e.Count(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())

		res, err := e.Stream(ctx, graph.Batch{Seq: 1, Changes: []graph.Change{graph.Insert(2, 3)}})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Delta).To(Equal(int64(1)))

		res, err = e.Stream(ctx, graph.Batch{Seq: 2, Changes: []graph.Change{graph.Remove(2, 3)}})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Delta).To(Equal(int64(-1)))
	})

	It("should ignore ineffective changes", func() {
		e, err := New(motif.Triangle(), Options{Workers: 2, Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer e.Close()

		Expect(e.Build(ctx, testutils.PathEdges)).To(Succeed())
		res, err := e.Stream(ctx, graph.Batch{Seq: 1, Changes: []graph.Change{
			graph.Insert(1, 2), graph.Remove(5, 6), graph.Insert(1, 3), graph.Remove(1, 3)}})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Effective).To(BeZero())
		Expect(res.Delta).To(BeZero())
		Expect(res.Tuples).To(BeZero())
	})

	It("should match the brute force count over random batches", func() {
		r := rand.New(rand.NewSource(42))
		c4, _ := motif.Clique(4)
		cy4, _ := motif.Cycle(4)
		for _, m := range []*motif.Motif{motif.Triangle(), motif.Diamond(), c4, cy4} {
			initial := testutils.RandomEdges(r, 12, 40, false)
			edges := testutils.NewEdgeSet(initial)
			batches := []graph.Batch{}
			expected := []map[string]int64{}
			for b := uint64(1); b <= 6; b++ {
				changes := testutils.RandomChanges(r, edges.Edges(), 12, 10, 0.4)
				edges.Apply(changes)
				batches = append(batches, graph.Batch{Seq: b, Changes: changes})
				expected = append(expected, testutils.Occurrences(m, edges))
			}

			z, sum := run(m, Options{Workers: 4}, initial, batches)
			Expect(sum.Initial).To(Equal(testutils.Count(m, testutils.NewEdgeSet(initial))))
			Expect(z.State().Map()).To(Equal(expected[len(expected)-1]), "motif %s", m.Name())
			total := int64(0)
			for _, occs := range expected[len(expected)-1] {
				total += occs
			}
			Expect(sum.Total).To(Equal(total))
			Expect(sum.Batches).To(HaveLen(7))
		}
	})

	It("should not depend on the batch size", func() {
		r := rand.New(rand.NewSource(7))
		m := motif.Diamond()
		initial := testutils.RandomEdges(r, 10, 25, false)
		changes := distinct(testutils.RandomChanges(r, initial, 10, 30, 0.3), nil)
		edges := testutils.NewEdgeSet(initial)

		var states []map[string]int64
		for _, size := range []int{1, 4, len(changes)} {
			z, _ := run(m, Options{Workers: 3}, initial, graph.Split(changes, size, 1))
			states = append(states, z.State().Map())
		}
		Expect(states[1]).To(Equal(states[0]))
		Expect(states[2]).To(Equal(states[0]))

		// every split ends in the brute force occurrence set
		edges.Apply(changes)
		Expect(states[2]).To(Equal(testutils.Occurrences(m, edges)))
	})

	It("should undo a batch with its inverse", func() {
		r := rand.New(rand.NewSource(3))
		initial := testutils.RandomEdges(r, 8, 20, false)
		changes := distinct(testutils.RandomChanges(r, initial, 8, 10, 0.0), initial)
		added := make([]graph.Edge, len(changes))
		for i, c := range changes {
			added[i] = c.Edge
		}
		batches := []graph.Batch{
			{Seq: 1, Changes: graph.Insertions(added)},
			{Seq: 2, Changes: graph.Removals(added)},
		}

		z, sum := run(motif.Triangle(), Options{Workers: 2}, initial, batches)
		Expect(sum.Batches[1].Delta + sum.Batches[2].Delta).To(BeZero())
		Expect(z.State().Map()).To(Equal(testutils.Occurrences(motif.Triangle(), testutils.NewEdgeSet(initial))))
	})

	It("should not depend on the number of workers", func() {
		r := rand.New(rand.NewSource(99))
		cy3, _ := motif.Cycle(3)
		initial := testutils.RandomEdges(r, 15, 50, true)
		changes := testutils.RandomChanges(r, initial, 15, 40, 0.4)
		batches := graph.Split(changes, 8, 1)

		var ref []int64
		for _, w := range []int{1, 2, 16} {
			_, sum := run(cy3, Options{Workers: w}, initial, batches)
			if ref == nil {
				ref = deltas(sum)
				continue
			}
			Expect(deltas(sum)).To(Equal(ref), "workers %d", w)
		}
	})

	It("should give the same result with the count cache", func() {
		r := rand.New(rand.NewSource(5))
		initial := testutils.RandomEdges(r, 10, 35, false)
		batches := graph.Split(testutils.RandomChanges(r, initial, 10, 20, 0.5), 5, 1)

		_, plain := run(motif.Diamond(), Options{Workers: 4}, initial, batches)
		_, cached := run(motif.Diamond(), Options{Workers: 4, CountCacheBytes: 1 << 20, DrainChunk: 1},
			initial, batches)
		Expect(deltas(cached)).To(Equal(deltas(plain)))
	})

	It("should stay within the worst-case optimal proposal bound", func() {
		r := rand.New(rand.NewSource(17))
		c4, _ := motif.Clique(4)
		e, err := New(c4, Options{Workers: 4, Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer e.Close()

		Expect(e.Build(ctx, testutils.RandomEdges(r, 10, 50, false))).To(Succeed())
		_, err = e.Count(ctx)
		Expect(err).NotTo(HaveOccurred())
		_, err = e.Stream(ctx, graph.Batch{Seq: 1, Changes: testutils.RandomChanges(r, nil, 10, 20, 0)})
		Expect(err).NotTo(HaveOccurred())

		stats := e.Stats()
		Expect(stats.Excess).To(BeZero())
		Expect(stats.Proposed()).NotTo(BeZero())
		for i, st := range stats.Steps {
			Expect(st.Proposed).To(BeNumerically("<=", st.Bound), "step %d", i)
		}
	})

	It("should abort a batch exceeding the tuple ceiling", func() {
		e, err := New(motif.Triangle(), Options{Workers: 2, MaxIntermediate: 2, Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer e.Close()

		Expect(e.Build(ctx, nil)).To(Succeed())
		_, err = e.Stream(ctx, graph.Batch{Seq: 1, Changes: graph.Insertions(testutils.TriangleEdges)})
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, join.ErrResourceExhausted)).To(BeTrue(), "unexpected error: %v", err)

		_, err = e.Stream(ctx, graph.Batch{Seq: 2})
		Expect(err).To(HaveOccurred())
	})

	It("should fail when the context is cancelled", func() {
		e, err := New(motif.Triangle(), Options{Workers: 2, Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer e.Close()

		cctx, ccancel := context.WithCancel(ctx)
		ccancel()
		Expect(e.Build(cctx, nil)).NotTo(Succeed())
	})
})

var _ = Describe("Scheduler", func() {
	It("should consume a channel source", func() {
		c := sink.NewCounter()
		e, err := New(motif.Triangle(), Options{Workers: 2, Sink: c, Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer e.Close()

		ch := make(chan graph.Batch, 2)
		ch <- graph.Batch{Seq: 1, Changes: []graph.Change{graph.Insert(2, 3)}}
		ch <- graph.Batch{Seq: 2, Changes: []graph.Change{graph.Remove(1, 2)}}
		close(ch)

		sum, err := NewScheduler(e, logger).Run(context.Background(),
			[]graph.Edge{{Src: 1, Dst: 2}, {Src: 1, Dst: 3}}, ChannelSource(ch), false)
		Expect(err).NotTo(HaveOccurred())
		Expect(deltas(sum)).To(Equal([]int64{1, -1}))
		Expect(sum.Total).To(BeZero())
		Expect(sum.Changes).To(Equal(2))
		Expect(c.Summaries()).To(HaveLen(2))
		Expect(c.Total()).To(BeZero())
	})

	It("should stop when the source fails", func() {
		e, err := New(motif.Triangle(), Options{Workers: 1, Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer e.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = NewScheduler(e, logger).Run(ctx, nil, ChannelSource(make(chan graph.Batch)), false)
		Expect(err).To(HaveOccurred())
	})
})

func freeAddr() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	defer l.Close()
	return l.Addr().String()
}

// runProcesses runs a scheduler per host concurrently, each on its own network, and closes every
// network as soon as its run returns.
func runProcesses(ctx context.Context, m *motif.Motif, initial []graph.Edge, batches []graph.Batch,
	countInitial bool) ([]*Summary, []error) {
	hosts := []string{freeAddr(), freeAddr()}
	sums := make([]*Summary, len(hosts))
	errs := make([]error, len(hosts))
	var wg sync.WaitGroup
	for p := range hosts {
		wg.Add(1)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			network, err := exchange.NewRPCNetwork(ctx, exchange.RPCConfig{
				Hosts:             hosts,
				Process:           p,
				WorkersPerProcess: 2,
				HandshakeTimeout:  10 * time.Second,
				Logger:            logger,
			})
			if err != nil {
				errs[p] = err
				return
			}

			e, err := New(m, Options{Network: network, Logger: logger})
			if err != nil {
				errs[p] = errors.Join(err, network.Close())
				return
			}
			sums[p], errs[p] = NewScheduler(e, logger).Run(ctx, initial, NewSliceSource(batches), countInitial)
			errs[p] = errors.Join(errs[p], e.Close(), network.Close())
		}()
	}
	wg.Wait()
	return sums, errs
}

var _ = Describe("Distributed engine", func() {
	It("should match the brute force count across processes", func() {
		r := rand.New(rand.NewSource(23))
		m := motif.Diamond()
		initial := testutils.RandomEdges(r, 12, 40, false)
		changes := testutils.RandomChanges(r, initial, 12, 30, 0.3)
		batches := graph.Split(changes, 10, 1)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sums, errs := runProcesses(ctx, m, initial, batches, true)
		Expect(errs).To(HaveEach(BeNil()))

		edges := testutils.NewEdgeSet(initial)
		Expect(sums[0].Initial + sums[1].Initial).To(Equal(testutils.Count(m, edges)))
		for i, b := range batches {
			edges.Apply(b.Changes)
			Expect(sums[0].Batches[i+1].Total + sums[1].Batches[i+1].Total).To(Equal(testutils.Count(m, edges)),
				"batch %d", b.Seq)
		}
	})

	It("should finish every process when both close right after the run", func() {
		r := rand.New(rand.NewSource(5))
		initial := testutils.RandomEdges(r, 10, 25, false)
		changes := testutils.RandomChanges(r, initial, 10, 40, 0.3)
		batches := graph.Split(changes, 1, 1)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		start := time.Now()
		sums, errs := runProcesses(ctx, motif.Triangle(), initial, batches, false)
		Expect(errs).To(HaveEach(BeNil()))
		Expect(time.Since(start)).To(BeNumerically("<", 20*time.Second))

		edges := testutils.NewEdgeSet(initial)
		initialCount := testutils.Count(motif.Triangle(), edges)
		for _, b := range batches {
			edges.Apply(b.Changes)
		}
		Expect(sums[0].Batches).To(HaveLen(len(batches)))
		Expect(sums[1].Batches).To(HaveLen(len(batches)))
		Expect(initialCount + sums[0].Total + sums[1].Total).To(Equal(testutils.Count(motif.Triangle(), edges)))
	})
})
