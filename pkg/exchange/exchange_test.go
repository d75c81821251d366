package exchange_test

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/l7mp/dmotif/pkg/index"
)

func TestExchange(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Exchange Suite")
}

func freeAddr() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	defer l.Close()
	return l.Addr().String()
}

var _ = Describe("Message", func() {
	It("should build replies for requests", func() {
		req := exchange.Message{Kind: exchange.ExtendRequest, From: 1, To: 3, Batch: 7, Continuation: 42, Slot: 2,
			Vertex: 5, Direction: graph.Reverse, Version: index.Old, Limit: 10}
		Expect(req.Kind.IsRequest()).To(BeTrue())

		rep := req.Reply()
		Expect(rep.Kind).To(Equal(exchange.ExtendReply))
		Expect(rep.Kind.IsRequest()).To(BeFalse())
		Expect(rep.From).To(Equal(3))
		Expect(rep.To).To(Equal(1))
		Expect(rep.Batch).To(Equal(uint64(7)))
		Expect(rep.Continuation).To(Equal(uint64(42)))
		Expect(rep.Slot).To(Equal(int32(2)))
	})

	It("should print messages", func() {
		Expect(exchange.Message{Kind: exchange.Done, From: 1, To: 2, Batch: 3}.String()).To(Equal("done(1->2, batch=3)"))
		Expect(exchange.CountRequest.String()).To(Equal("count-request"))
		Expect(exchange.Kind(99).String()).To(Equal("kind(99)"))
	})
})

var _ = Describe("Mailbox", func() {
	It("should deliver in FIFO order without blocking", func() {
		m := exchange.NewMailbox()
		for i := 0; i < 10000; i++ {
			m.Put(exchange.Message{Continuation: uint64(i)})
		}
		Expect(m.Len()).To(Equal(10000))
		for i := 0; i < 10000; i++ {
			msg, ok := m.TryGet()
			Expect(ok).To(BeTrue())
			Expect(msg.Continuation).To(Equal(uint64(i)))
		}
		_, ok := m.TryGet()
		Expect(ok).To(BeFalse())
	})

	It("should wake up a waiting receiver", func() {
		m := exchange.NewMailbox()
		go func() {
			time.Sleep(10 * time.Millisecond)
			m.Put(exchange.Message{Kind: exchange.Done, Batch: 5})
		}()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		msg, err := m.Get(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Batch).To(Equal(uint64(5)))
	})

	It("should signal readiness once per burst", func() {
		m := exchange.NewMailbox()
		_, ok := testutils.TryRecv(m.Ready(), 10*time.Millisecond)
		Expect(ok).To(BeFalse())

		for i := 0; i < 3; i++ {
			m.Put(exchange.Message{Kind: exchange.Done, Batch: uint64(i)})
		}
		_, ok = testutils.TryRecv(m.Ready(), time.Second)
		Expect(ok).To(BeTrue())
		_, ok = testutils.TryRecv(m.Ready(), 10*time.Millisecond)
		Expect(ok).To(BeFalse())
		Expect(m.Len()).To(Equal(3))
	})

	It("should give up when the context is cancelled", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := exchange.NewMailbox().Get(ctx)
		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
	})

	It("should drop messages after close", func() {
		m := exchange.NewMailbox()
		m.Put(exchange.Message{})
		m.Close()
		m.Put(exchange.Message{})
		Expect(m.Len()).To(BeZero())
	})

	It("should be safe for concurrent producers", func() {
		m := exchange.NewMailbox()
		var wg sync.WaitGroup
		for p := 0; p < 8; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 500; i++ {
					m.Put(exchange.Message{From: p})
				}
			}()
		}
		wg.Wait()
		Expect(m.Len()).To(Equal(4000))
	})
})

var _ = Describe("LocalNetwork", func() {
	It("should route messages to the addressed worker", func() {
		n := exchange.NewLocalNetwork(3)
		defer n.Close()
		Expect(n.Workers()).To(Equal(3))
		Expect(n.Local()).To(Equal([]int{0, 1, 2}))

		e0, err := n.Endpoint(0)
		Expect(err).NotTo(HaveOccurred())
		e2, err := n.Endpoint(2)
		Expect(err).NotTo(HaveOccurred())

		Expect(e0.Send(exchange.Message{Kind: exchange.CountRequest, From: 0, To: 2, Vertex: 9})).To(Succeed())
		msg, ok := e2.Mailbox().TryGet()
		Expect(ok).To(BeTrue())
		Expect(msg.Vertex).To(Equal(graph.Vertex(9)))
		Expect(n.Stats().Sent.Load()).To(Equal(uint64(1)))
	})

	It("should broadcast to every worker including the sender", func() {
		n := exchange.NewLocalNetwork(4)
		defer n.Close()
		e1, _ := n.Endpoint(1)
		Expect(e1.Broadcast(exchange.Message{Kind: exchange.Done, From: 1, Batch: 2})).To(Succeed())
		for i := 0; i < 4; i++ {
			e, _ := n.Endpoint(i)
			msg, ok := e.Mailbox().TryGet()
			Expect(ok).To(BeTrue())
			Expect(msg.To).To(Equal(i))
			Expect(msg.Kind).To(Equal(exchange.Done))
		}
	})

	It("should reject unknown workers and closed networks", func() {
		n := exchange.NewLocalNetwork(2)
		_, err := n.Endpoint(5)
		Expect(errors.Is(err, exchange.ErrUnknownWorker)).To(BeTrue())

		e, _ := n.Endpoint(0)
		Expect(errors.Is(e.Send(exchange.Message{To: 7}), exchange.ErrUnknownWorker)).To(BeTrue())
		Expect(n.Close()).To(Succeed())
		Expect(errors.Is(e.Send(exchange.Message{To: 1}), exchange.ErrClosed)).To(BeTrue())
	})
})

// connect starts one network per host concurrently, the way separate processes would.
func connect(ctx context.Context, hosts []string, shutdown time.Duration) []*exchange.RPCNetwork {
	nets := make([]*exchange.RPCNetwork, len(hosts))
	errs := make([]error, len(hosts))
	var wg sync.WaitGroup
	for p := range hosts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nets[p], errs[p] = exchange.NewRPCNetwork(ctx, exchange.RPCConfig{
				Hosts:             hosts,
				Process:           p,
				WorkersPerProcess: 2,
				HandshakeTimeout:  10 * time.Second,
				CallTimeout:       time.Second,
				ShutdownTimeout:   shutdown,
				Logger:            logr.Discard(),
			})
		}()
	}
	wg.Wait()
	for p, err := range errs {
		Expect(err).NotTo(HaveOccurred(), "process %d", p)
	}
	return nets
}

func closeAll(nets []*exchange.RPCNetwork) {
	var wg sync.WaitGroup
	for _, n := range nets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = n.Close()
		}()
	}
	wg.Wait()
}

var _ = Describe("RPCNetwork", func() {
	It("should exchange messages between processes on loopback", func() {
		hosts := []string{freeAddr(), freeAddr()}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		nets := connect(ctx, hosts, 5*time.Second)
		defer closeAll(nets)

		Expect(nets[0].Workers()).To(Equal(4))
		Expect(nets[1].Local()).To(Equal([]int{2, 3}))
		Expect(nets[0].Peers()[1]).To(Equal(nets[1].RunID()))

		e0, err := nets[0].Endpoint(0)
		Expect(err).NotTo(HaveOccurred())
		e3, err := nets[1].Endpoint(3)
		Expect(err).NotTo(HaveOccurred())
		_, err = nets[1].Endpoint(0)
		Expect(errors.Is(err, exchange.ErrUnknownWorker)).To(BeTrue())

		req := exchange.Message{Kind: exchange.IntersectRequest, From: 0, To: 3, Batch: 1, Continuation: 11,
			Vertex: 4, Values: []graph.Vertex{1, 2, 3}}
		Expect(e0.Send(req)).To(Succeed())

		rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
		defer rcancel()
		got, err := e3.Mailbox().Get(rctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Kind).To(Equal(exchange.IntersectRequest))
		Expect(got.Values).To(Equal([]graph.Vertex{1, 2, 3}))

		rep := got.Reply()
		rep.Values = []graph.Vertex{2}
		Expect(e3.Send(rep)).To(Succeed())
		back, err := e0.Mailbox().Get(rctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(back.Kind).To(Equal(exchange.IntersectReply))
		Expect(back.Continuation).To(Equal(uint64(11)))
		Expect(back.Values).To(Equal([]graph.Vertex{2}))
		Expect(nets[0].Stats().Remote.Load()).To(Equal(uint64(1)))

		// local messages bypass the transport
		e1, _ := nets[0].Endpoint(1)
		Expect(e0.Send(exchange.Message{Kind: exchange.Done, From: 0, To: 1, Batch: 1})).To(Succeed())
		msg, err := e1.Mailbox().Get(rctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Kind).To(Equal(exchange.Done))
		Expect(nets[0].Stats().Remote.Load()).To(Equal(uint64(1)))
	})

	It("should deliver Done before the send returns", func() {
		hosts := []string{freeAddr(), freeAddr()}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		nets := connect(ctx, hosts, 5*time.Second)
		defer closeAll(nets)

		e1, _ := nets[0].Endpoint(1)
		Expect(e1.Broadcast(exchange.Message{Kind: exchange.Done, From: 1, Batch: 4})).To(Succeed())
		for _, id := range []int{2, 3} {
			e, err := nets[1].Endpoint(id)
			Expect(err).NotTo(HaveOccurred())
			msg, ok := e.Mailbox().TryGet()
			Expect(ok).To(BeTrue(), "worker %d", id)
			Expect(msg.Kind).To(Equal(exchange.Done))
			Expect(msg.Batch).To(Equal(uint64(4)))
		}
	})

	It("should keep serving until every peer has left", func() {
		hosts := []string{freeAddr(), freeAddr()}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		nets := connect(ctx, hosts, 10*time.Second)

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			_ = nets[0].Close()
		}()
		Consistently(closed, 200*time.Millisecond).ShouldNot(BeClosed())

		// the peer that finished first still takes over the last Done of the other one
		e2, _ := nets[1].Endpoint(2)
		Expect(e2.Send(exchange.Message{Kind: exchange.Done, From: 2, To: 0, Batch: 9})).To(Succeed())

		start := time.Now()
		Expect(nets[1].Close()).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
		Eventually(closed, 5*time.Second).Should(BeClosed())
	})

	It("should report a control message to a peer that is gone", func() {
		hosts := []string{freeAddr(), freeAddr()}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		nets := connect(ctx, hosts, 200*time.Millisecond)
		defer closeAll(nets)
		Expect(nets[1].Close()).To(Succeed())

		e0, _ := nets[0].Endpoint(0)
		err := e0.Send(exchange.Message{Kind: exchange.Abort, From: 0, To: 2, Err: "test"})
		Expect(errors.Is(err, exchange.ErrPeerUnreachable)).To(BeTrue(), fmt.Sprintf("unexpected error: %v", err))
	})

	It("should report an unreachable peer", func() {
		hosts := []string{freeAddr(), freeAddr()}
		_, err := exchange.NewRPCNetwork(context.Background(), exchange.RPCConfig{
			Hosts:            hosts,
			Process:          0,
			HandshakeTimeout: 300 * time.Millisecond,
		})
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, exchange.ErrPeerUnreachable)).To(BeTrue(), fmt.Sprintf("unexpected error: %v", err))
	})

	It("should reject an invalid process index", func() {
		_, err := exchange.NewRPCNetwork(context.Background(), exchange.RPCConfig{Hosts: []string{"127.0.0.1:1"}, Process: 3})
		Expect(err).To(HaveOccurred())
	})
})
