package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/valyala/gorpc"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultHandshakeTimeout is the time a process waits for its peers to come up.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultCallTimeout bounds the delivery of a control message to a peer.
	DefaultCallTimeout = 10 * time.Second
	// DefaultShutdownTimeout is the time Close waits for the peers to leave.
	DefaultShutdownTimeout = 5 * time.Second

	funcHello   = "Hello"
	funcDeliver = "Deliver"
	funcBye     = "Bye"
)

var (
	errorLoggerOnce sync.Once
	// gorpc keeps a process-global type registry that AddFunc writes to.
	dispatcherMu sync.Mutex
)

func init() {
	gorpc.RegisterType(&Hello{})
	gorpc.RegisterType(&Message{})
}

// RPCConfig describes a multi-process run. Every process must be given the same hosts and
// worker count.
type RPCConfig struct {
	// Hosts lists the listen address of every process, indexed by process number.
	Hosts []string
	// Process is the index of this process in Hosts.
	Process int
	// WorkersPerProcess is the number of workers each process hosts.
	WorkersPerProcess int
	// HandshakeTimeout bounds the wait for every peer to answer the handshake.
	HandshakeTimeout time.Duration
	// CallTimeout bounds the delivery of Done and Abort messages, which are acknowledged by the
	// peer. Requests and replies are sent without acknowledgement.
	CallTimeout time.Duration
	// ShutdownTimeout bounds the wait for the peers to leave on Close.
	ShutdownTimeout time.Duration
	Logger          logr.Logger
}

// Hello is exchanged by processes on startup and, as a goodbye, on shutdown.
type Hello struct {
	RunID   string
	Process int
	Workers int
}

// RPCNetwork connects worker groups hosted by different processes over TCP. Messages between
// workers of the same process bypass the transport.
type RPCNetwork struct {
	cfg        RPCConfig
	runID      string
	mailboxes  []*Mailbox
	dispatcher *gorpc.Dispatcher
	server     *gorpc.Server
	clients    []*gorpc.Client
	funcs      []*gorpc.DispatcherClient
	peers      []string
	connected  bool
	closed     atomic.Bool
	stats      Stats
	log        logr.Logger

	mu   sync.Mutex
	gone map[int]bool
	// left is closed once every peer has said goodbye.
	left chan struct{}
}

var _ Network = &RPCNetwork{}

// NewRPCNetwork starts the local server and connects to every peer process. It returns
// ErrPeerUnreachable if a peer does not answer the handshake in time.
func NewRPCNetwork(ctx context.Context, cfg RPCConfig) (*RPCNetwork, error) {
	if cfg.Process < 0 || cfg.Process >= len(cfg.Hosts) {
		return nil, fmt.Errorf("process index %d out of range for %d hosts", cfg.Process, len(cfg.Hosts))
	}
	if cfg.WorkersPerProcess < 1 {
		cfg.WorkersPerProcess = 1
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	n := &RPCNetwork{
		cfg:       cfg,
		runID:     uuid.New().String(),
		mailboxes: make([]*Mailbox, cfg.WorkersPerProcess),
		clients:   make([]*gorpc.Client, len(cfg.Hosts)),
		funcs:     make([]*gorpc.DispatcherClient, len(cfg.Hosts)),
		peers:     make([]string, len(cfg.Hosts)),
		log:       log.WithName("rpc").WithValues("process", cfg.Process),
		gone:      map[int]bool{},
		left:      make(chan struct{}),
	}
	if len(cfg.Hosts) == 1 {
		close(n.left)
	}
	for i := range n.mailboxes {
		n.mailboxes[i] = NewMailbox()
	}
	n.peers[cfg.Process] = n.runID

	// the transport logger is process-global: the first network wins
	errorLoggerOnce.Do(func() {
		tlog := n.log
		gorpc.SetErrorLogger(func(format string, args ...any) {
			tlog.Error(fmt.Errorf(format, args...), "transport error")
		})
	})

	dispatcherMu.Lock()
	d := gorpc.NewDispatcher()
	d.AddFunc(funcHello, n.hello)
	d.AddFunc(funcDeliver, n.deliver)
	d.AddFunc(funcBye, n.bye)
	dispatcherMu.Unlock()
	n.dispatcher = d

	n.server = gorpc.NewTCPServer(cfg.Hosts[cfg.Process], d.NewHandlerFunc())
	if err := n.server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server on %s: %w", cfg.Hosts[cfg.Process], err)
	}

	for p, addr := range cfg.Hosts {
		if p == cfg.Process {
			continue
		}
		c := gorpc.NewTCPClient(addr)
		c.PendingRequests = 1 << 20
		c.Start()
		n.clients[p] = c
		n.funcs[p] = d.NewFuncClient(c)
	}

	if err := n.handshake(ctx); err != nil {
		_ = n.Close()
		return nil, err
	}
	n.connected = true

	n.log.V(2).Info("connected", "run-id", n.runID, "hosts", cfg.Hosts, "workers", n.Workers())
	return n, nil
}

func (n *RPCNetwork) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
	defer cancel()

	deadline, _ := ctx.Deadline()
	req := &Hello{RunID: n.runID, Process: n.cfg.Process, Workers: n.Workers()}
	for p, addr := range n.cfg.Hosts {
		if p == n.cfg.Process {
			continue
		}
		for {
			timeout := min(time.Second, max(time.Until(deadline), time.Millisecond))
			resp, err := n.funcs[p].CallTimeout(funcHello, req, timeout)
			if err == nil {
				h, ok := resp.(*Hello)
				if !ok || h == nil {
					return NewPeerUnreachableError(addr, fmt.Errorf("invalid handshake reply %v", resp))
				}
				if h.Process != p || h.Workers != req.Workers {
					return NewPeerUnreachableError(addr, fmt.Errorf("peer configuration mismatch: "+
						"process %d with %d workers, expected process %d with %d workers",
						h.Process, h.Workers, p, req.Workers))
				}
				n.peers[p] = h.RunID
				n.log.V(4).Info("handshake complete", "peer", p, "addr", addr, "peer-run-id", h.RunID)
				break
			}

			select {
			case <-ctx.Done():
				return NewPeerUnreachableError(addr, errors.Join(ctx.Err(), err))
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
	return nil
}

func (n *RPCNetwork) hello(h *Hello) (*Hello, error) {
	if h.Workers != n.Workers() {
		return nil, fmt.Errorf("worker count mismatch: peer %d has %d workers, local %d",
			h.Process, h.Workers, n.Workers())
	}
	return &Hello{RunID: n.runID, Process: n.cfg.Process, Workers: n.Workers()}, nil
}

// bye records that a peer will not send any more messages.
func (n *RPCNetwork) bye(h *Hello) error {
	if h.Process < 0 || h.Process >= len(n.cfg.Hosts) || h.Process == n.cfg.Process {
		return fmt.Errorf("goodbye from unknown process %d", h.Process)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gone[h.Process] {
		return nil
	}
	n.gone[h.Process] = true
	n.log.V(4).Info("peer left", "peer", h.Process)
	if len(n.gone) == len(n.cfg.Hosts)-1 {
		close(n.left)
	}
	return nil
}

func (n *RPCNetwork) deliver(m *Message) error {
	i := m.To - n.cfg.Process*n.cfg.WorkersPerProcess
	if i < 0 || i >= len(n.mailboxes) {
		return fmt.Errorf("%w: %d is not hosted by process %d", ErrUnknownWorker, m.To, n.cfg.Process)
	}
	n.log.V(8).Info("received", "message", m.String())
	n.mailboxes[i].Put(*m)
	return nil
}

// RunID returns the id of this process in the run.
func (n *RPCNetwork) RunID() string { return n.runID }

// Peers returns the run id of every process, indexed by process number.
func (n *RPCNetwork) Peers() []string { return append([]string{}, n.peers...) }

// Stats returns the message counters.
func (n *RPCNetwork) Stats() *Stats { return &n.stats }

func (n *RPCNetwork) Workers() int { return len(n.cfg.Hosts) * n.cfg.WorkersPerProcess }

func (n *RPCNetwork) Local() []int {
	ret := make([]int, n.cfg.WorkersPerProcess)
	for i := range ret {
		ret[i] = n.cfg.Process*n.cfg.WorkersPerProcess + i
	}
	return ret
}

func (n *RPCNetwork) Endpoint(id int) (Endpoint, error) {
	i := id - n.cfg.Process*n.cfg.WorkersPerProcess
	if i < 0 || i >= len(n.mailboxes) {
		return nil, fmt.Errorf("%w: %d is not hosted by process %d", ErrUnknownWorker, id, n.cfg.Process)
	}
	return &rpcEndpoint{id: id, mailbox: n.mailboxes[i], net: n}, nil
}

// Close says goodbye to every peer and keeps serving until the peers have said goodbye too, or
// ShutdownTimeout expires. A peer may still be waiting for the acknowledgement of its last Done
// message when this process has already finished.
func (n *RPCNetwork) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	if n.connected {
		n.leave()
	}
	for _, c := range n.clients {
		if c != nil {
			c.Stop()
		}
	}
	n.server.Stop()
	for _, m := range n.mailboxes {
		m.Close()
	}
	n.log.V(2).Info("closed")
	return nil
}

func (n *RPCNetwork) leave() {
	bye := &Hello{RunID: n.runID, Process: n.cfg.Process, Workers: n.Workers()}
	var g errgroup.Group
	for p := range n.cfg.Hosts {
		if p == n.cfg.Process {
			continue
		}
		g.Go(func() error {
			if _, err := n.funcs[p].CallTimeout(funcBye, bye, n.cfg.CallTimeout); err != nil {
				n.log.V(2).Info("goodbye not delivered", "peer", p, "error", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()

	select {
	case <-n.left:
	case <-time.After(n.cfg.ShutdownTimeout):
		n.log.Info("peers did not leave in time", "timeout", n.cfg.ShutdownTimeout.String())
	}
}

func (n *RPCNetwork) send(m Message) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if m.To < 0 || m.To >= n.Workers() {
		return fmt.Errorf("%w: %d", ErrUnknownWorker, m.To)
	}
	n.stats.Sent.Add(1)

	p := m.To / n.cfg.WorkersPerProcess
	if p == n.cfg.Process {
		return n.deliver(&m)
	}
	n.stats.Remote.Add(1)

	// the barrier and the abort must not be lost: wait for the peer to take them over
	var err error
	if m.Kind == Done || m.Kind == Abort {
		_, err = n.funcs[p].CallTimeout(funcDeliver, &m, n.cfg.CallTimeout)
	} else {
		err = n.funcs[p].Send(funcDeliver, &m)
	}
	if err != nil {
		return NewPeerUnreachableError(n.cfg.Hosts[p], err)
	}
	return nil
}

type rpcEndpoint struct {
	id      int
	mailbox *Mailbox
	net     *RPCNetwork
}

func (e *rpcEndpoint) ID() int              { return e.id }
func (e *rpcEndpoint) Mailbox() *Mailbox    { return e.mailbox }
func (e *rpcEndpoint) Send(m Message) error { return e.net.send(m) }

func (e *rpcEndpoint) Broadcast(m Message) error {
	for to := 0; to < e.net.Workers(); to++ {
		m.To = to
		if err := e.net.send(m); err != nil {
			return err
		}
	}
	return nil
}
