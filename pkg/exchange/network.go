package exchange

import (
	"fmt"
	"sync/atomic"
)

// Endpoint is the attachment point of one worker to the network.
type Endpoint interface {
	// ID returns the worker id.
	ID() int
	// Send delivers a message to msg.To. It never blocks on the receiver.
	Send(msg Message) error
	// Broadcast sends a copy of the message to every worker, including the sender.
	Broadcast(msg Message) error
	// Mailbox returns the incoming messages of the worker.
	Mailbox() *Mailbox
}

// Network connects the workers of a run.
type Network interface {
	// Workers returns the total number of workers across all processes.
	Workers() int
	// Local returns the ids of the workers hosted by this process.
	Local() []int
	// Endpoint returns the endpoint of a local worker.
	Endpoint(id int) (Endpoint, error)
	Close() error
}

// Stats counts messages sent through a network.
type Stats struct {
	Sent, Remote atomic.Uint64
}

// LocalNetwork connects workers of a single process through in-memory mailboxes.
type LocalNetwork struct {
	mailboxes []*Mailbox
	closed    atomic.Bool
	stats     Stats
}

var _ Network = &LocalNetwork{}

// NewLocalNetwork creates an in-process network of the given number of workers.
func NewLocalNetwork(workers int) *LocalNetwork {
	n := &LocalNetwork{mailboxes: make([]*Mailbox, max(workers, 1))}
	for i := range n.mailboxes {
		n.mailboxes[i] = NewMailbox()
	}
	return n
}

func (n *LocalNetwork) Workers() int { return len(n.mailboxes) }

func (n *LocalNetwork) Local() []int {
	ret := make([]int, len(n.mailboxes))
	for i := range ret {
		ret[i] = i
	}
	return ret
}

func (n *LocalNetwork) Endpoint(id int) (Endpoint, error) {
	if id < 0 || id >= len(n.mailboxes) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownWorker, id)
	}
	return &localEndpoint{id: id, net: n}, nil
}

// Stats returns the message counters.
func (n *LocalNetwork) Stats() *Stats { return &n.stats }

func (n *LocalNetwork) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	for _, m := range n.mailboxes {
		m.Close()
	}
	return nil
}

func (n *LocalNetwork) deliver(msg Message) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if msg.To < 0 || msg.To >= len(n.mailboxes) {
		return fmt.Errorf("%w: %d", ErrUnknownWorker, msg.To)
	}
	n.stats.Sent.Add(1)
	n.mailboxes[msg.To].Put(msg)
	return nil
}

type localEndpoint struct {
	id  int
	net *LocalNetwork
}

func (e *localEndpoint) ID() int              { return e.id }
func (e *localEndpoint) Mailbox() *Mailbox    { return e.net.mailboxes[e.id] }
func (e *localEndpoint) Send(m Message) error { return e.net.deliver(m) }

func (e *localEndpoint) Broadcast(m Message) error {
	for to := range e.net.mailboxes {
		m.To = to
		if err := e.net.deliver(m); err != nil {
			return err
		}
	}
	return nil
}
