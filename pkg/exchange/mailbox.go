package exchange

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// Mailbox is an unbounded FIFO of messages with a ready signal. Put never blocks, so a worker
// serving requests can always accept the replies to its own requests.
type Mailbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	ready  chan struct{}
	closed bool
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{q: queue.New(), ready: make(chan struct{}, 1)}
}

// Put appends a message. Messages put into a closed mailbox are dropped.
func (m *Mailbox) Put(msg Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.q.Add(msg)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// TryGet removes the first message, if any.
func (m *Mailbox) TryGet() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.q.Length() == 0 {
		return Message{}, false
	}
	return m.q.Remove().(Message), true
}

// Get waits for the next message.
func (m *Mailbox) Get(ctx context.Context) (Message, error) {
	for {
		if msg, ok := m.TryGet(); ok {
			return msg, nil
		}
		select {
		case <-m.ready:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Ready is signalled after a Put. The signal may be stale: always drain with TryGet.
func (m *Mailbox) Ready() <-chan struct{} { return m.ready }

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Length()
}

// Close drops every queued message and rejects new ones.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.q = queue.New()
}
