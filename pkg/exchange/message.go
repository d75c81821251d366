// Package exchange moves index lookups and control messages between workers. Workers never read
// each other's shards: every remote read is a request carrying a continuation id, answered by
// exactly one reply with the same id.
package exchange

import (
	"errors"
	"fmt"

	"github.com/l7mp/dmotif/pkg/graph"
	"github.com/l7mp/dmotif/pkg/index"
)

var (
	// ErrPeerUnreachable is returned when a peer process cannot be contacted.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrUnknownWorker is returned for messages addressed to a worker that does not exist.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrClosed is returned when sending on a closed network.
	ErrClosed = errors.New("network closed")
)

// NewPeerUnreachableError reports a peer process that could not be reached.
func NewPeerUnreachableError(addr string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPeerUnreachable, addr, err)
}

// Kind is the type of a message.
type Kind uint8

const (
	// CountRequest asks the owner of Vertex for the size of its adjacency list.
	CountRequest Kind = iota
	// CountReply carries Count.
	CountReply
	// ExtendRequest asks for at most Limit neighbours of Vertex.
	ExtendRequest
	// ExtendReply carries the neighbours in Values.
	ExtendReply
	// IntersectRequest asks the owner to keep the Values that are neighbours of Vertex.
	IntersectRequest
	// IntersectReply carries the surviving Values.
	IntersectReply
	// Done announces that the sender has no more work for Batch.
	Done
	// Abort tells every worker to stop. Err holds the reason.
	Abort
)

var kindNames = [...]string{"count-request", "count-reply", "extend-request", "extend-reply",
	"intersect-request", "intersect-reply", "done", "abort"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsRequest is true for message kinds that expect a reply.
func (k Kind) IsRequest() bool {
	return k == CountRequest || k == ExtendRequest || k == IntersectRequest
}

// Message is the unit of communication between workers. Senders hand over ownership of Values.
type Message struct {
	Kind         Kind
	From, To     int
	Batch        uint64
	Continuation uint64
	Slot         int32
	Vertex       graph.Vertex
	Direction    graph.Direction
	Version      index.Version
	Limit        uint64
	Count        uint64
	Values       []graph.Vertex
	Err          string
}

// Reply returns the reply skeleton for a request: addressed back to the sender with the same
// batch, continuation and slot.
func (m Message) Reply() Message {
	return Message{
		Kind:         m.Kind + 1,
		From:         m.To,
		To:           m.From,
		Batch:        m.Batch,
		Continuation: m.Continuation,
		Slot:         m.Slot,
	}
}

func (m Message) String() string {
	switch m.Kind {
	case Done:
		return fmt.Sprintf("%s(%d->%d, batch=%d)", m.Kind, m.From, m.To, m.Batch)
	case Abort:
		return fmt.Sprintf("%s(%d->%d, batch=%d, err=%q)", m.Kind, m.From, m.To, m.Batch, m.Err)
	default:
		return fmt.Sprintf("%s(%d->%d, batch=%d, cont=%d/%d, %s[%d]@%s, count=%d, values=%d)", m.Kind,
			m.From, m.To, m.Batch, m.Continuation, m.Slot, m.Direction, m.Vertex, m.Version, m.Count,
			len(m.Values))
	}
}
