package folio

import (
	"sync"

	"github.com/phf/go-queue/queue"
	"github.com/pkg/errors"
)

// Receive wildcards.
const (
	AnySource = -1
	AnyTag    = -1
)

var ErrStopped = errors.New("process stopped")

// Transport is the in-process messaging substrate: reliable, unbounded,
// FIFO per (sender, receiver) pair. Rank r owns the mailbox at index r.
type Transport struct {
	boxes   []*Mailbox
	metrics *Metrics
}

// NewTransport allocates mailboxes for ranks [0, numProcesses).
func NewTransport(numProcesses int, metrics *Metrics) *Transport {
	t := &Transport{
		boxes:   make([]*Mailbox, numProcesses),
		metrics: metrics,
	}

	for rank := range t.boxes {
		t.boxes[rank] = newMailbox(rank)
	}

	return t
}

// NumProcesses returns the size of the rank space.
func (t *Transport) NumProcesses() int {
	return len(t.boxes)
}

// Mailbox returns the receive endpoint of the given rank.
func (t *Transport) Mailbox(rank int) *Mailbox {
	return t.boxes[rank]
}

// Send enqueues a message into the destination's mailbox. It never
// blocks; the substrate assumes no message loss and no backpressure.
func (t *Transport) Send(from, to, tag int, payload string) error {
	if to < 0 || to >= len(t.boxes) {
		return errors.Wrapf(ErrProtocolViolation, "rank %d sent %q to nonexistent rank %d", from, payload, to)
	}

	t.boxes[to].put(&Message{Source: from, Tag: tag, Payload: payload})

	if t.metrics != nil {
		t.metrics.delivered.Mark(1)
	}

	return nil
}

// Interrupt aborts every pending and future receive with ErrStopped.
// Used by the harness to tear the federation down.
func (t *Transport) Interrupt() {
	for _, box := range t.boxes {
		box.interrupt()
	}
}

// Mailbox buffers messages addressed to one rank. Receives may filter
// by source and tag; messages that do not match stay pending in their
// arrival order, which preserves per-sender FIFO delivery.
type Mailbox struct {
	rank int

	mu          sync.Mutex
	cond        *sync.Cond
	pending     *queue.Queue
	interrupted bool
}

func newMailbox(rank int) *Mailbox {
	m := &Mailbox{
		rank:    rank,
		pending: queue.New(),
	}
	m.cond = sync.NewCond(&m.mu)

	return m
}

func (m *Mailbox) put(msg *Message) {
	m.mu.Lock()
	m.pending.PushBack(msg)
	m.mu.Unlock()

	m.cond.Broadcast()
}

// Recv blocks until a message matching (source, tag) is available, or
// the transport is interrupted. Pass AnySource/AnyTag to match all.
func (m *Mailbox) Recv(source, tag int) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if msg := m.take(source, tag); msg != nil {
			return msg, nil
		}

		if m.interrupted {
			return nil, ErrStopped
		}

		m.cond.Wait()
	}
}

// take removes and returns the oldest matching message. It walks the
// whole queue so that the relative order of the remaining messages is
// untouched.
func (m *Mailbox) take(source, tag int) *Message {
	var found *Message

	for i, n := 0, m.pending.Len(); i < n; i++ {
		msg := m.pending.PopFront().(*Message)

		if found == nil &&
			(source == AnySource || msg.Source == source) &&
			(tag == AnyTag || msg.Tag == tag) {
			found = msg
			continue
		}

		m.pending.PushBack(msg)
	}

	return found
}

func (m *Mailbox) interrupt() {
	m.mu.Lock()
	m.interrupted = true
	m.mu.Unlock()

	m.cond.Broadcast()
}

// homeLibraryRank maps a book id onto the rank of the library that the
// federation's partition assigns it to, or -1 when the id falls outside
// the grid.
func homeLibraryRank(bookID, gridSide int) int {
	if bookID < 0 {
		return -1
	}

	lid := bookID / gridSide
	if lid >= gridSide*gridSide {
		return -1
	}

	return lid + 1
}
