package folio

import (
	"sync"
	"testing"

	"github.com/perlin-network/folio/sys"
	"github.com/stretchr/testify/assert"
)

func TestMailboxFIFOPerSender(t *testing.T) {
	t.Parallel()

	transport := NewTransport(3, nil)

	assert.NoError(t, transport.Send(1, 0, sys.TagAck, payload(OpNumBooksLoaned, 1)))
	assert.NoError(t, transport.Send(1, 0, sys.TagAck, payload(OpNumBooksLoaned, 2)))
	assert.NoError(t, transport.Send(2, 0, sys.TagAck, payload(OpNumBooksLoaned, 3)))

	box := transport.Mailbox(0)

	msg, err := box.Recv(1, AnyTag)
	assert.NoError(t, err)
	assert.Equal(t, payload(OpNumBooksLoaned, 1), msg.Payload)

	msg, err = box.Recv(AnySource, AnyTag)
	assert.NoError(t, err)
	assert.Equal(t, payload(OpNumBooksLoaned, 2), msg.Payload)

	msg, err = box.Recv(AnySource, AnyTag)
	assert.NoError(t, err)
	assert.Equal(t, payload(OpNumBooksLoaned, 3), msg.Payload)
}

func TestMailboxFocusedRecvSkipsOthers(t *testing.T) {
	t.Parallel()

	transport := NewTransport(4, nil)

	assert.NoError(t, transport.Send(1, 0, sys.TagNumBooksLoaned, payload(OpNumBooksLoaned, 7)))
	assert.NoError(t, transport.Send(2, 0, sys.TagAck, OpAck))

	box := transport.Mailbox(0)

	// The focused receive must pick the ACK and leave the report
	// pending in place.
	msg, err := box.Recv(2, sys.TagAck)
	assert.NoError(t, err)
	assert.Equal(t, OpAck, msg.Payload)

	msg, err = box.Recv(AnySource, AnyTag)
	assert.NoError(t, err)
	assert.Equal(t, 1, msg.Source)
	assert.Equal(t, sys.TagNumBooksLoaned, msg.Tag)
}

func TestMailboxBlocksUntilMatch(t *testing.T) {
	t.Parallel()

	transport := NewTransport(2, nil)
	box := transport.Mailbox(0)

	var wg sync.WaitGroup
	wg.Add(1)

	var got *Message

	go func() {
		defer wg.Done()
		got, _ = box.Recv(1, sys.TagDoneFindBook)
	}()

	assert.NoError(t, transport.Send(1, 0, sys.TagDoneFindBook, OpDoneFindBook))
	wg.Wait()

	assert.NotNil(t, got)
	assert.Equal(t, OpDoneFindBook, got.Payload)
}

func TestMailboxInterrupt(t *testing.T) {
	t.Parallel()

	transport := NewTransport(2, nil)
	box := transport.Mailbox(0)

	var wg sync.WaitGroup
	wg.Add(1)

	var err error

	go func() {
		defer wg.Done()
		_, err = box.Recv(AnySource, AnyTag)
	}()

	transport.Interrupt()
	wg.Wait()

	assert.Equal(t, ErrStopped, err)
}

func TestTransportRejectsBadRank(t *testing.T) {
	t.Parallel()

	transport := NewTransport(2, nil)

	assert.Error(t, transport.Send(0, 5, sys.TagAck, OpAck))
	assert.Error(t, transport.Send(0, -1, sys.TagAck, OpAck))
}
