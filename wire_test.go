package folio

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		op   string
		args []int
	}{
		{OpAck, nil},
		{OpConnect, []int{6}},
		{OpLeader, []int{4}},
		{OpAckTakeBook, []int{-1, 0}},
		{OpPopularBookInfo, []int{12, 3, 47, 2}},
		{OpCheckNumBooksLoanDone, []int{1337}},
	}

	for _, c := range cases {
		encoded := payload(c.op, c.args...)

		op, args, err := parsePayload(encoded)
		assert.NoError(t, err)
		assert.Equal(t, c.op, op)

		if len(c.args) == 0 {
			assert.Empty(t, args)
		} else {
			assert.Equal(t, c.args, args)
		}
	}
}

func TestParsePayloadMalformed(t *testing.T) {
	t.Parallel()

	_, _, err := parsePayload("")
	assert.Equal(t, ErrMalformedPayload, errors.Cause(err))

	_, _, err = parsePayload("LEADER four")
	assert.Equal(t, ErrMalformedPayload, errors.Cause(err))
}

func TestExpectOp(t *testing.T) {
	t.Parallel()

	msg := &Message{Source: 3, Tag: 13, Payload: payload(OpLeader, 4)}

	args, err := expectOp(msg, OpLeader, 1)
	assert.NoError(t, err)
	assert.Equal(t, []int{4}, args)

	_, err = expectOp(msg, OpParent, 1)
	assert.Equal(t, ErrProtocolViolation, errors.Cause(err))

	_, err = expectOp(msg, OpLeader, 2)
	assert.Equal(t, ErrMalformedPayload, errors.Cause(err))
}

func TestCheckArity(t *testing.T) {
	t.Parallel()

	msg := &Message{Source: 5, Payload: OpConnect}

	op, args, err := msg.Op()
	assert.NoError(t, err)

	err = checkArity(msg, op, args)
	assert.Equal(t, ErrMalformedPayload, errors.Cause(err))
}

func TestHomeLibraryRank(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, homeLibraryRank(0, 2))
	assert.Equal(t, 1, homeLibraryRank(1, 2))
	assert.Equal(t, 3, homeLibraryRank(4, 2))
	assert.Equal(t, 4, homeLibraryRank(7, 2))

	assert.Equal(t, -1, homeLibraryRank(8, 2))
	assert.Equal(t, -1, homeLibraryRank(-3, 2))
}
