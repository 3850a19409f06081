package folio

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Payload opcodes. A payload is the opcode followed by zero or more
// space-separated ASCII decimal integers; the opcode must agree with
// the substrate tag the message is sent under.
const (
	OpAck                    = "ACK"
	OpConnect                = "CONNECT"
	OpNeighbor               = "NEIGHBOR"
	OpStartLeaderElection    = "START_LEADER_ELECTION"
	OpLeader                 = "LEADER"
	OpParent                 = "PARENT"
	OpAlready                = "ALREADY"
	OpLeLibrDone             = "LE_LIBR_DONE"
	OpStartLeLoaners         = "START_LE_LOANERS"
	OpElect                  = "ELECT"
	OpLeLoaners              = "LE_LOANERS"
	OpLeLoanersDone          = "LE_LOANERS_DONE"
	OpTakeBook               = "TAKE_BOOK"
	OpLendBook               = "LEND_BOOK"
	OpGetBook                = "GET_BOOK"
	OpFindBook               = "FIND_BOOK"
	OpFoundBook              = "FOUND_BOOK"
	OpBookRequest            = "BOOK_REQUEST"
	OpAckTakeBook            = "ACK_TB"
	OpDoneFindBook           = "DONE_FIND_BOOK"
	OpDonateBooks            = "DONATE_BOOKS"
	OpDonateBook             = "DONATE_BOOK"
	OpDonateBooksDone        = "DONATE_BOOKS_DONE"
	OpAckDonateBook          = "ACK_DB"
	OpGetMostPopularBook     = "GET_MOST_POPULAR_BOOK"
	OpGetMostPopularBookDone = "GET_MOST_POPULAR_BOOK_DONE"
	OpPopularBookInfo        = "GET_POPULAR_BK_INFO"
	OpAckBookInfo            = "ACK_BK_INFO"
	OpCheckNumBooksLoan      = "CHECK_NUM_BOOKS_LOAN"
	OpCheckNumBooksLoanDone  = "CHECK_NUM_BOOKS_LOAN_DONE"
	OpNumBooksLoaned         = "NUM_BOOKS_LOANED"
	OpAckNumBooksLoaned      = "ACK_NBL"
	OpShutdown               = "SHUTDOWN"
)

var (
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrProtocolViolation = errors.New("protocol violation")
)

// Message is one point-to-point datagram on the substrate.
type Message struct {
	Source  int
	Tag     int
	Payload string
}

// Op returns the payload's opcode and integer arguments.
func (m *Message) Op() (string, []int, error) {
	return parsePayload(m.Payload)
}

func payload(op string, args ...int) string {
	if len(args) == 0 {
		return op
	}

	var sb strings.Builder
	sb.WriteString(op)

	for _, arg := range args {
		sb.WriteByte(' ')
		sb.WriteString(strconv.Itoa(arg))
	}

	return sb.String()
}

func parsePayload(s string) (string, []int, error) {
	if len(s) == 0 {
		return "", nil, errors.Wrap(ErrMalformedPayload, "empty payload")
	}

	tokens := strings.Split(s, " ")

	args := make([]int, 0, len(tokens)-1)

	for _, token := range tokens[1:] {
		n, err := strconv.Atoi(token)
		if err != nil {
			return "", nil, errors.Wrapf(ErrMalformedPayload, "token %q is not an integer", token)
		}

		args = append(args, n)
	}

	return tokens[0], args, nil
}

// opArity lists the argument count every opcode must carry.
var opArity = map[string]int{
	OpAck:                    0,
	OpConnect:                1,
	OpNeighbor:               1,
	OpStartLeaderElection:    0,
	OpLeader:                 1,
	OpParent:                 1,
	OpAlready:                1,
	OpLeLibrDone:             0,
	OpStartLeLoaners:         0,
	OpElect:                  0,
	OpLeLoaners:              1,
	OpLeLoanersDone:          0,
	OpTakeBook:               1,
	OpLendBook:               1,
	OpGetBook:                1,
	OpFindBook:               1,
	OpFoundBook:              1,
	OpBookRequest:            2,
	OpAckTakeBook:            2,
	OpDoneFindBook:           0,
	OpDonateBooks:            2,
	OpDonateBook:             2,
	OpDonateBooksDone:        0,
	OpAckDonateBook:          0,
	OpGetMostPopularBook:     0,
	OpGetMostPopularBookDone: 0,
	OpPopularBookInfo:        4,
	OpAckBookInfo:            0,
	OpCheckNumBooksLoan:      0,
	OpCheckNumBooksLoanDone:  1,
	OpNumBooksLoaned:         1,
	OpAckNumBooksLoaned:      0,
	OpShutdown:               0,
}

// checkArity rejects a parsed message whose argument list is shorter
// than its opcode demands.
func checkArity(msg *Message, op string, args []int) error {
	want, known := opArity[op]
	if known && len(args) < want {
		return errors.Wrapf(ErrMalformedPayload, "%q from rank %d carries %d argument(s), want %d", op, msg.Source, len(args), want)
	}

	return nil
}

// expectOp parses a message and asserts its opcode and argument count.
func expectOp(msg *Message, op string, numArgs int) ([]int, error) {
	got, args, err := msg.Op()
	if err != nil {
		return nil, err
	}

	if got != op {
		return nil, errors.Wrapf(ErrProtocolViolation, "expected %q from rank %d but got %q", op, msg.Source, msg.Payload)
	}

	if len(args) < numArgs {
		return nil, errors.Wrapf(ErrMalformedPayload, "%q from rank %d carries %d argument(s), want %d", got, msg.Source, len(args), numArgs)
	}

	return args, nil
}
