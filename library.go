package folio

import (
	"math/rand"

	"github.com/perlin-network/folio/log"
	"github.com/perlin-network/folio/sys"
	"github.com/pkg/errors"
)

// Neighbor slot order inside the fixed grid-adjacency array.
const (
	slotUp = iota
	slotDown
	slotLeft
	slotRight
	numSlots
)

// Library is one shelf of the federation: a process on the N-by-N grid
// holding an inventory partition and taking part in the DFS leader
// election, the lookup/transfer protocol, donations, and the loan-count
// pass. All state is owned by the single Run loop.
type Library struct {
	rank    int
	lid     int
	x, y    int
	side    int
	numLibs int

	neighbors  [numSlots]int
	unexplored [numSlots]int

	leaderRank int
	parentRank int
	children   []int

	inventory *Inventory

	transport *Transport
	mbox      *Mailbox
}

// NewLibrary builds the library for the given rank, wires it to the
// transport, and stocks its inventory partition using rng for costs.
func NewLibrary(transport *Transport, rank, numLibs, side int, rng *rand.Rand) *Library {
	lid := rank - 1

	l := &Library{
		rank:    rank,
		lid:     lid,
		x:       lid % side,
		y:       lid / side,
		side:    side,
		numLibs: numLibs,

		leaderRank: rank,
		parentRank: sys.NilRank,

		inventory: NewInventory(),

		transport: transport,
		mbox:      transport.Mailbox(rank),
	}

	l.setNeighbors()
	l.resetUnexplored()

	l.inventory.Stock(lid, side, rng)

	logger := log.Library(rank, "init")
	logger.Info().
		Int("x", l.x).
		Int("y", l.y).
		Int("first_book", lid*side).
		Int("last_book", (lid+1)*side-1).
		Int("copies", side).
		Msg("Stocked initial inventory partition.")

	return l
}

// setNeighbors fills the four adjacency slots with grid neighbor ranks,
// leaving sys.NilRank where the grid edge cuts a direction off.
func (l *Library) setNeighbors() {
	if l.y < l.side-1 {
		l.neighbors[slotUp] = (l.y+1)*l.side + l.x + 1
	}
	if l.y > 0 {
		l.neighbors[slotDown] = (l.y-1)*l.side + l.x + 1
	}
	if l.x > 0 {
		l.neighbors[slotLeft] = l.y*l.side + l.x
	}
	if l.x < l.side-1 {
		l.neighbors[slotRight] = l.y*l.side + l.x + 2
	}
}

func (l *Library) resetUnexplored() {
	l.unexplored = l.neighbors
}

// Leader returns the rank this library currently believes is the
// elected directory.
func (l *Library) Leader() int {
	return l.leaderRank
}

// Parent returns this library's parent on the election spanning tree.
func (l *Library) Parent() int {
	return l.parentRank
}

// Inventory exposes the stock for inspection once the process stopped.
func (l *Library) Inventory() *Inventory {
	return l.inventory
}

func (l *Library) send(to, tag int, payload string) error {
	return l.transport.Send(l.rank, to, tag, payload)
}

// Run is the library mainloop: block on one receive, handle the message
// to completion, repeat until SHUTDOWN.
func (l *Library) Run() error {
	for {
		msg, err := l.mbox.Recv(AnySource, AnyTag)
		if err != nil {
			return err
		}

		op, args, err := msg.Op()
		if err != nil {
			return errors.Wrapf(err, "library %d: from rank %d", l.rank, msg.Source)
		}

		if err := checkArity(msg, op, args); err != nil {
			return errors.Wrapf(err, "library %d", l.rank)
		}

		switch op {
		case OpStartLeaderElection:
			err = l.onStartElection()
		case OpLeader:
			err = l.onLeader(msg.Source, args[0])
		case OpAlready:
			err = l.onAlready(args[0])
		case OpParent:
			err = l.onParent(msg.Source, args[0])
		case OpLeLibrDone:
			err = l.onElectionDone(msg.Source)
		case OpLendBook:
			err = l.onLendBook(args[0], msg.Source)
		case OpFindBook:
			err = l.onFindBook(args[0], msg.Source)
		case OpBookRequest:
			err = l.onBookRequest(args[0], args[1], msg.Source)
		case OpDonateBook:
			err = l.onDonateBook(args[0], args[1], msg.Source)
		case OpCheckNumBooksLoan:
			err = l.onCheckLoans(msg.Source)
		case OpShutdown:
			logger := log.Library(l.rank, "shutdown")
			logger.Info().Msg("Shutting down.")
			return nil
		default:
			err = errors.Wrapf(ErrProtocolViolation, "library %d: unexpected %q from rank %d", l.rank, msg.Payload, msg.Source)
		}

		if err != nil {
			return err
		}
	}
}

/** DFS leader election on the grid overlay. **/

// onStartElection wakes the election up. A library that already joined
// someone else's DFS before its own wake-up call arrived ignores it.
func (l *Library) onStartElection() error {
	if l.parentRank != sys.NilRank {
		return nil
	}

	l.parentRank = l.rank

	return l.explore()
}

// explore advances the DFS: probe the next unexplored neighbor, or
// report to the parent, or - at the root with nothing left - win.
func (l *Library) explore() error {
	for slot, neighbor := range l.unexplored {
		if neighbor == sys.NilRank {
			continue
		}

		l.unexplored[slot] = sys.NilRank

		return l.send(neighbor, sys.TagLibLeader, payload(OpLeader, l.leaderRank))
	}

	if l.parentRank != l.rank {
		return l.send(l.parentRank, sys.TagLibParent, payload(OpParent, l.leaderRank))
	}

	return l.finishElection()
}

// onLeader handles a DFS probe carrying a candidate id.
func (l *Library) onLeader(sender, candidate int) error {
	switch {
	case candidate > l.leaderRank:
		// A stronger candidate reached us: switch trees.
		l.leaderRank = candidate
		l.parentRank = sender
		l.children = nil

		l.resetUnexplored()
		for slot, neighbor := range l.unexplored {
			if neighbor == sender {
				l.unexplored[slot] = sys.NilRank
			}
		}

		return l.explore()
	case candidate == l.leaderRank:
		return l.send(sender, sys.TagLibAlready, payload(OpAlready, l.leaderRank))
	default:
		// The DFS for the weaker candidate stalls here.
		return nil
	}
}

func (l *Library) onAlready(candidate int) error {
	if candidate != l.leaderRank {
		return nil
	}

	return l.explore()
}

func (l *Library) onParent(sender, candidate int) error {
	if candidate != l.leaderRank {
		return nil
	}

	l.children = append(l.children, sender)

	return l.explore()
}

// finishElection runs at the winner: push the completion notice down
// the spanning tree, wait for the acknowledgement wave, then report to
// the coordinator.
func (l *Library) finishElection() error {
	logger := log.Library(l.rank, "election_won")
	logger.Info().Ints("children", l.children).Msg("Won the library leader election.")

	if err := l.notifyChildrenDone(); err != nil {
		return err
	}

	return l.send(sys.CoordinatorRank, sys.TagLeLibrariesDone, OpLeLibrDone)
}

// onElectionDone propagates the completion notice at a non-winner.
func (l *Library) onElectionDone(sender int) error {
	if sender != l.parentRank {
		return errors.Wrapf(ErrProtocolViolation, "library %d: election done from rank %d, but parent is rank %d", l.rank, sender, l.parentRank)
	}

	if err := l.notifyChildrenDone(); err != nil {
		return err
	}

	return l.send(l.parentRank, sys.TagAck, OpAck)
}

func (l *Library) notifyChildrenDone() error {
	for _, child := range l.children {
		if err := l.send(child, sys.TagLeLibrariesDone, OpLeLibrDone); err != nil {
			return err
		}
	}

	for _, child := range l.children {
		msg, err := l.mbox.Recv(child, sys.TagAck)
		if err != nil {
			return err
		}

		if _, err := expectOp(msg, OpAck, 0); err != nil {
			return err
		}
	}

	return nil
}

/** Book lookup and inter-library transfer. **/

// onLendBook serves a borrower's loan request: hand out a local copy,
// or locate the holder through the leader directory and transfer.
func (l *Library) onLendBook(bookID, borrowerRank int) error {
	if rec := l.inventory.Lookup(bookID); rec != nil && rec.Available > 0 {
		rec.Available--
		rec.Loaned++

		logger := log.Library(l.rank, "lend")
		logger.Info().
			Int("book", bookID).
			Int("borrower", borrowerRank).
			Int("available", rec.Available).
			Int("loaned", rec.Loaned).
			Msg("Lent a local copy.")

		return l.send(borrowerRank, sys.TagTakeBook, payload(OpGetBook, rec.Cost))
	}

	holder, err := l.locateBook(bookID)
	if err != nil {
		return err
	}

	if holder == -1 || holder == l.rank {
		// The book's home is this shelf (or out of range) and there is
		// no copy to hand out: report the miss.
		logger := log.Library(l.rank, "lend")
		logger.Info().Int("book", bookID).Int("borrower", borrowerRank).Msg("Book is unavailable everywhere.")

		return l.send(borrowerRank, sys.TagTakeBook, payload(OpAckTakeBook, -1, 0))
	}

	if err := l.send(holder, sys.TagBookRequest, payload(OpBookRequest, bookID, borrowerRank)); err != nil {
		return err
	}

	reply, err := l.mbox.Recv(holder, sys.TagBookRequest)
	if err != nil {
		return err
	}

	if _, err := expectOp(reply, OpAckTakeBook, 2); err != nil {
		return err
	}

	// Forward the holder's verdict verbatim.
	return l.send(borrowerRank, sys.TagTakeBook, reply.Payload)
}

// locateBook resolves the home rank of a book id, asking the elected
// directory unless this library is the directory itself.
func (l *Library) locateBook(bookID int) (int, error) {
	if l.rank == l.leaderRank {
		return homeLibraryRank(bookID, l.side), nil
	}

	if err := l.send(l.leaderRank, sys.TagFindBook, payload(OpFindBook, bookID)); err != nil {
		return 0, err
	}

	reply, err := l.mbox.Recv(l.leaderRank, sys.TagFindBook)
	if err != nil {
		return 0, err
	}

	args, err := expectOp(reply, OpFoundBook, 1)
	if err != nil {
		return 0, err
	}

	return args[0], nil
}

// onFindBook answers a directory lookup at the leader.
func (l *Library) onFindBook(bookID, requester int) error {
	return l.send(requester, sys.TagFindBook, payload(OpFoundBook, homeLibraryRank(bookID, l.side)))
}

// onBookRequest serves a transfer initiated by another library on
// behalf of a borrower.
func (l *Library) onBookRequest(bookID, borrowerRank, requester int) error {
	rec := l.inventory.Lookup(bookID)
	if rec == nil || rec.Available == 0 {
		return l.send(requester, sys.TagBookRequest, payload(OpAckTakeBook, -1, 0))
	}

	rec.Available--
	rec.Loaned++

	logger := log.Library(l.rank, "transfer")
	logger.Info().
		Int("book", bookID).
		Int("borrower", borrowerRank).
		Int("requester", requester).
		Int("available", rec.Available).
		Msg("Transferred a copy to another library's borrower.")

	return l.send(requester, sys.TagBookRequest, payload(OpAckTakeBook, bookID, rec.Cost))
}

/** Donations. **/

func (l *Library) onDonateBook(bookID, cost, donor int) error {
	if rec := l.inventory.Lookup(bookID); rec != nil {
		rec.Donated++
		rec.Available++
	} else {
		l.inventory.Insert(&BookRecord{
			ID:        bookID,
			Cost:      cost,
			Available: 1,
			Donated:   1,
		})
	}

	return l.send(donor, sys.TagDonateBooksDone, OpAckDonateBook)
}

/** Loan-count aggregation over the grid. **/

// nextSnakeRank returns the successor on the serpentine walk: even rows
// run right, odd rows run left, exhausted rows step up. Returns
// sys.NilRank at the grid terminus.
func (l *Library) nextSnakeRank() int {
	if l.y%2 == 0 {
		if l.neighbors[slotRight] != sys.NilRank {
			return l.neighbors[slotRight]
		}
	} else {
		if l.neighbors[slotLeft] != sys.NilRank {
			return l.neighbors[slotLeft]
		}
	}

	return l.neighbors[slotUp]
}

// onCheckLoans runs the library side of the loan-count phase: the
// leader injects a serpentine token at rank 1 and collects one direct
// count from every other library; non-leaders forward the token and
// report their count.
func (l *Library) onCheckLoans(sender int) error {
	if l.rank == l.leaderRank {
		return l.collectLoanCounts()
	}

	if next := l.nextSnakeRank(); next != sys.NilRank {
		if err := l.send(next, sys.TagCheckNumBooksLoaned, OpCheckNumBooksLoan); err != nil {
			return err
		}
	}

	total := l.inventory.TotalLoaned()

	if err := l.send(l.leaderRank, sys.TagNumBooksLoaned, payload(OpNumBooksLoaned, total)); err != nil {
		return err
	}

	ack, err := l.mbox.Recv(l.leaderRank, sys.TagAck)
	if err != nil {
		return err
	}

	_, err = expectOp(ack, OpAckNumBooksLoaned, 0)

	return err
}

func (l *Library) collectLoanCounts() error {
	if l.numLibs > 1 {
		if l.rank == 1 {
			if err := l.send(l.nextSnakeRank(), sys.TagCheckNumBooksLoaned, OpCheckNumBooksLoan); err != nil {
				return err
			}
		} else {
			if err := l.send(1, sys.TagCheckNumBooksLoaned, OpCheckNumBooksLoan); err != nil {
				return err
			}

			// Wait for the token to snake its way here, then keep it
			// moving unless this cell is the terminus.
			token, err := l.mbox.Recv(AnySource, sys.TagCheckNumBooksLoaned)
			if err != nil {
				return err
			}

			if _, err := expectOp(token, OpCheckNumBooksLoan, 0); err != nil {
				return err
			}

			if next := l.nextSnakeRank(); next != sys.NilRank {
				if err := l.send(next, sys.TagCheckNumBooksLoaned, OpCheckNumBooksLoan); err != nil {
					return err
				}
			}
		}
	}

	total := l.inventory.TotalLoaned()

	for rank := 1; rank <= l.numLibs; rank++ {
		if rank == l.rank {
			continue
		}

		report, err := l.mbox.Recv(rank, sys.TagNumBooksLoaned)
		if err != nil {
			return err
		}

		args, err := expectOp(report, OpNumBooksLoaned, 1)
		if err != nil {
			return err
		}

		total += args[0]

		if err := l.send(rank, sys.TagAck, OpAckNumBooksLoaned); err != nil {
			return err
		}
	}

	logger := log.Library(l.rank, "check_loans")
	logger.Info().Int("total", total).Msg("Aggregated federation loan count.")

	return l.send(sys.CoordinatorRank, sys.TagCheckNumBooksLoaned, payload(OpCheckNumBooksLoanDone, total))
}
