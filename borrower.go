package folio

import (
	"math/rand"

	"github.com/perlin-network/folio/log"
	"github.com/perlin-network/folio/sys"
	"github.com/pkg/errors"
)

// Borrower is one client of the federation: a process on the tree
// overlay that loans books through its home libraries, relays donations
// to the elected borrower leader, and takes part in the echo election
// and the two aggregation passes. All state is owned by the single Run
// loop.
type Borrower struct {
	rank int
	cid  int

	numLibs      int
	numBorrowers int
	side         int

	neighbors []int

	electing    bool
	voters      []int
	votes       int
	sentElectTo int
	leaderRank  int

	history LoanHistory

	transport *Transport
	mbox      *Mailbox
	rng       *rand.Rand
}

// NewBorrower builds the borrower for the given rank and wires it to
// the transport. rng prices donated batches when this borrower ends up
// leading the overlay.
func NewBorrower(transport *Transport, rank, numLibs, numBorrowers, side int, rng *rand.Rand) *Borrower {
	return &Borrower{
		rank: rank,
		cid:  rank - 1 - numLibs,

		numLibs:      numLibs,
		numBorrowers: numBorrowers,
		side:         side,

		transport: transport,
		mbox:      transport.Mailbox(rank),
		rng:       rng,
	}
}

// Leader returns the rank this borrower currently believes leads the
// overlay, or sys.NilRank before the election ran.
func (b *Borrower) Leader() int {
	return b.leaderRank
}

// Neighbors exposes the overlay adjacency for inspection once the
// process stopped.
func (b *Borrower) Neighbors() []int {
	return b.neighbors
}

// History exposes the loan log for inspection once the process stopped.
func (b *Borrower) History() *LoanHistory {
	return &b.history
}

func (b *Borrower) hasNeighbor(rank int) bool {
	for _, neighbor := range b.neighbors {
		if neighbor == rank {
			return true
		}
	}

	return false
}

func (b *Borrower) send(to, tag int, payload string) error {
	return b.transport.Send(b.rank, to, tag, payload)
}

// Run is the borrower mainloop: block on one receive, handle the
// message to completion, repeat until SHUTDOWN.
func (b *Borrower) Run() error {
	for {
		msg, err := b.mbox.Recv(AnySource, AnyTag)
		if err != nil {
			return err
		}

		op, args, err := msg.Op()
		if err != nil {
			return errors.Wrapf(err, "borrower %d: from rank %d", b.rank, msg.Source)
		}

		if err := checkArity(msg, op, args); err != nil {
			return errors.Wrapf(err, "borrower %d", b.rank)
		}

		switch op {
		case OpConnect:
			err = b.onConnect(args[0])
		case OpNeighbor:
			err = b.onNeighbor(args[0])
		case OpStartLeLoaners:
			err = b.onStartElection()
		case OpElect:
			err = b.onElect(msg.Source)
		case OpLeLoaners:
			err = b.onLeaderSelected(args[0], msg.Source)
		case OpTakeBook:
			err = b.onTakeBook(args[0])
		case OpDonateBooks:
			err = b.onDonateBooks(args[0], args[1])
		case OpDonateBook:
			err = b.onDonateRelayed(args[0], args[1], msg.Source)
		case OpGetMostPopularBook:
			err = b.onMostPopularBook(msg.Source)
		case OpCheckNumBooksLoan:
			err = b.onCheckLoans(msg.Source)
		case OpShutdown:
			logger := log.Borrower(b.rank, "shutdown")
			logger.Info().Msg("Shutting down.")
			return nil
		default:
			err = errors.Wrapf(ErrProtocolViolation, "borrower %d: unexpected %q from rank %d", b.rank, msg.Payload, msg.Source)
		}

		if err != nil {
			return err
		}
	}
}

/** Overlay construction. **/

// onConnect installs an edge on the coordinator's behalf. A duplicate
// request is acknowledged without reinstalling.
func (b *Borrower) onConnect(peer int) error {
	if b.hasNeighbor(peer) {
		logger := log.Borrower(b.rank, "connect")
		logger.Info().Int("peer", peer).Msg("Already connected.")

		return b.send(sys.CoordinatorRank, sys.TagAck, OpAck)
	}

	b.neighbors = append(b.neighbors, peer)

	if err := b.send(peer, sys.TagNeighbor, payload(OpNeighbor, b.rank)); err != nil {
		return err
	}

	ack, err := b.mbox.Recv(peer, sys.TagAck)
	if err != nil {
		return err
	}

	if _, err := expectOp(ack, OpAck, 0); err != nil {
		return err
	}

	return b.send(sys.CoordinatorRank, sys.TagAck, OpAck)
}

// onNeighbor installs the reciprocal side of an edge.
func (b *Borrower) onNeighbor(peer int) error {
	if !b.hasNeighbor(peer) {
		b.neighbors = append(b.neighbors, peer)
	}

	return b.send(peer, sys.TagAck, OpAck)
}

/** Echo leader election on the tree overlay. **/

// onStartElection lets every leaf fire the first ELECT; interior nodes
// wait for the wave to reach them. A leaf whose neighbor's ELECT beat
// the wake-up call resolves the two-way edge right here.
func (b *Borrower) onStartElection() error {
	b.electing = true

	if len(b.neighbors) != 1 {
		return nil
	}

	b.sentElectTo = b.neighbors[0]

	if err := b.send(b.neighbors[0], sys.TagClientElect, OpElect); err != nil {
		return err
	}

	if b.votes == 1 {
		return b.resolveElection(b.voters[0])
	}

	return nil
}

// onElect absorbs a vote. A node forwards ELECT once all neighbors but
// one have voted; a node that hears from every neighbor resolves the
// election, breaking the two-way-edge tie by rank.
func (b *Borrower) onElect(voter int) error {
	b.votes++
	b.voters = append(b.voters, voter)

	switch {
	case b.votes == len(b.neighbors):
		if !b.electing && b.sentElectTo == sys.NilRank {
			// A leaf whose wake-up call has not arrived yet: its own
			// ELECT is still owed, so resolution waits for it.
			return nil
		}

		return b.resolveElection(voter)
	case b.votes == len(b.neighbors)-1:
		remaining := b.unvotedNeighbor()
		if remaining == sys.NilRank {
			return errors.Wrapf(ErrProtocolViolation, "borrower %d: no unvoted neighbor left to forward ELECT to", b.rank)
		}

		b.sentElectTo = remaining

		return b.send(remaining, sys.TagClientElect, OpElect)
	default:
		return nil
	}
}

// resolveElection decides the winner once this node holds a vote from
// every neighbor: the two-way ELECT across one edge is broken by rank,
// and a node that never forwarded wins outright.
func (b *Borrower) resolveElection(lastVoter int) error {
	if b.sentElectTo != sys.NilRank && lastVoter > b.rank {
		b.leaderRank = lastVoter
		return nil
	}

	b.leaderRank = b.rank

	return b.announceLeader()
}

func (b *Borrower) unvotedNeighbor() int {
	for _, neighbor := range b.neighbors {
		voted := false

		for _, voter := range b.voters {
			if voter == neighbor {
				voted = true
				break
			}
		}

		if !voted {
			return neighbor
		}
	}

	return sys.NilRank
}

// announceLeader floods the result over the tree with a full
// acknowledgement wave, then reports completion to the coordinator.
func (b *Borrower) announceLeader() error {
	logger := log.Borrower(b.rank, "election_won")
	logger.Info().Int("cid", b.cid).Msg("Won the borrower leader election.")

	for _, neighbor := range b.neighbors {
		if err := b.send(neighbor, sys.TagClientLeaderSelected, payload(OpLeLoaners, b.leaderRank)); err != nil {
			return err
		}
	}

	for _, neighbor := range b.neighbors {
		ack, err := b.mbox.Recv(neighbor, sys.TagAck)
		if err != nil {
			return err
		}

		if _, err := expectOp(ack, OpAck, 0); err != nil {
			return err
		}
	}

	return b.send(sys.CoordinatorRank, sys.TagLeLoanersDone, OpLeLoanersDone)
}

// onLeaderSelected records the announced leader and relays the
// announcement away from the sender, acknowledging upward only after
// the whole subtree acknowledged.
func (b *Borrower) onLeaderSelected(leader, sender int) error {
	b.leaderRank = leader

	for _, neighbor := range b.neighbors {
		if neighbor == sender {
			continue
		}

		if err := b.send(neighbor, sys.TagClientLeaderSelected, payload(OpLeLoaners, leader)); err != nil {
			return err
		}
	}

	for _, neighbor := range b.neighbors {
		if neighbor == sender {
			continue
		}

		ack, err := b.mbox.Recv(neighbor, sys.TagAck)
		if err != nil {
			return err
		}

		if _, err := expectOp(ack, OpAck, 0); err != nil {
			return err
		}
	}

	return b.send(sender, sys.TagAck, OpAck)
}

/** Loans. **/

// onTakeBook routes a loan request to the book's home library and
// records the outcome.
func (b *Borrower) onTakeBook(bookID int) error {
	home := homeLibraryRank(bookID, b.side)
	if home == -1 {
		logger := log.Borrower(b.rank, "take_book")
		logger.Warn().Int("book", bookID).Msg("Book id falls outside the federation's partition.")

		return b.send(sys.CoordinatorRank, sys.TagDoneFindBook, OpDoneFindBook)
	}

	if err := b.send(home, sys.TagTakeBook, payload(OpLendBook, bookID)); err != nil {
		return err
	}

	reply, err := b.mbox.Recv(home, sys.TagTakeBook)
	if err != nil {
		return err
	}

	op, args, err := reply.Op()
	if err != nil {
		return err
	}

	if err := checkArity(reply, op, args); err != nil {
		return err
	}

	logger := log.Borrower(b.rank, "take_book")

	switch op {
	case OpGetBook:
		b.history.Record(bookID, args[0])
		logger.Info().Int("book", bookID).Int("cost", args[0]).Msg("Loaned from the home library.")
	case OpAckTakeBook:
		if args[0] == -1 {
			logger.Info().Int("book", bookID).Msg("Book is unavailable everywhere.")
		} else {
			b.history.Record(args[0], args[1])
			logger.Info().Int("book", args[0]).Int("cost", args[1]).Msg("Loaned through an inter-library transfer.")
		}
	default:
		return errors.Wrapf(ErrProtocolViolation, "borrower %d: unexpected loan reply %q from rank %d", b.rank, reply.Payload, reply.Source)
	}

	return b.send(sys.CoordinatorRank, sys.TagDoneFindBook, OpDoneFindBook)
}

/** Donations. **/

// onDonateBooks handles the coordinator's donation directive: the
// leader distributes in place, everyone else relays to the leader and
// forwards its completion to the coordinator.
func (b *Borrower) onDonateBooks(bookID, copies int) error {
	if b.leaderRank == sys.NilRank {
		return errors.Wrapf(ErrProtocolViolation, "borrower %d: donation requested before a leader was elected", b.rank)
	}

	if b.rank == b.leaderRank {
		return b.distributeDonation(bookID, copies, sys.CoordinatorRank)
	}

	if err := b.send(b.leaderRank, sys.TagDonateBooks, payload(OpDonateBook, bookID, copies)); err != nil {
		return err
	}

	done, err := b.mbox.Recv(b.leaderRank, sys.TagDonateBooksDone)
	if err != nil {
		return err
	}

	if _, err := expectOp(done, OpDonateBooksDone, 0); err != nil {
		return err
	}

	return b.send(sys.CoordinatorRank, sys.TagDonateBooksDone, OpDonateBooksDone)
}

// onDonateRelayed handles a donation relayed by a peer; only the leader
// may receive one.
func (b *Borrower) onDonateRelayed(bookID, copies, initiator int) error {
	if b.rank != b.leaderRank {
		return errors.Wrapf(ErrProtocolViolation, "borrower %d: relayed donation received but rank %d is the leader", b.rank, b.leaderRank)
	}

	return b.distributeDonation(bookID, copies, initiator)
}

// distributeDonation prices the batch once and hands the copies to
// libraries round-robin from rank 1, acknowledging replyTo at the end.
func (b *Borrower) distributeDonation(bookID, copies, replyTo int) error {
	cost := randomCost(b.rng)

	logger := log.Borrower(b.rank, "donate")
	logger.Info().
		Int("book", bookID).
		Int("copies", copies).
		Int("cost", cost).
		Msg("Distributing a donated batch round-robin.")

	next := 1

	for i := 0; i < copies; i++ {
		if err := b.send(next, sys.TagDonateBooks, payload(OpDonateBook, bookID, cost)); err != nil {
			return err
		}

		ack, err := b.mbox.Recv(next, sys.TagDonateBooksDone)
		if err != nil {
			return err
		}

		if _, err := expectOp(ack, OpAckDonateBook, 0); err != nil {
			return err
		}

		next = next%b.numLibs + 1
	}

	return b.send(replyTo, sys.TagDonateBooksDone, OpDonateBooksDone)
}

/** Popular-book aggregation. **/

// onMostPopularBook floods the request over the tree, then either
// reports this node's local pick straight to the leader or, at the
// leader, aggregates everybody's pick per library.
func (b *Borrower) onMostPopularBook(sender int) error {
	for _, neighbor := range b.neighbors {
		if neighbor == sender {
			continue
		}

		if err := b.send(neighbor, sys.TagGetMostPopularBook, OpGetMostPopularBook); err != nil {
			return err
		}
	}

	bookID, loans, cost, lid := -1, -1, -1, -1

	if best := b.history.MostLoaned(); best != nil {
		bookID = best.ID
		loans = best.Loans
		cost = best.Cost
		lid = best.ID / b.side
	}

	if b.rank != b.leaderRank {
		if err := b.send(b.leaderRank, sys.TagPopularBookInfo, payload(OpPopularBookInfo, bookID, loans, cost, lid)); err != nil {
			return err
		}

		ack, err := b.mbox.Recv(b.leaderRank, sys.TagAck)
		if err != nil {
			return err
		}

		_, err = expectOp(ack, OpAckBookInfo, 0)

		return err
	}

	return b.aggregatePopularBooks(bookID, loans, cost, lid)
}

// aggregatePopularBooks keeps, per library, the reported book with the
// most loans (ties broken by higher cost), over exactly M-1 reports.
func (b *Borrower) aggregatePopularBooks(ownBook, ownLoans, ownCost, ownLid int) error {
	best := make([]LoanRecord, b.numLibs)
	for i := range best {
		best[i] = LoanRecord{ID: -1, Cost: -1, Loans: -1}
	}

	if ownLid != -1 {
		best[ownLid] = LoanRecord{ID: ownBook, Cost: ownCost, Loans: ownLoans}
	}

	for i := 0; i < b.numBorrowers-1; i++ {
		report, err := b.mbox.Recv(AnySource, sys.TagPopularBookInfo)
		if err != nil {
			return err
		}

		args, err := expectOp(report, OpPopularBookInfo, 4)
		if err != nil {
			return err
		}

		bookID, loans, cost, lid := args[0], args[1], args[2], args[3]

		if lid != -1 && (best[lid].Loans < loans || (best[lid].Loans == loans && best[lid].Cost < cost)) {
			best[lid] = LoanRecord{ID: bookID, Cost: cost, Loans: loans}
		}

		if err := b.send(report.Source, sys.TagAck, OpAckBookInfo); err != nil {
			return err
		}
	}

	logger := log.Borrower(b.rank, "popular_books")
	for lid, rec := range best {
		logger.Info().
			Int("lid", lid).
			Int("book", rec.ID).
			Int("loans", rec.Loans).
			Msg("Most popular book for library.")
	}

	return b.send(sys.CoordinatorRank, sys.TagGetMostPopularBook, OpGetMostPopularBookDone)
}

/** Loan-count aggregation over the tree. **/

// onCheckLoans floods the request down the tree and converges the loan
// totals back up, hop by hop.
func (b *Borrower) onCheckLoans(sender int) error {
	for _, neighbor := range b.neighbors {
		if neighbor == sender {
			continue
		}

		if err := b.send(neighbor, sys.TagCheckNumBooksLoaned, OpCheckNumBooksLoan); err != nil {
			return err
		}
	}

	total := b.history.Total()

	for _, neighbor := range b.neighbors {
		if neighbor == sender {
			continue
		}

		report, err := b.mbox.Recv(neighbor, sys.TagCheckNumBooksLoaned)
		if err != nil {
			return err
		}

		args, err := expectOp(report, OpNumBooksLoaned, 1)
		if err != nil {
			return err
		}

		total += args[0]

		if err := b.send(neighbor, sys.TagAck, OpAckNumBooksLoaned); err != nil {
			return err
		}
	}

	if b.rank == b.leaderRank {
		logger := log.Borrower(b.rank, "check_loans")
		logger.Info().Int("total", total).Msg("Aggregated borrower loan count.")

		return b.send(sys.CoordinatorRank, sys.TagCheckNumBooksLoaned, payload(OpCheckNumBooksLoanDone, total))
	}

	if err := b.send(sender, sys.TagCheckNumBooksLoaned, payload(OpNumBooksLoaned, total)); err != nil {
		return err
	}

	ack, err := b.mbox.Recv(sender, sys.TagAck)
	if err != nil {
		return err
	}

	_, err = expectOp(ack, OpAckNumBooksLoaned, 0)

	return err
}
