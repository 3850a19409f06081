package folio

import (
	"sync/atomic"

	"github.com/perlin-network/folio/log"
	"github.com/perlin-network/folio/sys"
	"github.com/pkg/errors"
)

// Coordinator drives the federation through a scripted scenario. Every
// phase is strictly serial: the next command is only issued once the
// previous phase's terminal acknowledgement arrived.
type Coordinator struct {
	numLibs      int
	numBorrowers int

	librariesLeader int32
	borrowersLeader int32

	lastCheckOK int32

	transport *Transport
	mbox      *Mailbox
	metrics   *Metrics
}

func NewCoordinator(transport *Transport, numLibs, numBorrowers int, metrics *Metrics) *Coordinator {
	return &Coordinator{
		numLibs:      numLibs,
		numBorrowers: numBorrowers,

		transport: transport,
		mbox:      transport.Mailbox(sys.CoordinatorRank),
		metrics:   metrics,
	}
}

// LibrariesLeader returns the elected library leader rank, or 0. Safe
// to call from other goroutines.
func (c *Coordinator) LibrariesLeader() int {
	return int(atomic.LoadInt32(&c.librariesLeader))
}

// BorrowersLeader returns the elected borrower leader rank, or 0. Safe
// to call from other goroutines.
func (c *Coordinator) BorrowersLeader() int {
	return int(atomic.LoadInt32(&c.borrowersLeader))
}

// LastCheckBalanced reports whether the most recent loan-count check
// found the two totals equal.
func (c *Coordinator) LastCheckBalanced() bool {
	return atomic.LoadInt32(&c.lastCheckOK) == 1
}

func (c *Coordinator) borrowerRank(cid int) int {
	return cid + c.numLibs + 1
}

func (c *Coordinator) send(to, tag int, payload string) error {
	return c.transport.Send(sys.CoordinatorRank, to, tag, payload)
}

// Run executes the scenario. If the script never shut the federation
// down, a SHUTDOWN is issued at the end so the run always terminates.
func (c *Coordinator) Run(commands []Command) error {
	shutdown := false

	for _, cmd := range commands {
		if err := c.Execute(cmd); err != nil {
			return err
		}

		c.metrics.markPhase()

		if cmd.Kind == CmdShutdown {
			shutdown = true
		}
	}

	if !shutdown {
		if err := c.Execute(Command{Kind: CmdShutdown}); err != nil {
			return err
		}

		c.metrics.markPhase()
	}

	return nil
}

// Execute dispatches a single scenario command.
func (c *Coordinator) Execute(cmd Command) error {
	switch cmd.Kind {
	case CmdConnect:
		return c.connect(cmd.Args[0], cmd.Args[1])
	case CmdStartLeLibraries:
		return c.startLibraryElection()
	case CmdStartLeLoaners:
		return c.startBorrowerElection()
	case CmdTakeBook:
		return c.takeBook(cmd.Args[0], cmd.Args[1])
	case CmdDonateBook:
		return c.donateBook(cmd.Args[0], cmd.Args[1], cmd.Args[2])
	case CmdGetMostPopularBook:
		return c.mostPopularBook()
	case CmdCheckNumBooksLoaned:
		return c.checkLoans()
	case CmdShutdown:
		return c.shutdown()
	default:
		return errors.Wrapf(ErrProtocolViolation, "coordinator: unknown command kind %d", cmd.Kind)
	}
}

func (c *Coordinator) connect(cid1, cid2 int) error {
	rank1, rank2 := c.borrowerRank(cid1), c.borrowerRank(cid2)

	if err := c.send(rank1, sys.TagConnect, payload(OpConnect, rank2)); err != nil {
		return err
	}

	ack, err := c.mbox.Recv(rank1, sys.TagAck)
	if err != nil {
		return err
	}

	if _, err := expectOp(ack, OpAck, 0); err != nil {
		return err
	}

	logger := log.Coordinator("connect")
	logger.Info().Int("rank1", rank1).Int("rank2", rank2).Msg("Installed overlay edge.")

	return nil
}

func (c *Coordinator) startLibraryElection() error {
	for rank := 1; rank <= c.numLibs; rank++ {
		if err := c.send(rank, sys.TagStartLeLibraries, OpStartLeaderElection); err != nil {
			return err
		}
	}

	done, err := c.mbox.Recv(AnySource, sys.TagLeLibrariesDone)
	if err != nil {
		return err
	}

	if _, err := expectOp(done, OpLeLibrDone, 0); err != nil {
		return err
	}

	atomic.StoreInt32(&c.librariesLeader, int32(done.Source))

	logger := log.Coordinator("library_election")
	logger.Info().Int("leader", done.Source).Msg("Library leader elected.")

	return nil
}

func (c *Coordinator) startBorrowerElection() error {
	for rank := c.numLibs + 1; rank <= c.numLibs+c.numBorrowers; rank++ {
		if err := c.send(rank, sys.TagStartLeLoaners, OpStartLeLoaners); err != nil {
			return err
		}
	}

	done, err := c.mbox.Recv(AnySource, sys.TagLeLoanersDone)
	if err != nil {
		return err
	}

	if _, err := expectOp(done, OpLeLoanersDone, 0); err != nil {
		return err
	}

	atomic.StoreInt32(&c.borrowersLeader, int32(done.Source))

	logger := log.Coordinator("borrower_election")
	logger.Info().Int("leader", done.Source).Msg("Borrower leader elected.")

	return nil
}

func (c *Coordinator) takeBook(cid, bookID int) error {
	rank := c.borrowerRank(cid)

	if err := c.send(rank, sys.TagTakeBook, payload(OpTakeBook, bookID)); err != nil {
		return err
	}

	done, err := c.mbox.Recv(rank, sys.TagDoneFindBook)
	if err != nil {
		return err
	}

	_, err = expectOp(done, OpDoneFindBook, 0)

	return err
}

func (c *Coordinator) donateBook(cid, bookID, copies int) error {
	rank := c.borrowerRank(cid)

	if err := c.send(rank, sys.TagDonateBooks, payload(OpDonateBooks, bookID, copies)); err != nil {
		return err
	}

	done, err := c.mbox.Recv(rank, sys.TagDonateBooksDone)
	if err != nil {
		return err
	}

	_, err = expectOp(done, OpDonateBooksDone, 0)

	return err
}

func (c *Coordinator) mostPopularBook() error {
	leader := c.BorrowersLeader()
	if leader == sys.NilRank {
		return errors.Wrap(ErrProtocolViolation, "coordinator: popular-book query before the borrower election ran")
	}

	if err := c.send(leader, sys.TagGetMostPopularBook, OpGetMostPopularBook); err != nil {
		return err
	}

	done, err := c.mbox.Recv(leader, sys.TagGetMostPopularBook)
	if err != nil {
		return err
	}

	_, err = expectOp(done, OpGetMostPopularBookDone, 0)

	return err
}

func (c *Coordinator) checkLoans() error {
	libLeader, borLeader := c.LibrariesLeader(), c.BorrowersLeader()
	if libLeader == sys.NilRank || borLeader == sys.NilRank {
		return errors.Wrap(ErrProtocolViolation, "coordinator: loan-count check before both elections ran")
	}

	if err := c.send(libLeader, sys.TagCheckNumBooksLoaned, OpCheckNumBooksLoan); err != nil {
		return err
	}

	if err := c.send(borLeader, sys.TagCheckNumBooksLoaned, OpCheckNumBooksLoan); err != nil {
		return err
	}

	libTotal, err := c.recvLoanTotal(libLeader)
	if err != nil {
		return err
	}

	borTotal, err := c.recvLoanTotal(borLeader)
	if err != nil {
		return err
	}

	logger := log.Coordinator("check_loans")

	if libTotal == borTotal {
		atomic.StoreInt32(&c.lastCheckOK, 1)
		logger.Info().Int("total", libTotal).Msg("CheckNumBooksLoaned SUCCESS")
	} else {
		atomic.StoreInt32(&c.lastCheckOK, 0)
		logger.Error().Int("libraries", libTotal).Int("borrowers", borTotal).Msg("CheckNumBooksLoaned FAILED")
	}

	return nil
}

func (c *Coordinator) recvLoanTotal(leader int) (int, error) {
	done, err := c.mbox.Recv(leader, sys.TagCheckNumBooksLoaned)
	if err != nil {
		return 0, err
	}

	args, err := expectOp(done, OpCheckNumBooksLoanDone, 1)
	if err != nil {
		return 0, err
	}

	return args[0], nil
}

func (c *Coordinator) shutdown() error {
	logger := log.Coordinator("shutdown")
	logger.Info().Msg("Shutting the federation down.")

	for rank := 1; rank < c.transport.NumProcesses(); rank++ {
		if err := c.send(rank, sys.TagShutdown, OpShutdown); err != nil {
			return err
		}
	}

	return nil
}
