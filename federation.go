package folio

import (
	"math"
	"math/rand"

	"github.com/heptio/workgroup"
	"github.com/pkg/errors"
)

// Config sizes a federation. NumLibraries must be a perfect square;
// the grid side is its root.
type Config struct {
	NumLibraries int
	NumBorrowers int
	Seed         int64
}

var ErrConfig = errors.New("invalid configuration")

func (c Config) gridSide() int {
	return int(math.Sqrt(float64(c.NumLibraries)))
}

func (c Config) Validate() error {
	side := c.gridSide()
	if c.NumLibraries < 1 || side*side != c.NumLibraries {
		return errors.Wrapf(ErrConfig, "%d libraries do not form a square grid", c.NumLibraries)
	}

	if c.NumBorrowers < 2 {
		return errors.Wrapf(ErrConfig, "%d borrower(s); the overlay election needs at least 2", c.NumBorrowers)
	}

	return nil
}

// Federation owns one complete process set: the coordinator, the
// library grid, and the borrower overlay, all wired onto a shared
// transport. Run drives them as one workgroup.
type Federation struct {
	config Config

	transport   *Transport
	coordinator *Coordinator
	libraries   []*Library
	borrowers   []*Borrower

	metrics *Metrics
}

func NewFederation(config Config) (*Federation, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	side := config.gridSide()
	numProcesses := 1 + config.NumLibraries + config.NumBorrowers

	metrics := NewMetrics()
	transport := NewTransport(numProcesses, metrics)

	f := &Federation{
		config:    config,
		transport: transport,
		metrics:   metrics,
	}

	f.coordinator = NewCoordinator(transport, config.NumLibraries, config.NumBorrowers, metrics)

	for rank := 1; rank <= config.NumLibraries; rank++ {
		rng := rand.New(rand.NewSource(config.Seed + int64(rank)))
		f.libraries = append(f.libraries, NewLibrary(transport, rank, config.NumLibraries, side, rng))
	}

	for rank := config.NumLibraries + 1; rank < numProcesses; rank++ {
		rng := rand.New(rand.NewSource(config.Seed + int64(rank)))
		f.borrowers = append(f.borrowers, NewBorrower(transport, rank, config.NumLibraries, config.NumBorrowers, side, rng))
	}

	return f, nil
}

func (f *Federation) Coordinator() *Coordinator {
	return f.coordinator
}

// Library returns the library with the given logical id. Inspect only
// after Run returned.
func (f *Federation) Library(lid int) *Library {
	return f.libraries[lid]
}

// Borrower returns the borrower with the given logical id. Inspect
// only after Run returned.
func (f *Federation) Borrower(cid int) *Borrower {
	return f.borrowers[cid]
}

func (f *Federation) Metrics() *Metrics {
	return f.metrics
}

// Status is a race-free snapshot served by the api package.
type Status struct {
	NumLibraries int `json:"num_libraries"`
	NumBorrowers int `json:"num_borrowers"`
	GridSide     int `json:"grid_side"`

	LibrariesLeader int `json:"libraries_leader"`
	BorrowersLeader int `json:"borrowers_leader"`

	MessagesDelivered int64 `json:"messages_delivered"`
	PhasesCompleted   int64 `json:"phases_completed"`
}

func (f *Federation) Status() Status {
	return Status{
		NumLibraries: f.config.NumLibraries,
		NumBorrowers: f.config.NumBorrowers,
		GridSide:     f.config.gridSide(),

		LibrariesLeader: f.coordinator.LibrariesLeader(),
		BorrowersLeader: f.coordinator.BorrowersLeader(),

		MessagesDelivered: f.metrics.Delivered(),
		PhasesCompleted:   f.metrics.Phases(),
	}
}

// Run executes the scenario to completion. The first process to return
// stops the group; a teardown stop surfacing as ErrStopped in another
// process is not a failure.
func (f *Federation) Run(commands []Command) error {
	var g workgroup.Group

	g.Add(f.worker(func() error {
		return f.coordinator.Run(commands)
	}))

	for _, library := range f.libraries {
		g.Add(f.worker(library.Run))
	}

	for _, borrower := range f.borrowers {
		g.Add(f.worker(borrower.Run))
	}

	return g.Run()
}

// worker adapts a process loop to the workgroup contract: when the
// group stops, the transport is interrupted so every blocked receive
// unwinds.
func (f *Federation) worker(run func() error) func(<-chan struct{}) error {
	return func(stop <-chan struct{}) error {
		done := make(chan struct{})
		defer close(done)

		go func() {
			select {
			case <-stop:
				f.transport.Interrupt()
			case <-done:
			}
		}()

		err := run()
		if errors.Cause(err) == ErrStopped {
			return nil
		}

		return err
	}
}
