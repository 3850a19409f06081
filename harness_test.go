package folio

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/perlin-network/folio/sys"
	"github.com/stretchr/testify/require"
)

func testRand(seed int) *rand.Rand {
	return rand.New(rand.NewSource(int64(seed)))
}

// procGroup runs process loops on goroutines and collects their exits,
// so a test can drive the protocol from the coordinator's mailbox.
type procGroup struct {
	wg sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

func (g *procGroup) spawn(run func() error) {
	g.wg.Add(1)

	go func() {
		defer g.wg.Done()

		if err := run(); err != nil {
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}
	}()
}

func (g *procGroup) wait(t *testing.T) {
	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, err := range g.errs {
		require.NoError(t, err)
	}
}

// startLibraries spawns a full grid of libraries on the transport.
func startLibraries(g *procGroup, transport *Transport, numLibs, side int) []*Library {
	libraries := make([]*Library, numLibs)

	for rank := 1; rank <= numLibs; rank++ {
		libraries[rank-1] = NewLibrary(transport, rank, numLibs, side, testRand(rank))
		g.spawn(libraries[rank-1].Run)
	}

	return libraries
}

// electLibraries drives the library election from the coordinator's
// mailbox and returns the winner's rank.
func electLibraries(t *testing.T, transport *Transport, numLibs int) int {
	for rank := 1; rank <= numLibs; rank++ {
		require.NoError(t, transport.Send(sys.CoordinatorRank, rank, sys.TagStartLeLibraries, OpStartLeaderElection))
	}

	done, err := transport.Mailbox(sys.CoordinatorRank).Recv(AnySource, sys.TagLeLibrariesDone)
	require.NoError(t, err)

	_, err = expectOp(done, OpLeLibrDone, 0)
	require.NoError(t, err)

	return done.Source
}

// shutdownRanks broadcasts SHUTDOWN to the given ranks.
func shutdownRanks(t *testing.T, transport *Transport, ranks ...int) {
	for _, rank := range ranks {
		require.NoError(t, transport.Send(sys.CoordinatorRank, rank, sys.TagShutdown, OpShutdown))
	}
}
