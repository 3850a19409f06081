package folio

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CommandKind enumerates the scenario commands a coordinator executes.
type CommandKind int

const (
	CmdConnect CommandKind = iota
	CmdStartLeLibraries
	CmdStartLeLoaners
	CmdTakeBook
	CmdDonateBook
	CmdGetMostPopularBook
	CmdCheckNumBooksLoaned
	CmdShutdown
)

// Command is one parsed scenario line. Args holds, in order, the
// integer operands the command carries (logical ids, not ranks).
type Command struct {
	Kind CommandKind
	Args [3]int
}

var ErrInvalidScenario = errors.New("invalid scenario")

// scenarioArity maps command words to their operand counts.
var scenarioArity = map[string]struct {
	kind CommandKind
	args int
}{
	"CONNECT":                {CmdConnect, 2},
	"START_LE_LIBR":          {CmdStartLeLibraries, 0},
	"START_LE_LOANERS":       {CmdStartLeLoaners, 0},
	"TAKE_BOOK":              {CmdTakeBook, 2},
	"DONATE_BOOK":            {CmdDonateBook, 3},
	"GET_MOST_POPULAR_BOOK":  {CmdGetMostPopularBook, 0},
	"CHECK_NUM_BOOKS_LOANED": {CmdCheckNumBooksLoaned, 0},
	"SHUTDOWN":               {CmdShutdown, 0},
}

// ParseScenario reads one command per line and validates the script
// against the federation's size: borrower ids must be in range, and the
// CONNECT set must stay acyclic so the overlay the borrower election
// assumes really is a tree. Book ids are not range-checked here. A
// START_LE_LOANERS line additionally requires the edges installed so far
// to span all borrowers.
func ParseScenario(r io.Reader, numLibs, numBorrowers int) ([]Command, error) {
	var commands []Command

	forest := newForest(numBorrowers)
	edges := 0

	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		tokens := strings.Fields(line)

		entry, known := scenarioArity[tokens[0]]
		if !known {
			return nil, errors.Wrapf(ErrInvalidScenario, "line %d: unknown command %q", lineNo, tokens[0])
		}

		if len(tokens)-1 != entry.args {
			return nil, errors.Wrapf(ErrInvalidScenario, "line %d: %s takes %d operand(s), got %d", lineNo, tokens[0], entry.args, len(tokens)-1)
		}

		cmd := Command{Kind: entry.kind}

		for i, token := range tokens[1:] {
			n, err := strconv.Atoi(token)
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidScenario, "line %d: operand %q is not an integer", lineNo, token)
			}

			cmd.Args[i] = n
		}

		switch cmd.Kind {
		case CmdConnect:
			c1, c2 := cmd.Args[0], cmd.Args[1]

			if c1 < 0 || c1 >= numBorrowers || c2 < 0 || c2 >= numBorrowers {
				return nil, errors.Wrapf(ErrInvalidScenario, "line %d: borrower id out of range [0, %d)", lineNo, numBorrowers)
			}

			if c1 == c2 {
				return nil, errors.Wrapf(ErrInvalidScenario, "line %d: CONNECT %d %d is a self-edge", lineNo, c1, c2)
			}

			if forest.find(c1) == forest.find(c2) {
				return nil, errors.Wrapf(ErrInvalidScenario, "line %d: CONNECT %d %d closes a cycle in the borrower overlay", lineNo, c1, c2)
			}

			forest.union(c1, c2)
			edges++
		case CmdStartLeLoaners:
			if edges != numBorrowers-1 {
				return nil, errors.Wrapf(ErrInvalidScenario, "line %d: borrower election on a disconnected overlay (%d of %d edges installed)", lineNo, edges, numBorrowers-1)
			}
		case CmdTakeBook:
			if cmd.Args[0] < 0 || cmd.Args[0] >= numBorrowers {
				return nil, errors.Wrapf(ErrInvalidScenario, "line %d: borrower id out of range [0, %d)", lineNo, numBorrowers)
			}
		case CmdDonateBook:
			if cmd.Args[0] < 0 || cmd.Args[0] >= numBorrowers {
				return nil, errors.Wrapf(ErrInvalidScenario, "line %d: borrower id out of range [0, %d)", lineNo, numBorrowers)
			}

			if cmd.Args[2] < 1 {
				return nil, errors.Wrapf(ErrInvalidScenario, "line %d: donation of %d copies", lineNo, cmd.Args[2])
			}
		}

		commands = append(commands, cmd)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read scenario")
	}

	return commands, nil
}

// forest is a plain union-find over borrower ids, used to reject
// scenarios whose CONNECT set is not a tree.
type forest struct {
	parent []int
}

func newForest(n int) *forest {
	f := &forest{parent: make([]int, n)}

	for i := range f.parent {
		f.parent[i] = i
	}

	return f
}

func (f *forest) find(x int) int {
	for f.parent[x] != x {
		f.parent[x] = f.parent[f.parent[x]]
		x = f.parent[x]
	}

	return x
}

func (f *forest) union(x, y int) {
	f.parent[f.find(x)] = f.find(y)
}
