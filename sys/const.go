package sys

// Process ranks. Rank 0 is always the coordinator; libraries occupy
// ranks [1, NumLibraries] and borrowers the ranks above them. NilRank
// doubles as the "no neighbor" / "no parent" sentinel because no
// protocol message is ever addressed to the coordinator slot by the
// overlay algorithms.
const (
	CoordinatorRank = 0
	NilRank         = 0
)

// Substrate message tags. The values are part of the wire contract and
// must not be reordered.
const (
	TagAck = iota
	TagConnect
	TagTakeBook
	TagDonateBooks
	TagGetMostPopularBook
	TagCheckNumBooksLoaned
	TagStartLeLibraries
	TagStartLeLoaners
	TagNeighbor
	TagClientElect
	TagClientLeaderSelected
	TagLeLoanersDone
	TagLeLibrariesDone
	TagLibLeader
	TagLibParent
	TagLibAlready
	TagFindBook
	TagBookRequest
	TagAckTakeBook
	TagDoneFindBook
	TagDonateBooksDone
	TagPopularBookInfo
	TagNumBooksLoaned
	TagShutdown
)

// Book cost bounds, in whole currency units. Every generated cost is
// drawn uniformly from [MinBookCost, MaxBookCost].
const (
	MinBookCost = 5
	MaxBookCost = 100
)
