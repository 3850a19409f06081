package folio

import (
	"math/rand"

	"github.com/google/btree"
	"github.com/perlin-network/folio/sys"
)

// BookRecord is one title held by a library. Available never drops
// below zero; Loaned and Donated only grow.
type BookRecord struct {
	ID   int
	Cost int

	Available int
	Loaned    int
	Donated   int
}

func (b *BookRecord) Less(than btree.Item) bool {
	return b.ID < than.(*BookRecord).ID
}

// Inventory is a library's stock, indexed by book id.
type Inventory struct {
	tree *btree.BTree
}

func NewInventory() *Inventory {
	return &Inventory{tree: btree.New(2)}
}

// Stock populates the inventory with the initial partition: gridSide
// copies of each of the titles [lid*gridSide, (lid+1)*gridSide), each
// priced by the given source.
func (inv *Inventory) Stock(lid, gridSide int, rng *rand.Rand) {
	for id := lid * gridSide; id < (lid+1)*gridSide; id++ {
		inv.Insert(&BookRecord{
			ID:        id,
			Cost:      randomCost(rng),
			Available: gridSide,
		})
	}
}

func (inv *Inventory) Insert(rec *BookRecord) {
	inv.tree.ReplaceOrInsert(rec)
}

// Lookup returns the record for a book id, or nil.
func (inv *Inventory) Lookup(id int) *BookRecord {
	item := inv.tree.Get(&BookRecord{ID: id})
	if item == nil {
		return nil
	}

	return item.(*BookRecord)
}

func (inv *Inventory) Len() int {
	return inv.tree.Len()
}

// Ascend visits every record in book-id order until fn returns false.
func (inv *Inventory) Ascend(fn func(*BookRecord) bool) {
	inv.tree.Ascend(func(item btree.Item) bool {
		return fn(item.(*BookRecord))
	})
}

// TotalLoaned sums the loan counters over all titles.
func (inv *Inventory) TotalLoaned() int {
	var total int

	inv.Ascend(func(rec *BookRecord) bool {
		total += rec.Loaned
		return true
	})

	return total
}

// LoanRecord is one title in a borrower's history.
type LoanRecord struct {
	ID    int
	Cost  int
	Loans int
}

// LoanHistory is a borrower's append-ordered loan log. A first loan of
// a title appends a record; later loans of the same title bump its
// counter in place.
type LoanHistory struct {
	records []*LoanRecord
}

func (h *LoanHistory) Record(id, cost int) {
	for _, rec := range h.records {
		if rec.ID == id {
			rec.Loans++
			return
		}
	}

	h.records = append(h.records, &LoanRecord{ID: id, Cost: cost, Loans: 1})
}

func (h *LoanHistory) Len() int {
	return len(h.records)
}

// Lookup returns the record for a book id, or nil.
func (h *LoanHistory) Lookup(id int) *LoanRecord {
	for _, rec := range h.records {
		if rec.ID == id {
			return rec
		}
	}

	return nil
}

// Total sums the loan counters over the whole history.
func (h *LoanHistory) Total() int {
	var total int

	for _, rec := range h.records {
		total += rec.Loans
	}

	return total
}

// MostLoaned returns the record with the highest loan counter, breaking
// ties in favor of the earliest entry. Returns nil on an empty history.
func (h *LoanHistory) MostLoaned() *LoanRecord {
	var best *LoanRecord

	for _, rec := range h.records {
		if best == nil || rec.Loans > best.Loans {
			best = rec
		}
	}

	return best
}

func randomCost(rng *rand.Rand) int {
	return sys.MinBookCost + rng.Intn(sys.MaxBookCost-sys.MinBookCost+1)
}
