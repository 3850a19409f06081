package folio

import (
	"math/rand"
	"testing"

	"github.com/perlin-network/folio/sys"
	"github.com/stretchr/testify/assert"
)

func TestInventoryStock(t *testing.T) {
	t.Parallel()

	inv := NewInventory()
	inv.Stock(2, 2, rand.New(rand.NewSource(42)))

	assert.Equal(t, 2, inv.Len())

	for id := 4; id <= 5; id++ {
		rec := inv.Lookup(id)
		assert.NotNil(t, rec)
		assert.Equal(t, 2, rec.Available)
		assert.Zero(t, rec.Loaned)
		assert.Zero(t, rec.Donated)
		assert.True(t, rec.Cost >= sys.MinBookCost && rec.Cost <= sys.MaxBookCost)
	}

	assert.Nil(t, inv.Lookup(3))
	assert.Nil(t, inv.Lookup(6))
}

func TestInventoryTotalLoaned(t *testing.T) {
	t.Parallel()

	inv := NewInventory()
	inv.Insert(&BookRecord{ID: 1, Loaned: 2})
	inv.Insert(&BookRecord{ID: 9, Loaned: 3})

	assert.Equal(t, 5, inv.TotalLoaned())
}

func TestLoanHistoryRecord(t *testing.T) {
	t.Parallel()

	var history LoanHistory

	history.Record(3, 50)
	history.Record(7, 20)
	history.Record(3, 50)

	assert.Equal(t, 2, history.Len())
	assert.Equal(t, 3, history.Total())
	assert.Equal(t, 2, history.Lookup(3).Loans)
	assert.Equal(t, 1, history.Lookup(7).Loans)
	assert.Nil(t, history.Lookup(4))
}

func TestLoanHistoryMostLoaned(t *testing.T) {
	t.Parallel()

	var history LoanHistory

	assert.Nil(t, history.MostLoaned())

	history.Record(3, 50)
	history.Record(7, 20)
	history.Record(7, 20)

	assert.Equal(t, 7, history.MostLoaned().ID)

	// A tie keeps the earliest entry.
	history.Record(3, 50)
	assert.Equal(t, 3, history.MostLoaned().ID)
}
