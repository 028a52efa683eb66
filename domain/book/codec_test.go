package book_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"lendex/domain/book"
)

func TestLedgerRegionRoundTrip(t *testing.T) {
	f := newFixture(t, 8)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	r1 := f.place(t, lend(a, 600, 100))
	r2 := f.place(t, lend(b, 550, 40))
	f.place(t, borrow(c, 300, 25))

	led := f.market.Ledger(book.DirAB)
	lendRegion := led.MarshalSide(book.Lend)
	borrowRegion := led.MarshalSide(book.Borrow)
	lendSeq, borrowSeq, vol := led.Counters()

	// Fresh ledger, same regions.
	led2 := book.NewLedger(8)
	require.NoError(t, led2.RestoreSide(book.Lend, lendRegion))
	require.NoError(t, led2.RestoreSide(book.Borrow, borrowRegion))
	led2.SetCounters(lendSeq, borrowSeq, vol)

	require.Equal(t, uint32(2), led2.Depth(book.Lend))
	require.Equal(t, uint32(1), led2.Depth(book.Borrow))

	// Handles from before the snapshot still resolve.
	o1, err := led2.Order(book.Lend, r1.RestingHandle)
	require.NoError(t, err)
	require.Equal(t, a, o1.Trader)
	require.Equal(t, uint16(600), o1.RateBps)

	o2, err := led2.Order(book.Lend, r2.RestingHandle)
	require.NoError(t, err)
	require.Equal(t, uint64(40), o2.Quantity)

	// Priority order survives: best lend offer is the lowest rate.
	require.Equal(t, uint16(550), led2.Best(book.Lend).RateBps)

	// The restored ledger keeps matching where the old one left off.
	market2 := book.NewMarket("sol-usdc", 8)
	*market2.Ledger(book.DirAB) = *led2
	eng2 := book.NewEngine(market2, &fakeSettler{}, newFakePool(), newStubGlobals(), nil)
	res, err := eng2.Place(context.Background(), book.DirAB, borrow(c, 700, 40))
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	require.Equal(t, b, res.Fills[0].Lender)
	require.Greater(t, res.TakerSeq, borrowSeq, "sequence counters continue, not restart")
}

func TestRegionRejectsCorruptOrder(t *testing.T) {
	f := newFixture(t, 4)
	f.place(t, lend(uuid.New(), 600, 10))
	led := f.market.Ledger(book.DirAB)

	region := led.MarshalSide(book.Lend)
	// Flip the side byte of the first occupied slot into garbage.
	// Slots are 16 bytes of node metadata plus the 56-byte order
	// payload; the side byte sits 16 bytes into the payload.
	const slotSize = 16 + 56
	for off := 24; off+slotSize <= len(region); off += slotSize {
		if region[off] == 1 {
			region[off+16+16] = 0xFF
			break
		}
	}
	led2 := book.NewLedger(4)
	require.Error(t, led2.RestoreSide(book.Lend, region))
}

func TestRestoreSideEmpty(t *testing.T) {
	led := book.NewLedger(4)
	region := led.MarshalSide(book.Lend)
	led2 := book.NewLedger(4)
	require.NoError(t, led2.RestoreSide(book.Lend, region))
	require.Equal(t, uint32(0), led2.Depth(book.Lend))
	require.Nil(t, led2.Best(book.Lend))
}
