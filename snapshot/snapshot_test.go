package snapshot

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"lendex/domain/arena"
	"lendex/domain/book"
	"lendex/domain/global"
)

type nopSettler struct{}

func (nopSettler) Settle(context.Context, uuid.UUID, uuid.UUID, string, uint64, uint16) error {
	return nil
}

func TestWriteLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	reg := global.NewRegistry(global.Config{Capacity: 4, Fee: 5000})
	lender := uuid.New()
	entry, _, err := reg.Register(lender, 1000)
	if err != nil {
		t.Fatal(err)
	}

	m := book.NewMarket("sol-usdc", 16)
	eng := book.NewEngine(m, nopSettler{}, nil, reg, nil)

	if _, err := eng.Place(ctx, book.DirAB, book.Order{
		Trader: lender, Side: book.Lend, Kind: book.Limit,
		RateBps: 600, Quantity: 100, Registry: arena.Nil,
	}); err != nil {
		t.Fatal(err)
	}
	gres, err := eng.Place(ctx, book.DirAB, book.Order{
		Trader: lender, Side: book.Lend, Kind: book.Global,
		RateBps: 650, Quantity: 1000, Registry: entry,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Place(ctx, book.DirBA, book.Order{
		Trader: uuid.New(), Side: book.Borrow, Kind: book.Limit,
		RateBps: 700, Quantity: 50, Registry: arena.Nil,
	}); err != nil {
		t.Fatal(err)
	}

	w := &Writer{Dir: dir}
	if err := w.Write(42, []*book.Market{m}, reg); err != nil {
		t.Fatal(err)
	}

	// Fresh everything, same capacities.
	m2 := book.NewMarket("sol-usdc", 16)
	reg2 := global.NewRegistry(global.Config{Capacity: 4, Fee: 5000})
	seq, err := Load(dir, map[string]*book.Market{"sol-usdc": m2}, reg2)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 42 {
		t.Fatalf("seq = %d, want 42", seq)
	}

	if got := m2.Ledger(book.DirAB).Depth(book.Lend); got != 2 {
		t.Fatalf("AB lend depth = %d, want 2", got)
	}
	if got := m2.Ledger(book.DirBA).Depth(book.Borrow); got != 1 {
		t.Fatalf("BA borrow depth = %d, want 1", got)
	}

	// The global entry and its attachment survived.
	if !reg2.Active(entry) {
		t.Fatal("registry entry lost")
	}
	e, err := reg2.Entry(entry)
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Refs) != 1 || e.Refs[0].Order != gres.RestingHandle {
		t.Fatalf("refs = %+v", e.Refs)
	}

	// The restored book still matches.
	eng2 := book.NewEngine(m2, nopSettler{}, nil, reg2, nil)
	res, err := eng2.Place(ctx, book.DirAB, book.Order{
		Trader: uuid.New(), Side: book.Borrow, Kind: book.Limit,
		RateBps: 700, Quantity: 100, Registry: arena.Nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != book.FullyFilled || res.Fills[0].RateBps != 600 {
		t.Fatalf("post-restore match: %+v", res)
	}
}

func TestLoadMissingFileIsFreshStart(t *testing.T) {
	reg := global.NewRegistry(global.Config{Capacity: 4})
	seq, err := Load(t.TempDir(), map[string]*book.Market{}, reg)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 0 {
		t.Fatalf("seq = %d on fresh start", seq)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	reg := global.NewRegistry(global.Config{Capacity: 4})
	w := &Writer{Dir: dir}
	if err := w.Write(1, nil, reg); err != nil {
		t.Fatal(err)
	}

	// Corrupt the magic.
	path := dir + "/" + FileName
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[0] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir, map[string]*book.Market{}, reg); err == nil {
		t.Fatal("corrupt snapshot accepted")
	}
}
