package book

import (
	"github.com/google/uuid"

	"lendex/domain/arena"
	"lendex/domain/hypertree"
)

// Direction selects one of the two directional ledgers of a market
// pair: asset A lent against B, or B lent against A.
type Direction uint8

const (
	DirAB Direction = 0
	DirBA Direction = 1
)

func (d Direction) String() string {
	if d == DirAB {
		return "a->b"
	}
	return "b->a"
}

// Ledger is one direction of a market: a lend tree and a borrow tree
// over separate arenas, plus the per-side sequence counters that
// realize time priority. All mutation goes through the engine.
type Ledger struct {
	lends   *hypertree.Tree[Order]
	borrows *hypertree.Tree[Order]

	lendSeq   uint64
	borrowSeq uint64

	// matchVolume accumulates filled base quantity. Informational
	// only; not part of any invariant.
	matchVolume uint64
}

// NewLedger creates an empty ledger whose trees each hold at most
// capacity resting orders. Capacity is fixed for the ledger's
// lifetime.
func NewLedger(capacity uint32) *Ledger {
	return &Ledger{
		lends:   hypertree.New[Order](capacity, lendLess),
		borrows: hypertree.New[Order](capacity, borrowLess),
	}
}

func (l *Ledger) tree(s Side) *hypertree.Tree[Order] {
	if s == Lend {
		return l.lends
	}
	return l.borrows
}

// nextSeq bumps and returns the side's sequence counter. Every order
// consumes a sequence number, resting or not, so fill logs stay
// unambiguous.
func (l *Ledger) nextSeq(s Side) uint64 {
	if s == Lend {
		l.lendSeq++
		return l.lendSeq
	}
	l.borrowSeq++
	return l.borrowSeq
}

// Depth returns the resting order count on a side.
func (l *Ledger) Depth(s Side) uint32 { return l.tree(s).Size() }

// MatchVolume returns the accumulated filled quantity.
func (l *Ledger) MatchVolume() uint64 { return l.matchVolume }

// Best returns the top-priority resting order on a side, or nil.
func (l *Ledger) Best(s Side) *Order {
	h := l.tree(s).Min()
	if h == arena.Nil {
		return nil
	}
	return l.tree(s).Value(h)
}

// Order returns the resting order at h on the given side.
func (l *Ledger) Order(s Side, h arena.Handle) (*Order, error) {
	if !l.tree(s).Has(h) {
		return nil, ErrNotFound
	}
	return l.tree(s).Value(h), nil
}

// FindBySequence scans a side for the order carrying seq. Linear; the
// cancel path that uses it is not latency sensitive.
func (l *Ledger) FindBySequence(s Side, seq uint64) arena.Handle {
	found := arena.Nil
	l.tree(s).Ascend(func(h arena.Handle, o *Order) bool {
		if o.Seq == seq {
			found = h
			return false
		}
		return true
	})
	return found
}

// Walk visits a side's resting orders in priority order.
func (l *Ledger) Walk(s Side, fn func(h arena.Handle, o *Order) bool) {
	l.tree(s).Ascend(fn)
}

// Market is one tradable pair with its two directional ledgers. The
// ledgers share nothing but the market identity; collateral coupling
// lives outside the trees.
type Market struct {
	ID      string
	ledgers [2]*Ledger
}

// NewMarket creates a market whose four trees each hold at most
// capacity resting orders.
func NewMarket(id string, capacity uint32) *Market {
	return &Market{
		ID:      id,
		ledgers: [2]*Ledger{NewLedger(capacity), NewLedger(capacity)},
	}
}

// Ledger returns the directional ledger.
func (m *Market) Ledger(d Direction) *Ledger { return m.ledgers[d] }

// OwnerOf reports the trader owning the order at h, for cancel
// authorization.
func (m *Market) OwnerOf(d Direction, s Side, h arena.Handle) (uuid.UUID, error) {
	o, err := m.Ledger(d).Order(s, h)
	if err != nil {
		return uuid.Nil, err
	}
	return o.Trader, nil
}
