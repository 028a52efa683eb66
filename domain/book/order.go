// Package book holds the per-market order ledgers and the matching
// engine. A market pair carries two directional ledgers; each ledger
// is a pair of rate-keyed trees (lend offers ascending, borrow offers
// descending) so the best maker on either side is the tree minimum.
package book

import (
	"github.com/google/uuid"

	"lendex/domain/arena"
)

// Side distinguishes capital suppliers from capital takers.
type Side uint8

const (
	Lend Side = iota
	Borrow
)

func (s Side) String() string {
	switch s {
	case Lend:
		return "lend"
	case Borrow:
		return "borrow"
	}
	return "unknown"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Lend {
		return Borrow
	}
	return Lend
}

// Kind discriminates order behavior in the crossing loop. The engine
// branches on the kind; there is no per-kind dispatch table.
type Kind uint8

const (
	// Limit rests at its rate after taking what crosses.
	Limit Kind = iota
	// IOC takes what crosses and discards the remainder.
	IOC
	// PostOnly rejects instead of crossing.
	PostOnly
	// Global is backed by a deposit shared across markets and fills
	// all-or-nothing.
	Global
	// Reverse is a borrow order that spawns a derived lend order at
	// fill rate plus spread once filled.
	Reverse
	// P2P2Pool rests like a limit order; the resting remainder is
	// additionally deposited with the external pool for yield.
	P2P2Pool
)

func (k Kind) String() string {
	switch k {
	case Limit:
		return "limit"
	case IOC:
		return "ioc"
	case PostOnly:
		return "post-only"
	case Global:
		return "global"
	case Reverse:
		return "reverse"
	case P2P2Pool:
		return "p2p2pool"
	}
	return "unknown"
}

// CanRest reports whether a remainder of this kind is inserted into
// the tree.
func (k Kind) CanRest() bool { return k != IOC }

// CanTake reports whether this kind may consume resting liquidity.
// Post-only orders refuse to cross by definition.
func (k Kind) CanTake() bool { return k != PostOnly }

// Order is one resting or incoming order. RateBps and Seq together
// form the tree sort key and never change while the order rests;
// Quantity only ever decreases.
type Order struct {
	Trader    uuid.UUID
	Side      Side
	Kind      Kind
	RateBps   uint16
	SpreadBps uint16 // reverse orders: derived lend rate offset
	Quantity  uint64 // remaining base quantity
	Seq       uint64
	Expiry    int64 // unix seconds; 0 means no expiry
	// Registry is the global-registry entry backing this order, or
	// arena.Nil for every non-global kind.
	Registry arena.Handle
}

// Expired reports whether the order's last valid time has passed.
func (o *Order) Expired(now int64) bool {
	return o.Expiry != 0 && now > o.Expiry
}

// lendLess orders the lend tree: lowest rate first (best for a
// borrowing taker), then earliest sequence.
func lendLess(a, b *Order) bool {
	if a.RateBps != b.RateBps {
		return a.RateBps < b.RateBps
	}
	return a.Seq < b.Seq
}

// borrowLess orders the borrow tree: highest rate first (best for a
// lending taker), then earliest sequence.
func borrowLess(a, b *Order) bool {
	if a.RateBps != b.RateBps {
		return a.RateBps > b.RateBps
	}
	return a.Seq < b.Seq
}

// crosses reports whether a taker on side with limit rate accepts a
// maker resting at makerRate. Lenders accept any rate at or above
// their limit; borrowers any rate at or below.
func crosses(side Side, rateBps, makerRateBps uint16) bool {
	if side == Lend {
		return makerRateBps >= rateBps
	}
	return makerRateBps <= rateBps
}
