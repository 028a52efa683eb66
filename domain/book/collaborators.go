package book

import (
	"context"

	"github.com/google/uuid"

	"lendex/domain/arena"
)

// Settler moves matched principal between the two traders of a fill.
// Implemented outside the core; any error aborts the whole operation.
type Settler interface {
	Settle(ctx context.Context, lender, borrower uuid.UUID, market string, quantity uint64, rateBps uint16) error
}

// PoolDepositor parks the resting remainder of a p2p2pool order with
// the external pooled-lending protocol and recalls it on cancel or
// fill.
type PoolDepositor interface {
	Deposit(ctx context.Context, trader uuid.UUID, market string, quantity uint64) error
	Withdraw(ctx context.Context, trader uuid.UUID, market string, quantity uint64) error
}

// GlobalLedger is the registry view the engine needs: liveness checks
// on every touch, attachment of resting orders, and the consumed
// transition on a full fill. domain/global provides it.
type GlobalLedger interface {
	// Active reports whether the entry may still fill. Checked at
	// every use, never cached across steps.
	Active(entry arena.Handle) bool
	// Attach records a resting order against the entry's shared
	// deposit.
	Attach(entry arena.Handle, market string, dir Direction, order arena.Handle) error
	// OnFill marks the entry consumed and invalidates every sibling.
	OnFill(entry arena.Handle) error
	// Release undoes a fill claim whose operation aborted before
	// applying anything; the entry returns to Active.
	Release(entry arena.Handle)
	// Detach drops one order reference, as on cancel.
	Detach(entry arena.Handle, market string, dir Direction, order arena.Handle)
}

// AdmissionGuard is the collateral buffer check run before an order
// may rest. domain/collateral provides it.
type AdmissionGuard interface {
	AdmitOrder(ctx context.Context, trader uuid.UUID, side Side, quantity uint64, rateBps uint16) error
}
