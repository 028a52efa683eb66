package book

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers lookups and cancels of orders that no longer
	// exist. Expected outcome, never fatal.
	ErrNotFound = errors.New("book: order not found")

	// ErrUnauthorized rejects a cancel by a trader who does not own
	// the order.
	ErrUnauthorized = errors.New("book: not order owner")

	// ErrInsufficientCollateral rejects an order before any tree
	// mutation when the buffer check fails.
	ErrInsufficientCollateral = errors.New("book: insufficient collateral")

	// ErrWouldCross rejects a post-only order that would take.
	ErrWouldCross = errors.New("book: post-only order would cross")

	// ErrCollaboratorFailure wraps a failed settlement, oracle, risk
	// or pool call. The triggering operation leaves trees and arena
	// untouched.
	ErrCollaboratorFailure = errors.New("book: collaborator failure")

	// ErrInvalidRequest rejects malformed orders (zero quantity,
	// kind/side combinations that cannot exist).
	ErrInvalidRequest = errors.New("book: invalid request")
)

// ErrInvalidatedGlobalOrder marks operations that hit a global order
// whose registry entry was already consumed elsewhere. It wraps
// ErrNotFound so callers treat it as absence, while the service layer
// logs it distinctly for audit.
var ErrInvalidatedGlobalOrder = fmt.Errorf("%w: global order invalidated", ErrNotFound)
