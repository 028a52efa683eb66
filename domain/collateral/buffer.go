// Package collateral scales the external risk engine's minimum
// requirement by a safety buffer so resting orders survive price
// drift between admission and match. The buffer is a heuristic guard;
// the risk engine re-checks at fill time.
package collateral

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lendex/domain/book"
)

// Oracle reads an external price. A stale or failed read aborts the
// operation that needed it.
type Oracle interface {
	Price(ctx context.Context, asset string) (decimal.Decimal, error)
}

// RiskEngine computes the external protocol's minimum collateral for
// a position.
type RiskEngine interface {
	MinCollateral(ctx context.Context, pos Position) (decimal.Decimal, error)
}

// BalanceSource reports a trader's posted collateral value.
type BalanceSource interface {
	Collateral(ctx context.Context, trader uuid.UUID) (decimal.Decimal, error)
}

// Position describes the exposure an order would open.
type Position struct {
	Trader   uuid.UUID
	Side     book.Side
	Asset    string
	Quantity uint64
	RateBps  uint16
	Notional decimal.Decimal
}

// Config tunes the controller. Multiplier must exceed 1; a zero value
// falls back to the default.
type Config struct {
	Asset      string
	Multiplier decimal.Decimal
}

// DefaultMultiplier is the buffer applied when none is configured.
var DefaultMultiplier = decimal.RequireFromString("1.1")

// Controller implements the admission check the engine runs before an
// order may rest.
type Controller struct {
	asset   string
	mult    decimal.Decimal
	oracle  Oracle
	risk    RiskEngine
	balance BalanceSource
}

// NewController wires the controller to its collaborators.
func NewController(cfg Config, oracle Oracle, risk RiskEngine, balance BalanceSource) (*Controller, error) {
	mult := cfg.Multiplier
	if mult.IsZero() {
		mult = DefaultMultiplier
	}
	if mult.LessThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("collateral: multiplier %s must exceed 1", mult)
	}
	return &Controller{
		asset:   cfg.Asset,
		mult:    mult,
		oracle:  oracle,
		risk:    risk,
		balance: balance,
	}, nil
}

// RequiredMargin returns the external minimum scaled by the buffer.
func (c *Controller) RequiredMargin(ctx context.Context, pos Position) (decimal.Decimal, error) {
	min, err := c.risk.MinCollateral(ctx, pos)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: min collateral: %v", book.ErrCollaboratorFailure, err)
	}
	return min.Mul(c.mult), nil
}

// AdmitOrder values the order at the oracle price, asks the risk
// engine for its minimum, and rejects the order if the trader's
// posted collateral does not clear the buffered requirement. Runs
// before any tree mutation.
func (c *Controller) AdmitOrder(ctx context.Context, trader uuid.UUID, side book.Side, quantity uint64, rateBps uint16) error {
	price, err := c.oracle.Price(ctx, c.asset)
	if err != nil {
		return fmt.Errorf("%w: price %s: %v", book.ErrCollaboratorFailure, c.asset, err)
	}
	pos := Position{
		Trader:   trader,
		Side:     side,
		Asset:    c.asset,
		Quantity: quantity,
		RateBps:  rateBps,
		Notional: price.Mul(decimal.NewFromUint64(quantity)),
	}
	required, err := c.RequiredMargin(ctx, pos)
	if err != nil {
		return err
	}
	posted, err := c.balance.Collateral(ctx, trader)
	if err != nil {
		return fmt.Errorf("%w: collateral balance: %v", book.ErrCollaboratorFailure, err)
	}
	if posted.LessThan(required) {
		return fmt.Errorf("%w: posted %s, required %s", book.ErrInsufficientCollateral, posted, required)
	}
	return nil
}

var _ book.AdmissionGuard = (*Controller)(nil)
