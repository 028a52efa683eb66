package collateral_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"lendex/domain/book"
	"lendex/domain/collateral"
)

type fakeOracle struct {
	price decimal.Decimal
	err   error
}

func (o fakeOracle) Price(context.Context, string) (decimal.Decimal, error) {
	return o.price, o.err
}

type fakeRisk struct {
	min decimal.Decimal
	err error
	pos *collateral.Position
}

func (r *fakeRisk) MinCollateral(_ context.Context, pos collateral.Position) (decimal.Decimal, error) {
	r.pos = &pos
	return r.min, r.err
}

type fakeBalance struct {
	posted decimal.Decimal
	err    error
}

func (b fakeBalance) Collateral(context.Context, uuid.UUID) (decimal.Decimal, error) {
	return b.posted, b.err
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newController(t *testing.T, mult string, oracle fakeOracle, risk *fakeRisk, bal fakeBalance) *collateral.Controller {
	t.Helper()
	cfg := collateral.Config{Asset: "sol"}
	if mult != "" {
		cfg.Multiplier = dec(mult)
	}
	c, err := collateral.NewController(cfg, oracle, risk, bal)
	require.NoError(t, err)
	return c
}

func TestMultiplierMustExceedOne(t *testing.T) {
	_, err := collateral.NewController(
		collateral.Config{Asset: "sol", Multiplier: dec("0.9")},
		fakeOracle{}, &fakeRisk{}, fakeBalance{},
	)
	require.Error(t, err)
}

func TestRequiredMarginScalesMinimum(t *testing.T) {
	risk := &fakeRisk{min: dec("200")}
	c := newController(t, "1.1", fakeOracle{price: dec("10")}, risk, fakeBalance{})

	got, err := c.RequiredMargin(context.Background(), collateral.Position{})
	require.NoError(t, err)
	require.True(t, got.Equal(dec("220")), "got %s", got)
}

func TestAdmitOrderPassesWithBuffer(t *testing.T) {
	risk := &fakeRisk{min: dec("200")}
	c := newController(t, "1.1", fakeOracle{price: dec("10")}, risk, fakeBalance{posted: dec("220")})

	err := c.AdmitOrder(context.Background(), uuid.New(), book.Borrow, 50, 600)
	require.NoError(t, err)
	require.NotNil(t, risk.pos)
	require.True(t, risk.pos.Notional.Equal(dec("500")), "notional = price × quantity")
	require.Equal(t, uint16(600), risk.pos.RateBps)
}

func TestAdmitOrderRejectsBelowBuffer(t *testing.T) {
	// Posted clears the raw minimum but not the buffered requirement.
	risk := &fakeRisk{min: dec("200")}
	c := newController(t, "1.1", fakeOracle{price: dec("10")}, risk, fakeBalance{posted: dec("210")})

	err := c.AdmitOrder(context.Background(), uuid.New(), book.Borrow, 50, 600)
	require.ErrorIs(t, err, book.ErrInsufficientCollateral)
}

func TestStaleOracleAbortsOperation(t *testing.T) {
	c := newController(t, "", fakeOracle{err: errors.New("stale")}, &fakeRisk{}, fakeBalance{})
	err := c.AdmitOrder(context.Background(), uuid.New(), book.Lend, 10, 500)
	require.ErrorIs(t, err, book.ErrCollaboratorFailure)
}

func TestRiskEngineFailureAbortsOperation(t *testing.T) {
	risk := &fakeRisk{err: errors.New("risk engine offline")}
	c := newController(t, "", fakeOracle{price: dec("10")}, risk, fakeBalance{})
	err := c.AdmitOrder(context.Background(), uuid.New(), book.Lend, 10, 500)
	require.ErrorIs(t, err, book.ErrCollaboratorFailure)
}

func TestDefaultMultiplier(t *testing.T) {
	risk := &fakeRisk{min: dec("100")}
	c := newController(t, "", fakeOracle{price: dec("1")}, risk, fakeBalance{posted: dec("109")})
	err := c.AdmitOrder(context.Background(), uuid.New(), book.Lend, 1, 1)
	require.ErrorIs(t, err, book.ErrInsufficientCollateral, "default 1.1 buffer applies")
}
