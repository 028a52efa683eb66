// Package clients talks to the external lending protocol: settlement,
// the yield pool, the price oracle, the risk engine and collateral
// balances. One HTTP JSON client covers all five roles; the domain
// packages see only their interface slice of it.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lendex/domain/book"
	"lendex/domain/collateral"
)

type Client struct {
	base string
	http *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: timeout},
	}
}

type settleRequest struct {
	Lender   uuid.UUID `json:"lender"`
	Borrower uuid.UUID `json:"borrower"`
	Market   string    `json:"market"`
	Quantity uint64    `json:"quantity"`
	RateBps  uint16    `json:"rate_bps"`
}

// Settle moves principal between the matched parties. The engine
// aborts the whole operation if this fails, so the endpoint must be
// atomic per call.
func (c *Client) Settle(ctx context.Context, lender, borrower uuid.UUID, market string, quantity uint64, rateBps uint16) error {
	return c.post(ctx, "/v1/settlements", settleRequest{
		Lender: lender, Borrower: borrower,
		Market: market, Quantity: quantity, RateBps: rateBps,
	}, nil)
}

type poolRequest struct {
	Trader   uuid.UUID `json:"trader"`
	Market   string    `json:"market"`
	Quantity uint64    `json:"quantity"`
}

func (c *Client) Deposit(ctx context.Context, trader uuid.UUID, market string, quantity uint64) error {
	return c.post(ctx, "/v1/pool/deposits", poolRequest{trader, market, quantity}, nil)
}

func (c *Client) Withdraw(ctx context.Context, trader uuid.UUID, market string, quantity uint64) error {
	return c.post(ctx, "/v1/pool/withdrawals", poolRequest{trader, market, quantity}, nil)
}

func (c *Client) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	var out struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := c.get(ctx, "/v1/prices/"+asset, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Price, nil
}

func (c *Client) MinCollateral(ctx context.Context, pos collateral.Position) (decimal.Decimal, error) {
	var out struct {
		MinCollateral decimal.Decimal `json:"min_collateral"`
	}
	if err := c.post(ctx, "/v1/risk/min-collateral", pos, &out); err != nil {
		return decimal.Zero, err
	}
	return out.MinCollateral, nil
}

func (c *Client) Collateral(ctx context.Context, trader uuid.UUID) (decimal.Decimal, error) {
	var out struct {
		Collateral decimal.Decimal `json:"collateral"`
	}
	if err := c.get(ctx, "/v1/collateral/"+trader.String(), &out); err != nil {
		return decimal.Zero, err
	}
	return out.Collateral, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, snippet)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var (
	_ book.Settler             = (*Client)(nil)
	_ book.PoolDepositor       = (*Client)(nil)
	_ collateral.Oracle        = (*Client)(nil)
	_ collateral.RiskEngine    = (*Client)(nil)
	_ collateral.BalanceSource = (*Client)(nil)
)
