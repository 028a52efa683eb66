package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lendex/domain/arena"
	"lendex/domain/book"
	"lendex/domain/global"
	"lendex/infra/outbox"
	"lendex/infra/sequence"
	"lendex/infra/wal"
	"lendex/service"
)

type nopSettler struct{}

func (nopSettler) Settle(context.Context, uuid.UUID, uuid.UUID, string, uint64, uint16) error {
	return nil
}

func dialTestServer(t *testing.T) *websocket.Conn {
	t.Helper()
	w, err := wal.Open(wal.Config{Dir: t.TempDir(), SegmentSize: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	ob, err := outbox.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ob.Close() })

	svc := service.New(
		zap.NewNop(), w, ob, sequence.New(0),
		global.NewRegistry(global.Config{Capacity: 4}),
		nil, nopSettler{}, nil,
		service.NewMetrics(prometheus.NewRegistry()),
		map[string]*book.Market{"sol-usdc": book.NewMarket("sol-usdc", 16)},
	)

	srv := httptest.NewServer(NewServer(zap.NewNop(), svc))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestPlaceOverWebsocket(t *testing.T) {
	conn := dialTestServer(t)

	require.NoError(t, conn.WriteJSON(request{
		ID: 1, Op: "place",
		Place: &service.PlaceRequest{
			Market:    "sol-usdc",
			Direction: book.DirAB,
			Side:      book.Lend,
			Kind:      book.Limit,
			RateBps:   600,
			Quantity:  100,
			Trader:    uuid.New(),
			Registry:  arena.Nil,
		},
	}))

	var resp response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, uint64(1), resp.ID)
	assert.True(t, resp.OK)
	require.NotNil(t, resp.Result)
	assert.Equal(t, book.Resting, resp.Result.State)
}

func TestUnknownOpAndBadMarket(t *testing.T) {
	conn := dialTestServer(t)

	require.NoError(t, conn.WriteJSON(request{ID: 2, Op: "nope"}))
	var resp response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.False(t, resp.OK)
	assert.Equal(t, "unknown op", resp.Error)

	require.NoError(t, conn.WriteJSON(request{
		ID: 3, Op: "place",
		Place: &service.PlaceRequest{
			Market: "no-such", Side: book.Lend, Kind: book.Limit,
			Quantity: 1, Trader: uuid.New(), Registry: arena.Nil,
		},
	}))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown market")
}
