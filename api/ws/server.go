// Package ws exposes the order service over a websocket JSON
// protocol. Each connection is a command stream: one request frame in,
// one response frame out, correlated by the client-chosen id. Market
// data consumers should prefer the broadcast topics; this surface is
// for order entry.
package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"lendex/domain/arena"
	"lendex/domain/book"
	"lendex/service"
)

type Server struct {
	log      *zap.Logger
	svc      *service.OrderService
	upgrader websocket.Upgrader
}

func NewServer(log *zap.Logger, svc *service.OrderService) *Server {
	return &Server{
		log: log,
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Auth and origin policy live at the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type request struct {
	ID uint64 `json:"id"`
	Op string `json:"op"`

	Place    *service.PlaceRequest  `json:"place,omitempty"`
	Cancel   *service.CancelRequest `json:"cancel,omitempty"`
	Register *registerRequest       `json:"register,omitempty"`
	Entry    uint32                 `json:"entry,omitempty"`
	Depth    *depthRequest          `json:"depth,omitempty"`
}

type registerRequest struct {
	Trader  uuid.UUID `json:"trader"`
	Deposit uint64    `json:"deposit"`
}

type depthRequest struct {
	Market    string         `json:"market"`
	Direction book.Direction `json:"direction"`
	Side      book.Side      `json:"side"`
	Levels    int            `json:"levels"`
}

type response struct {
	ID    uint64 `json:"id"`
	Op    string `json:"op"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Result *book.Result         `json:"result,omitempty"`
	Entry  uint32               `json:"entry,omitempty"`
	Fee    uint64               `json:"fee,omitempty"`
	Levels []service.DepthLevel `json:"levels,omitempty"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	s.log.Debug("client connected", zap.String("remote", conn.RemoteAddr().String()))

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		resp := s.dispatch(r.Context(), &req)
		if err := conn.WriteJSON(resp); err != nil {
			s.log.Debug("write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *request) *response {
	resp := &response{ID: req.ID, Op: req.Op}

	switch req.Op {
	case "place":
		if req.Place == nil {
			return fail(resp, errors.New("missing place body"))
		}
		res, err := s.svc.PlaceOrder(ctx, *req.Place)
		// An operation can partially succeed: sweeps applied, order
		// rejected. The result still goes back.
		resp.Result = res
		if err != nil {
			return fail(resp, err)
		}

	case "cancel":
		if req.Cancel == nil {
			return fail(resp, errors.New("missing cancel body"))
		}
		res, err := s.svc.CancelOrder(ctx, *req.Cancel)
		resp.Result = res
		if err != nil {
			return fail(resp, err)
		}

	case "register_global":
		if req.Register == nil {
			return fail(resp, errors.New("missing register body"))
		}
		entry, fee, err := s.svc.RegisterGlobal(ctx, req.Register.Trader, req.Register.Deposit)
		if err != nil {
			return fail(resp, err)
		}
		resp.Entry = uint32(entry)
		resp.Fee = fee

	case "invalidate_global":
		if err := s.svc.InvalidateGlobal(ctx, arena.Handle(req.Entry)); err != nil {
			return fail(resp, err)
		}

	case "reap":
		fee, err := s.svc.ReapInvalidated(ctx, arena.Handle(req.Entry))
		if err != nil {
			return fail(resp, err)
		}
		resp.Fee = fee

	case "depth":
		if req.Depth == nil {
			return fail(resp, errors.New("missing depth body"))
		}
		levels, err := s.svc.Depth(req.Depth.Market, req.Depth.Direction, req.Depth.Side, req.Depth.Levels)
		if err != nil {
			return fail(resp, err)
		}
		resp.Levels = levels

	default:
		return fail(resp, errors.New("unknown op"))
	}

	resp.OK = true
	return resp
}

func fail(resp *response, err error) *response {
	// Invalidated global siblings surface as plain not-found over the
	// wire; the distinction is an operator concern, not a client one.
	if errors.Is(err, book.ErrInvalidatedGlobalOrder) {
		err = book.ErrNotFound
	}
	resp.OK = false
	resp.Error = err.Error()
	return resp
}
