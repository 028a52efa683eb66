package service

import (
	"github.com/google/uuid"

	"lendex/domain/arena"
	"lendex/domain/book"
	"lendex/infra/wal"
)

// PlaceRequest is one incoming order. Registry is only meaningful for
// global orders; the service forces it to arena.Nil otherwise.
type PlaceRequest struct {
	Market    string         `json:"market"`
	Direction book.Direction `json:"direction"`
	Side      book.Side      `json:"side"`
	Kind      book.Kind      `json:"kind"`
	RateBps   uint16         `json:"rate_bps"`
	SpreadBps uint16         `json:"spread_bps"`
	Quantity  uint64         `json:"quantity"`
	Trader    uuid.UUID      `json:"trader"`
	Expiry    int64          `json:"expiry"`
	Registry  arena.Handle   `json:"registry"`
}

func (r *PlaceRequest) order() book.Order {
	registry := r.Registry
	if r.Kind != book.Global {
		registry = arena.Nil
	}
	return book.Order{
		Trader:    r.Trader,
		Side:      r.Side,
		Kind:      r.Kind,
		RateBps:   r.RateBps,
		SpreadBps: r.SpreadBps,
		Quantity:  r.Quantity,
		Expiry:    r.Expiry,
		Registry:  registry,
	}
}

func (r *PlaceRequest) payload() *wal.Payload {
	return &wal.Payload{
		Market:    r.Market,
		Direction: uint8(r.Direction),
		Side:      uint8(r.Side),
		Kind:      uint8(r.Kind),
		RateBps:   r.RateBps,
		SpreadBps: r.SpreadBps,
		Quantity:  r.Quantity,
		Trader:    r.Trader,
		Expiry:    r.Expiry,
		Registry:  uint32(r.Registry),
	}
}

func placeFromPayload(p *wal.Payload) PlaceRequest {
	return PlaceRequest{
		Market:    p.Market,
		Direction: book.Direction(p.Direction),
		Side:      book.Side(p.Side),
		Kind:      book.Kind(p.Kind),
		RateBps:   p.RateBps,
		SpreadBps: p.SpreadBps,
		Quantity:  p.Quantity,
		Trader:    p.Trader,
		Expiry:    p.Expiry,
		Registry:  arena.Handle(p.Registry),
	}
}

// CancelRequest removes a resting order, addressed either by the
// handle from the place acknowledgement or, when Handle is arena.Nil,
// by the order sequence.
type CancelRequest struct {
	Market    string         `json:"market"`
	Direction book.Direction `json:"direction"`
	Side      book.Side      `json:"side"`
	Handle    arena.Handle   `json:"handle"`
	OrderSeq  uint64         `json:"order_seq"`
	Trader    uuid.UUID      `json:"trader"`
}

func (r *CancelRequest) payload() *wal.Payload {
	return &wal.Payload{
		Market:    r.Market,
		Direction: uint8(r.Direction),
		Side:      uint8(r.Side),
		Handle:    uint32(r.Handle),
		OrderSeq:  r.OrderSeq,
		Trader:    r.Trader,
	}
}

func cancelFromPayload(p *wal.Payload) CancelRequest {
	return CancelRequest{
		Market:    p.Market,
		Direction: book.Direction(p.Direction),
		Side:      book.Side(p.Side),
		Handle:    arena.Handle(p.Handle),
		OrderSeq:  p.OrderSeq,
		Trader:    p.Trader,
	}
}
