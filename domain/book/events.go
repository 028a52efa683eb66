package book

import "github.com/google/uuid"

// OrderState is the lifecycle position of an incoming order once its
// operation completes.
type OrderState uint8

const (
	Received OrderState = iota
	Crossing
	PartiallyFilled
	FullyFilled
	Resting
	Cancelled
)

func (s OrderState) String() string {
	switch s {
	case Received:
		return "received"
	case Crossing:
		return "crossing"
	case PartiallyFilled:
		return "partially-filled"
	case FullyFilled:
		return "fully-filled"
	case Resting:
		return "resting"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Fill is one maker/taker cross at the maker's rate. Fills feed the
// outbox and the broadcast topic.
type Fill struct {
	Market    string    `json:"market"`
	Direction Direction `json:"direction"`
	Lender    uuid.UUID `json:"lender"`
	Borrower  uuid.UUID `json:"borrower"`
	MakerSeq  uint64    `json:"maker_seq"`
	TakerSeq  uint64    `json:"taker_seq"`
	RateBps   uint16    `json:"rate_bps"`
	Quantity  uint64    `json:"quantity"`
	Global    bool      `json:"global"`
}

// SweepReason explains why a resting maker was removed outside a fill.
type SweepReason uint8

const (
	SweepExpired SweepReason = iota
	SweepInvalidatedGlobal
)

func (r SweepReason) String() string {
	if r == SweepExpired {
		return "expired"
	}
	return "invalidated-global"
}

// Sweep records a maker removed during the match walk: expired, or a
// global sibling whose deposit was consumed elsewhere. Sweeps are
// audit events, not errors.
type Sweep struct {
	Market    string      `json:"market"`
	Direction Direction   `json:"direction"`
	Trader    uuid.UUID   `json:"trader"`
	Seq       uint64      `json:"seq"`
	Reason    SweepReason `json:"reason"`
}
