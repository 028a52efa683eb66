package book

import (
	"encoding/binary"
	"fmt"

	"lendex/domain/arena"
	"lendex/domain/hypertree"
)

// OrderCodec lays an order into its fixed persisted slot. The layout
// is versioned through the surrounding region header; field offsets
// here never move without a region version bump.
//
//	 0..16  trader uuid
//	16      side u8
//	17      kind u8
//	18..20  rate bps u16
//	20..22  spread bps u16
//	22..24  reserved
//	24..32  quantity u64
//	32..40  sequence u64
//	40..48  expiry i64
//	48..52  registry handle u32
//	52..56  reserved
type OrderCodec struct{}

const orderSlotSize = 56

func (OrderCodec) Size() int { return orderSlotSize }

func (OrderCodec) Encode(dst []byte, o *Order) {
	copy(dst[0:16], o.Trader[:])
	dst[16] = byte(o.Side)
	dst[17] = byte(o.Kind)
	binary.LittleEndian.PutUint16(dst[18:], o.RateBps)
	binary.LittleEndian.PutUint16(dst[20:], o.SpreadBps)
	binary.LittleEndian.PutUint64(dst[24:], o.Quantity)
	binary.LittleEndian.PutUint64(dst[32:], o.Seq)
	binary.LittleEndian.PutUint64(dst[40:], uint64(o.Expiry))
	binary.LittleEndian.PutUint32(dst[48:], uint32(o.Registry))
}

func (OrderCodec) Decode(src []byte) (Order, error) {
	var o Order
	copy(o.Trader[:], src[0:16])
	o.Side = Side(src[16])
	if o.Side > Borrow {
		return o, fmt.Errorf("bad side %d", src[16])
	}
	o.Kind = Kind(src[17])
	if o.Kind > P2P2Pool {
		return o, fmt.Errorf("bad kind %d", src[17])
	}
	o.RateBps = binary.LittleEndian.Uint16(src[18:])
	o.SpreadBps = binary.LittleEndian.Uint16(src[20:])
	o.Quantity = binary.LittleEndian.Uint64(src[24:])
	if o.Quantity == 0 {
		return o, fmt.Errorf("resting order with zero quantity")
	}
	o.Seq = binary.LittleEndian.Uint64(src[32:])
	o.Expiry = int64(binary.LittleEndian.Uint64(src[40:]))
	o.Registry = arena.Handle(binary.LittleEndian.Uint32(src[48:]))
	return o, nil
}

var _ hypertree.PayloadCodec[Order] = OrderCodec{}

// MarshalSide serializes one side's tree into its persisted region.
func (l *Ledger) MarshalSide(s Side) []byte {
	return hypertree.MarshalRegion[Order](l.tree(s), OrderCodec{})
}

// RestoreSide replaces one side's tree with the contents of a region
// produced by MarshalSide. Handles recorded before the snapshot stay
// valid afterwards.
func (l *Ledger) RestoreSide(s Side, buf []byte) error {
	less := lendLess
	if s == Borrow {
		less = borrowLess
	}
	t, err := hypertree.UnmarshalRegion[Order](buf, OrderCodec{}, less)
	if err != nil {
		return err
	}
	if s == Lend {
		l.lends = t
	} else {
		l.borrows = t
	}
	return nil
}

// Counters exposes the ledger's sequence and volume counters for
// snapshotting.
func (l *Ledger) Counters() (lendSeq, borrowSeq, matchVolume uint64) {
	return l.lendSeq, l.borrowSeq, l.matchVolume
}

// SetCounters restores counters from a snapshot.
func (l *Ledger) SetCounters(lendSeq, borrowSeq, matchVolume uint64) {
	l.lendSeq = lendSeq
	l.borrowSeq = borrowSeq
	l.matchVolume = matchVolume
}
