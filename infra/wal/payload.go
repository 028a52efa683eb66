package wal

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payload is the protobuf wire form of one logged request. A single
// message covers every record type; fields unused by a type are left
// zero. Field numbers are frozen: the log outlives deployments.
type Payload struct {
	Market    string   // 1
	Direction uint8    // 2
	Side      uint8    // 3
	Kind      uint8    // 4
	RateBps   uint16   // 5
	SpreadBps uint16   // 6
	Quantity  uint64   // 7
	Trader    [16]byte // 8
	Expiry    int64    // 9  (zigzag)
	Registry  uint32   // 10
	Handle    uint32   // 11
	OrderSeq  uint64   // 12
	Deposit   uint64   // 13
}

// Marshal encodes the payload in protobuf wire format.
func (p *Payload) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, p.Market)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Direction))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Side))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Kind))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.RateBps))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.SpreadBps))
	b = protowire.AppendTag(b, 7, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Quantity)
	b = protowire.AppendTag(b, 8, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Trader[:])
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(p.Expiry))
	b = protowire.AppendTag(b, 10, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Registry))
	b = protowire.AppendTag(b, 11, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Handle))
	b = protowire.AppendTag(b, 12, protowire.VarintType)
	b = protowire.AppendVarint(b, p.OrderSeq)
	b = protowire.AppendTag(b, 13, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Deposit)
	return b
}

// UnmarshalPayload decodes a payload, skipping unknown fields so old
// binaries tolerate records from newer ones.
func UnmarshalPayload(b []byte) (*Payload, error) {
	p := &Payload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wal: payload tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == 1 || num == 8):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wal: payload field %d: %w", num, protowire.ParseError(n))
			}
			if num == 1 {
				p.Market = string(v)
			} else {
				if len(v) != len(p.Trader) {
					return nil, fmt.Errorf("wal: trader id length %d", len(v))
				}
				copy(p.Trader[:], v)
			}
			b = b[n:]

		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wal: payload field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case 2:
				p.Direction = uint8(v)
			case 3:
				p.Side = uint8(v)
			case 4:
				p.Kind = uint8(v)
			case 5:
				p.RateBps = uint16(v)
			case 6:
				p.SpreadBps = uint16(v)
			case 7:
				p.Quantity = v
			case 9:
				p.Expiry = protowire.DecodeZigZag(v)
			case 10:
				p.Registry = uint32(v)
			case 11:
				p.Handle = uint32(v)
			case 12:
				p.OrderSeq = v
			case 13:
				p.Deposit = v
			}
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wal: payload field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return p, nil
}
