package hypertree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"lendex/domain/arena"
)

// PayloadCodec encodes payloads into fixed-size slots of a persisted
// region. Size must be constant for a given codec; Encode writes
// exactly Size bytes at dst[0:Size].
type PayloadCodec[P any] interface {
	Size() int
	Encode(dst []byte, p *P)
	Decode(src []byte) (P, error)
}

const (
	regionMagic   uint32 = 0x68747231 // "htr1"
	regionVersion uint16 = 1

	headerSize   = 24
	slotMetaSize = 16
)

// ErrBadRegion reports a byte region that cannot be loaded: wrong
// magic, wrong version, or a length that disagrees with its header.
var ErrBadRegion = errors.New("hypertree: bad region")

// RegionSize returns the exact marshalled size of a tree with the
// given capacity and payload slot size.
func RegionSize(capacity uint32, payloadSize int) int {
	return headerSize + int(capacity)*(slotMetaSize+payloadSize)
}

// MarshalRegion serializes the tree into a fixed-layout byte region:
//
//	header (24B): magic u32 | version u16 | slotSize u16 |
//	              capacity u32 | size u32 | root u32 | min u32
//	per slot (slotSize B): used u8 | color u8 | pad u16 |
//	              left u32 | right u32 | parent u32 | payload
//
// All integers little-endian. Free slots are zeroed; the free list is
// rebuilt on load, in ascending handle order.
func MarshalRegion[P any](t *Tree[P], codec PayloadCodec[P]) []byte {
	payloadSize := codec.Size()
	slotSize := slotMetaSize + payloadSize
	buf := make([]byte, RegionSize(t.Cap(), payloadSize))

	binary.LittleEndian.PutUint32(buf[0:], regionMagic)
	binary.LittleEndian.PutUint16(buf[4:], regionVersion)
	binary.LittleEndian.PutUint16(buf[6:], uint16(slotSize))
	binary.LittleEndian.PutUint32(buf[8:], t.Cap())
	binary.LittleEndian.PutUint32(buf[12:], t.size)
	binary.LittleEndian.PutUint32(buf[16:], uint32(t.root))
	binary.LittleEndian.PutUint32(buf[20:], uint32(t.min))

	slots := t.a.Slots()
	for i := range slots {
		if !slots[i].Used {
			continue
		}
		off := headerSize + i*slotSize
		n := &slots[i].Payload
		buf[off] = 1
		buf[off+1] = byte(n.color)
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(n.left))
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(n.right))
		binary.LittleEndian.PutUint32(buf[off+12:], uint32(n.parent))
		codec.Encode(buf[off+slotMetaSize:off+slotSize], &n.payload)
	}
	return buf
}

// UnmarshalRegion reconstructs a tree from a region produced by
// MarshalRegion with the same codec and comparator. The result is
// validated before being returned; a region whose links break the
// red-black or ordering properties fails with ErrInvariantViolation.
func UnmarshalRegion[P any](buf []byte, codec PayloadCodec[P], less Less[P]) (*Tree[P], error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: truncated header", ErrBadRegion)
	}
	if got := binary.LittleEndian.Uint32(buf[0:]); got != regionMagic {
		return nil, fmt.Errorf("%w: magic %#x", ErrBadRegion, got)
	}
	if got := binary.LittleEndian.Uint16(buf[4:]); got != regionVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadRegion, got)
	}
	payloadSize := codec.Size()
	slotSize := int(binary.LittleEndian.Uint16(buf[6:]))
	if slotSize != slotMetaSize+payloadSize {
		return nil, fmt.Errorf("%w: slot size %d, codec wants %d", ErrBadRegion, slotSize, slotMetaSize+payloadSize)
	}
	capacity := binary.LittleEndian.Uint32(buf[8:])
	if len(buf) != RegionSize(capacity, payloadSize) {
		return nil, fmt.Errorf("%w: length %d for capacity %d", ErrBadRegion, len(buf), capacity)
	}
	size := binary.LittleEndian.Uint32(buf[12:])
	root := arena.Handle(binary.LittleEndian.Uint32(buf[16:]))
	min := arena.Handle(binary.LittleEndian.Uint32(buf[20:]))

	slots := make([]arena.Slot[node[P]], capacity)
	for i := 0; i < int(capacity); i++ {
		off := headerSize + i*slotSize
		if buf[off] == 0 {
			continue
		}
		p, err := codec.Decode(buf[off+slotMetaSize : off+slotSize])
		if err != nil {
			return nil, fmt.Errorf("%w: slot %d: %v", ErrBadRegion, i, err)
		}
		slots[i] = arena.Slot[node[P]]{
			Used: true,
			Payload: node[P]{
				payload: p,
				color:   color(buf[off+1]),
				left:    arena.Handle(binary.LittleEndian.Uint32(buf[off+4:])),
				right:   arena.Handle(binary.LittleEndian.Uint32(buf[off+8:])),
				parent:  arena.Handle(binary.LittleEndian.Uint32(buf[off+12:])),
			},
		}
	}

	t := &Tree[P]{
		a:    arena.FromSlots(slots),
		less: less,
		root: root,
		min:  min,
		size: size,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
