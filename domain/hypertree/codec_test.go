package hypertree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"lendex/domain/arena"
)

type keyCodec struct{}

func (keyCodec) Size() int { return 10 }

func (keyCodec) Encode(dst []byte, p *key) {
	binary.LittleEndian.PutUint16(dst[0:], p.rate)
	binary.LittleEndian.PutUint64(dst[2:], p.seq)
}

func (keyCodec) Decode(src []byte) (key, error) {
	return key{
		rate: binary.LittleEndian.Uint16(src[0:]),
		seq:  binary.LittleEndian.Uint64(src[2:]),
	}, nil
}

func TestRegionRoundTrip(t *testing.T) {
	tr := newKeyTree(32)
	var hs []arena.Handle
	for i := 0; i < 20; i++ {
		h, err := tr.Insert(key{uint16(i * 31 % 11), uint64(i)})
		if err != nil {
			t.Fatal(err)
		}
		hs = append(hs, h)
	}
	// Punch holes so the free list is not trivial.
	tr.Remove(hs[3])
	tr.Remove(hs[7])
	tr.Remove(hs[15])

	buf := MarshalRegion[key](tr, keyCodec{})
	if len(buf) != RegionSize(32, keyCodec{}.Size()) {
		t.Fatalf("region size %d, want %d", len(buf), RegionSize(32, keyCodec{}.Size()))
	}

	tr2, err := UnmarshalRegion[key](buf, keyCodec{}, keyLess)
	if err != nil {
		t.Fatal(err)
	}
	if tr2.Size() != tr.Size() {
		t.Fatalf("size %d, want %d", tr2.Size(), tr.Size())
	}
	// Live handles survive the round trip.
	for i, h := range hs {
		if i == 3 || i == 7 || i == 15 {
			if tr2.Has(h) {
				t.Fatalf("removed handle %d resurrected", h)
			}
			continue
		}
		if *tr2.Value(h) != *tr.Value(h) {
			t.Fatalf("handle %d payload differs", h)
		}
	}
	// Same in-order walk.
	var a, b []key
	tr.Ascend(func(_ arena.Handle, p *key) bool { a = append(a, *p); return true })
	tr2.Ascend(func(_ arena.Handle, p *key) bool { b = append(b, *p); return true })
	if len(a) != len(b) {
		t.Fatalf("walk lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("walk position %d: %v vs %v", i, a[i], b[i])
		}
	}
	// Marshalling the reloaded tree reproduces the region byte for byte.
	if !bytes.Equal(buf, MarshalRegion[key](tr2, keyCodec{})) {
		t.Fatal("second marshal differs from first")
	}
}

func TestRegionEmptyTree(t *testing.T) {
	tr := newKeyTree(4)
	buf := MarshalRegion[key](tr, keyCodec{})
	tr2, err := UnmarshalRegion[key](buf, keyCodec{}, keyLess)
	if err != nil {
		t.Fatal(err)
	}
	if tr2.Size() != 0 || tr2.Min() != arena.Nil {
		t.Fatal("empty region did not load empty")
	}
	if _, err := tr2.Insert(key{1, 1}); err != nil {
		t.Fatalf("insert into reloaded empty tree: %v", err)
	}
}

func TestRegionRejectsGarbage(t *testing.T) {
	tr := newKeyTree(4)
	tr.Insert(key{5, 1})
	buf := MarshalRegion[key](tr, keyCodec{})

	short := buf[:10]
	if _, err := UnmarshalRegion[key](short, keyCodec{}, keyLess); err == nil {
		t.Fatal("truncated region accepted")
	}

	bad := append([]byte(nil), buf...)
	bad[0] ^= 0xFF
	if _, err := UnmarshalRegion[key](bad, keyCodec{}, keyLess); err == nil {
		t.Fatal("wrong magic accepted")
	}

	trunc := append([]byte(nil), buf...)
	trunc = trunc[:len(trunc)-1]
	if _, err := UnmarshalRegion[key](trunc, keyCodec{}, keyLess); err == nil {
		t.Fatal("length mismatch accepted")
	}
}

func TestRegionLinkCycleRejected(t *testing.T) {
	tr := newKeyTree(4)
	for i := uint64(1); i <= 3; i++ {
		tr.Insert(key{uint16(i), i})
	}
	buf := MarshalRegion[key](tr, keyCodec{})

	// Point a leaf's left link back at the root. An unbounded in-order
	// walk would circle this forever; validation must reject instead.
	root := binary.LittleEndian.Uint32(buf[16:])
	slotSize := slotMetaSize + keyCodec{}.Size()
	leaf := uint32(0)
	if leaf == root {
		leaf = 2
	}
	binary.LittleEndian.PutUint32(buf[headerSize+int(leaf)*slotSize+4:], root)

	_, err := UnmarshalRegion[key](buf, keyCodec{}, keyLess)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("cyclic region accepted: %v", err)
	}
}

func TestRegionDetectsCorruptLinks(t *testing.T) {
	tr := newKeyTree(8)
	for i := 0; i < 6; i++ {
		tr.Insert(key{uint16(i), uint64(i)})
	}
	buf := MarshalRegion[key](tr, keyCodec{})
	// Corrupt the stored size so the traversal count disagrees.
	binary.LittleEndian.PutUint32(buf[12:], 99)
	if _, err := UnmarshalRegion[key](buf, keyCodec{}, keyLess); err == nil {
		t.Fatal("corrupt region accepted")
	}
}
