package arena

import "testing"

func TestAllocUntilExhausted(t *testing.T) {
	a := New[int](3)
	seen := map[Handle]bool{}
	for i := 0; i < 3; i++ {
		h, err := a.Alloc()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if seen[h] {
			t.Fatalf("handle %d returned twice", h)
		}
		seen[h] = true
	}
	if _, err := a.Alloc(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if a.Len() != 3 {
		t.Fatalf("len = %d, want 3", a.Len())
	}
}

func TestFreeReuse(t *testing.T) {
	a := New[string](2)
	h1, _ := a.Alloc()
	h2, _ := a.Alloc()
	*a.At(h1) = "one"
	*a.At(h2) = "two"

	a.Free(h1)
	if a.InUse(h1) {
		t.Fatal("freed slot still in use")
	}
	h3, err := a.Alloc()
	if err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
	if h3 != h1 {
		t.Fatalf("expected reuse of handle %d, got %d", h1, h3)
	}
	if *a.At(h3) != "" {
		t.Fatal("recycled slot not zeroed")
	}
	if *a.At(h2) != "two" {
		t.Fatal("unrelated slot disturbed by free/alloc")
	}
}

func TestLowestFreeSlotWins(t *testing.T) {
	a := New[int](4)
	var hs []Handle
	for i := 0; i < 3; i++ {
		h, _ := a.Alloc()
		hs = append(hs, h)
	}
	// Free out of handle order; allocation must still come back lowest
	// handle first, independent of free order.
	a.Free(hs[1])
	a.Free(hs[2])

	got, _ := a.Alloc()
	if got != hs[1] {
		t.Fatalf("first alloc = %d, want lowest free %d", got, hs[1])
	}
	got, _ = a.Alloc()
	if got != hs[2] {
		t.Fatalf("second alloc = %d, want %d", got, hs[2])
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := New[int](1)
	h, _ := a.Alloc()
	a.Free(h)
	defer func() {
		if recover() == nil {
			t.Fatal("double free did not panic")
		}
	}()
	a.Free(h)
}

func TestAccessFreeSlotPanics(t *testing.T) {
	a := New[int](1)
	h, _ := a.Alloc()
	a.Free(h)
	defer func() {
		if recover() == nil {
			t.Fatal("access to free slot did not panic")
		}
	}()
	_ = a.At(h)
}

func TestInUseBounds(t *testing.T) {
	a := New[int](2)
	if a.InUse(Nil) {
		t.Fatal("Nil reported in use")
	}
	if a.InUse(Handle(99)) {
		t.Fatal("out-of-range handle reported in use")
	}
}

func TestSlotsRoundTrip(t *testing.T) {
	a := New[int](4)
	h0, _ := a.Alloc()
	h1, _ := a.Alloc()
	h2, _ := a.Alloc()
	*a.At(h0) = 10
	*a.At(h1) = 11
	*a.At(h2) = 12
	a.Free(h1)

	b := FromSlots(a.Slots())
	if b.Len() != 2 {
		t.Fatalf("rebuilt len = %d, want 2", b.Len())
	}
	if *b.At(h0) != 10 || *b.At(h2) != 12 {
		t.Fatal("payloads lost across round trip")
	}
	if b.InUse(h1) {
		t.Fatal("freed slot resurrected")
	}
	// Free list is rebuilt ascending: the lowest free handle comes back
	// first.
	got, err := b.Alloc()
	if err != nil {
		t.Fatalf("alloc on rebuilt arena: %v", err)
	}
	if got != h1 {
		t.Fatalf("first free handle = %d, want %d", got, h1)
	}
}
