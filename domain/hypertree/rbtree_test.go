package hypertree

import (
	"math/rand"
	"testing"

	"lendex/domain/arena"
)

type key struct {
	rate uint16
	seq  uint64
}

func keyLess(a, b *key) bool {
	if a.rate != b.rate {
		return a.rate < b.rate
	}
	return a.seq < b.seq
}

func newKeyTree(capacity uint32) *Tree[key] {
	return New[key](capacity, keyLess)
}

func TestInsertOrdering(t *testing.T) {
	tr := newKeyTree(16)
	for _, k := range []key{{500, 3}, {400, 1}, {600, 2}, {400, 5}, {500, 4}} {
		if _, err := tr.Insert(k); err != nil {
			t.Fatalf("insert %v: %v", k, err)
		}
	}
	want := []key{{400, 1}, {400, 5}, {500, 3}, {500, 4}, {600, 2}}
	i := 0
	tr.Ascend(func(_ arena.Handle, p *key) bool {
		if *p != want[i] {
			t.Fatalf("position %d: got %v, want %v", i, *p, want[i])
		}
		i++
		return true
	})
	if i != len(want) {
		t.Fatalf("visited %d nodes, want %d", i, len(want))
	}
	if err := tr.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestMinCached(t *testing.T) {
	tr := newKeyTree(8)
	if tr.Min() != arena.Nil {
		t.Fatal("empty tree has a min")
	}
	h1, _ := tr.Insert(key{500, 1})
	if tr.Min() != h1 {
		t.Fatal("min not the sole node")
	}
	h2, _ := tr.Insert(key{400, 2})
	if tr.Min() != h2 {
		t.Fatal("min not updated on smaller insert")
	}
	tr.Remove(h2)
	if tr.Min() != h1 {
		t.Fatal("min not restored after removing the least node")
	}
	tr.Remove(h1)
	if tr.Min() != arena.Nil {
		t.Fatal("emptied tree still has a min")
	}
}

func TestInsertFullTree(t *testing.T) {
	tr := newKeyTree(2)
	tr.Insert(key{1, 1})
	tr.Insert(key{2, 2})
	if _, err := tr.Insert(key{3, 3}); err != arena.ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if tr.Size() != 2 {
		t.Fatalf("size changed by failed insert: %d", tr.Size())
	}
	if err := tr.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestFind(t *testing.T) {
	tr := newKeyTree(8)
	h, _ := tr.Insert(key{700, 9})
	tr.Insert(key{300, 1})
	probe := key{700, 9}
	if got := tr.Find(&probe); got != h {
		t.Fatalf("find = %d, want %d", got, h)
	}
	absent := key{700, 10}
	if got := tr.Find(&absent); got != arena.Nil {
		t.Fatalf("find of absent key = %d, want Nil", got)
	}
}

func TestNextPrev(t *testing.T) {
	tr := newKeyTree(16)
	var hs []arena.Handle
	for _, k := range []key{{100, 1}, {200, 2}, {300, 3}, {400, 4}} {
		h, _ := tr.Insert(k)
		hs = append(hs, h)
	}
	if tr.Next(hs[1]) != hs[2] {
		t.Fatal("successor wrong")
	}
	if tr.Prev(hs[2]) != hs[1] {
		t.Fatal("predecessor wrong")
	}
	if tr.Next(hs[3]) != arena.Nil {
		t.Fatal("max has a successor")
	}
	if tr.Prev(hs[0]) != arena.Nil {
		t.Fatal("min has a predecessor")
	}
	if tr.Max() != hs[3] {
		t.Fatal("max wrong")
	}
}

func TestHandlesStableAcrossRebalance(t *testing.T) {
	tr := newKeyTree(64)
	handles := map[arena.Handle]key{}
	for i := 0; i < 40; i++ {
		k := key{uint16(i * 7 % 13), uint64(i)}
		h, err := tr.Insert(k)
		if err != nil {
			t.Fatal(err)
		}
		handles[h] = k
	}
	// Rotations must not move payloads between slots.
	for h, k := range handles {
		if *tr.Value(h) != k {
			t.Fatalf("handle %d: got %v, want %v", h, *tr.Value(h), k)
		}
	}
}

func TestRandomInsertRemove(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tr := newKeyTree(256)
	live := map[arena.Handle]key{}
	for step := 0; step < 4000; step++ {
		if len(live) == 0 || (len(live) < 200 && rng.Intn(3) != 0) {
			k := key{uint16(rng.Intn(1000)), uint64(step)}
			h, err := tr.Insert(k)
			if err != nil {
				t.Fatalf("step %d: %v", step, err)
			}
			live[h] = k
		} else {
			var victim arena.Handle
			for h := range live {
				victim = h
				break
			}
			tr.Remove(victim)
			delete(live, victim)
		}
		if step%200 == 0 {
			if err := tr.Validate(); err != nil {
				t.Fatalf("step %d: %v", step, err)
			}
		}
	}
	if err := tr.Validate(); err != nil {
		t.Fatal(err)
	}
	if int(tr.Size()) != len(live) {
		t.Fatalf("size %d, want %d", tr.Size(), len(live))
	}
	for h, k := range live {
		if *tr.Value(h) != k {
			t.Fatalf("handle %d payload drifted", h)
		}
	}
}

func TestClear(t *testing.T) {
	tr := newKeyTree(8)
	for i := 0; i < 8; i++ {
		tr.Insert(key{uint16(i), uint64(i)})
	}
	tr.Clear()
	if tr.Size() != 0 || tr.Min() != arena.Nil {
		t.Fatal("clear left residue")
	}
	for i := 0; i < 8; i++ {
		if _, err := tr.Insert(key{uint16(i), uint64(i)}); err != nil {
			t.Fatalf("insert after clear: %v", err)
		}
	}
}
