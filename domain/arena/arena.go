// Package arena provides a fixed-capacity slot pool with integer
// handles and free-list reuse. Every higher-level structure in the
// domain references slots by handle, never by pointer, so the whole
// pool can be copied into a contiguous byte region and reloaded with
// all live handles intact.
package arena

import "errors"

// Handle addresses a slot in an Arena. Handles are dense: valid values
// are [0, Cap).
type Handle uint32

// Nil is the null handle. It never addresses a slot.
const Nil Handle = ^Handle(0)

// ErrExhausted is returned by Alloc when every slot is occupied.
// Capacity is fixed at construction; there is no growth path.
var ErrExhausted = errors.New("arena: exhausted")

type slot[P any] struct {
	payload P
	next    Handle // free-list link, meaningful only while free
	used    bool
}

// Arena is a fixed pool of slots of type P. Alloc is O(1); Free walks
// the free list to keep it sorted by handle.
type Arena[P any] struct {
	slots    []slot[P]
	freeHead Handle
	inUse    uint32
}

// New creates an arena with the given capacity. All slots start free,
// chained in ascending handle order.
func New[P any](capacity uint32) *Arena[P] {
	a := &Arena[P]{
		slots:    make([]slot[P], capacity),
		freeHead: Nil,
	}
	a.chainFree()
	return a
}

func (a *Arena[P]) chainFree() {
	a.freeHead = Nil
	for i := int(len(a.slots)) - 1; i >= 0; i-- {
		if a.slots[i].used {
			continue
		}
		a.slots[i].next = a.freeHead
		a.freeHead = Handle(i)
	}
}

// Cap returns the fixed slot count.
func (a *Arena[P]) Cap() uint32 { return uint32(len(a.slots)) }

// Len returns the number of occupied slots.
func (a *Arena[P]) Len() uint32 { return a.inUse }

// Alloc takes a slot off the free list. The payload is the zero value
// of P.
func (a *Arena[P]) Alloc() (Handle, error) {
	if a.freeHead == Nil {
		return Nil, ErrExhausted
	}
	h := a.freeHead
	s := &a.slots[h]
	a.freeHead = s.next
	var zero P
	s.payload = zero
	s.next = Nil
	s.used = true
	a.inUse++
	return h, nil
}

// Free returns a slot to the free list. Freeing a handle that is not
// occupied is a corruption of the caller's bookkeeping and panics.
//
// The free list stays sorted by handle, so Alloc always takes the
// lowest free slot. Which handle an Alloc returns then depends only on
// the set of occupied slots, never on the free/alloc history; re-running
// a logged operation sequence against a reloaded region assigns the
// same handles the original run did.
func (a *Arena[P]) Free(h Handle) {
	s := a.slot(h)
	if !s.used {
		panic("arena: double free")
	}
	var zero P
	s.payload = zero
	s.used = false
	a.inUse--

	if a.freeHead == Nil || h < a.freeHead {
		s.next = a.freeHead
		a.freeHead = h
		return
	}
	prev := a.freeHead
	for a.slots[prev].next != Nil && a.slots[prev].next < h {
		prev = a.slots[prev].next
	}
	s.next = a.slots[prev].next
	a.slots[prev].next = h
}

// At returns the payload of an occupied slot.
func (a *Arena[P]) At(h Handle) *P {
	s := a.slot(h)
	if !s.used {
		panic("arena: access to free slot")
	}
	return &s.payload
}

// InUse reports whether h addresses an occupied slot. Out-of-range
// handles (including Nil) are simply not in use.
func (a *Arena[P]) InUse(h Handle) bool {
	if uint32(h) >= uint32(len(a.slots)) {
		return false
	}
	return a.slots[h].used
}

func (a *Arena[P]) slot(h Handle) *slot[P] {
	if uint32(h) >= uint32(len(a.slots)) {
		panic("arena: handle out of range")
	}
	return &a.slots[h]
}

// Slot is the externally visible state of one slot, used by region
// codecs that persist an arena.
type Slot[P any] struct {
	Used    bool
	Payload P
}

// Slots copies out the state of every slot in handle order.
func (a *Arena[P]) Slots() []Slot[P] {
	out := make([]Slot[P], len(a.slots))
	for i := range a.slots {
		out[i] = Slot[P]{Used: a.slots[i].used, Payload: a.slots[i].payload}
	}
	return out
}

// FromSlots rebuilds an arena from persisted slot states. Free slots
// are re-chained in ascending handle order; occupied handles keep
// their positions, so handles recorded elsewhere stay valid.
func FromSlots[P any](slots []Slot[P]) *Arena[P] {
	a := &Arena[P]{slots: make([]slot[P], len(slots))}
	for i, s := range slots {
		a.slots[i].payload = s.Payload
		a.slots[i].used = s.Used
		if s.Used {
			a.inUse++
		}
	}
	a.chainFree()
	return a
}
