// Package global tracks orders backed by a single deposit shared
// across market pairs. Exactly one order referencing an entry may
// ever fill; the claim is decided here, under one lock, no matter in
// which order the markets' operations are admitted.
package global

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"lendex/domain/arena"
	"lendex/domain/book"
)

var (
	// ErrNotFound covers operations on entries that were never
	// registered or were already reaped.
	ErrNotFound = errors.New("global: entry not found")

	// ErrConsumed rejects a fill claim on an entry that already won
	// or lost the race.
	ErrConsumed = errors.New("global: entry no longer active")

	// ErrStillActive rejects a reap of an entry whose deposit is
	// still live.
	ErrStillActive = errors.New("global: entry still active")
)

// Status is an entry's position in its lifecycle.
type Status uint8

const (
	Active Status = iota
	Consumed
	Invalidated
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Consumed:
		return "consumed"
	case Invalidated:
		return "invalidated"
	}
	return "unknown"
}

// OrderRef locates one resting order placed against an entry's
// deposit.
type OrderRef struct {
	Market string
	Dir    book.Direction
	Order  arena.Handle
}

// Entry is one shared deposit and the orders placed against it.
type Entry struct {
	Trader  uuid.UUID
	Deposit uint64
	Fee     uint64
	Status  Status
	Refs    []OrderRef
}

// Config sizes the registry. Fee is charged at registration and
// refunded to whoever reaps the entry once it is dead, so cleanup of
// invalidated siblings pays for itself.
type Config struct {
	Capacity uint32
	Fee      uint64
}

// DefaultFee is the registration fee in quote atoms when none is
// configured.
const DefaultFee uint64 = 5000

// Registry is the shared-deposit ledger. All methods are safe for
// concurrent use; the internal lock is the serialization point the
// markets race on.
type Registry struct {
	mu      sync.Mutex
	entries *arena.Arena[Entry]
	fee     uint64
}

// NewRegistry creates a registry with at most cfg.Capacity live
// entries.
func NewRegistry(cfg Config) *Registry {
	fee := cfg.Fee
	if fee == 0 {
		fee = DefaultFee
	}
	return &Registry{
		entries: arena.New[Entry](cfg.Capacity),
		fee:     fee,
	}
}

// Fee returns the configured registration fee.
func (r *Registry) Fee() uint64 { return r.fee }

// Register opens an entry for a shared deposit and returns its handle
// and the fee charged. The caller is expected to have collected
// deposit+fee from the trader before calling.
func (r *Registry) Register(trader uuid.UUID, deposit uint64) (arena.Handle, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, err := r.entries.Alloc()
	if err != nil {
		return arena.Nil, 0, err
	}
	*r.entries.At(h) = Entry{
		Trader:  trader,
		Deposit: deposit,
		Fee:     r.fee,
		Status:  Active,
	}
	return h, r.fee, nil
}

// Active reports whether the entry may still fill. The result is only
// as fresh as the moment of the call; callers re-check at every use.
func (r *Registry) Active(h arena.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.entries.InUse(h) {
		return false
	}
	return r.entries.At(h).Status == Active
}

// Entry returns a copy of the entry's state.
func (r *Registry) Entry(h arena.Handle) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.entries.InUse(h) {
		return Entry{}, ErrNotFound
	}
	e := *r.entries.At(h)
	e.Refs = append([]OrderRef(nil), e.Refs...)
	return e, nil
}

// Attach records a resting order against the entry.
func (r *Registry) Attach(h arena.Handle, market string, dir book.Direction, order arena.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.entries.InUse(h) {
		return ErrNotFound
	}
	e := r.entries.At(h)
	if e.Status != Active {
		return ErrConsumed
	}
	e.Refs = append(e.Refs, OrderRef{Market: market, Dir: dir, Order: order})
	return nil
}

// Detach drops one order reference, as on cancel or sweep. Unknown
// references are ignored; detaching races with sweeps and must be
// idempotent.
func (r *Registry) Detach(h arena.Handle, market string, dir book.Direction, order arena.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.entries.InUse(h) {
		return
	}
	e := r.entries.At(h)
	for i, ref := range e.Refs {
		if ref.Market == market && ref.Dir == dir && ref.Order == order {
			e.Refs = append(e.Refs[:i], e.Refs[i+1:]...)
			return
		}
	}
}

// OnFill claims the entry's deposit for exactly one fill. The first
// caller wins and flips the entry to Consumed; every later caller
// gets ErrConsumed, regardless of admission order.
func (r *Registry) OnFill(h arena.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.entries.InUse(h) {
		return ErrNotFound
	}
	e := r.entries.At(h)
	if e.Status != Active {
		return ErrConsumed
	}
	e.Status = Consumed
	return nil
}

// Release undoes a fill claim after the claiming operation aborts, so
// the shared deposit stays matchable when a collaborator call failed
// downstream of the claim. Only Consumed flips back to Active; an
// entry invalidated in the meantime stays dead.
func (r *Registry) Release(h arena.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.entries.InUse(h) {
		return
	}
	e := r.entries.At(h)
	if e.Status == Consumed {
		e.Status = Active
	}
}

// Invalidate marks an entry dead without a fill, as when its deposit
// is withdrawn out-of-band. Idempotent.
func (r *Registry) Invalidate(h arena.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.entries.InUse(h) {
		return ErrNotFound
	}
	e := r.entries.At(h)
	if e.Status == Active {
		e.Status = Invalidated
	}
	return nil
}

// Siblings returns the order references of an entry minus the given
// winner, so a caller can sweep the losers eagerly instead of waiting
// for lazy sweeps in match walks.
func (r *Registry) Siblings(h arena.Handle, exceptMarket string, exceptDir book.Direction, exceptOrder arena.Handle) []OrderRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.entries.InUse(h) {
		return nil
	}
	var out []OrderRef
	for _, ref := range r.entries.At(h).Refs {
		if ref.Market == exceptMarket && ref.Dir == exceptDir && ref.Order == exceptOrder {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// Reap frees a dead entry, returning the fee owed to the cleaner and
// the order references still to be removed from their ledgers.
// Reaping a live entry fails with ErrStillActive; reaping a freed
// handle is NotFound, so concurrent cleaners cannot double-collect.
func (r *Registry) Reap(h arena.Handle) (uint64, []OrderRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.entries.InUse(h) {
		return 0, nil, ErrNotFound
	}
	e := r.entries.At(h)
	if e.Status == Active {
		return 0, nil, ErrStillActive
	}
	fee := e.Fee
	refs := append([]OrderRef(nil), e.Refs...)
	r.entries.Free(h)
	return fee, refs, nil
}

// EntryState pairs an entry with its handle for snapshotting.
type EntryState struct {
	Handle arena.Handle `json:"handle"`
	Entry  Entry        `json:"entry"`
}

// Export copies out every live entry with its handle, for the
// snapshot writer.
func (r *Registry) Export() []EntryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EntryState
	for i, s := range r.entries.Slots() {
		if !s.Used {
			continue
		}
		e := s.Payload
		e.Refs = append([]OrderRef(nil), e.Refs...)
		out = append(out, EntryState{Handle: arena.Handle(i), Entry: e})
	}
	return out
}

// Restore rebuilds the registry from exported state. Entries keep
// their handles, so order records pointing at them stay valid.
func (r *Registry) Restore(states []EntryState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slots := make([]arena.Slot[Entry], r.entries.Cap())
	for _, s := range states {
		if uint32(s.Handle) >= uint32(len(slots)) {
			return fmt.Errorf("global: restore handle %d beyond capacity %d", s.Handle, len(slots))
		}
		slots[s.Handle] = arena.Slot[Entry]{Used: true, Payload: s.Entry}
	}
	r.entries = arena.FromSlots(slots)
	return nil
}

// Len returns the live entry count.
func (r *Registry) Len() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Len()
}

var _ book.GlobalLedger = (*Registry)(nil)
