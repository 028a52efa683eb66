package book

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"lendex/domain/arena"
	"lendex/domain/hypertree"
)

type tree = *hypertree.Tree[Order]

// Engine runs the crossing loop for one market. Every state-mutating
// call executes in three phases: a read-only plan over the opposite
// tree, external settlement of the planned fills, then application of
// the mutations. A failed collaborator call aborts between the first
// two phases, leaving trees and arena exactly as they were.
//
// The engine assumes single-writer access to its market for the
// duration of a call; the service layer's per-market lock provides it.
type Engine struct {
	market  *Market
	settler Settler
	pool    PoolDepositor
	globals GlobalLedger
	guard   AdmissionGuard
	now     func() int64
}

// NewEngine wires an engine over a market and its collaborators.
// guard may be nil (no admission check, used during replay).
func NewEngine(m *Market, settler Settler, pool PoolDepositor, globals GlobalLedger, guard AdmissionGuard) *Engine {
	return &Engine{
		market:  m,
		settler: settler,
		pool:    pool,
		globals: globals,
		guard:   guard,
		now:     func() int64 { return time.Now().Unix() },
	}
}

// SetClock overrides the expiry clock.
func (e *Engine) SetClock(fn func() int64) { e.now = fn }

// Market returns the engine's market.
func (e *Engine) Market() *Market { return e.market }

// Result is the outcome of one place or cancel operation.
type Result struct {
	State         OrderState
	TakerSeq      uint64
	Fills         []Fill
	Sweeps        []Sweep
	RestingHandle arena.Handle
	// Derived holds the outcomes of lend orders spawned by reverse
	// fills inside this operation, in spawn order.
	Derived []*Result
}

// FilledQuantity sums this result's own fills.
func (r *Result) FilledQuantity() uint64 {
	var total uint64
	for _, f := range r.Fills {
		total += f.Quantity
	}
	return total
}

type plannedFill struct {
	h     arena.Handle
	maker Order // copy taken at plan time
	qty   uint64
}

type plannedSweep struct {
	h      arena.Handle
	maker  Order
	reason SweepReason
}

type reverseSpawn struct {
	owner   Order
	rateBps uint16
	qty     uint64
}

// Place runs an incoming order through Received → Crossing and
// returns its terminal state for this operation.
func (e *Engine) Place(ctx context.Context, dir Direction, o Order) (*Result, error) {
	if err := e.validate(&o); err != nil {
		return nil, err
	}
	if e.guard != nil {
		if err := e.guard.AdmitOrder(ctx, o.Trader, o.Side, o.Quantity, o.RateBps); err != nil {
			return nil, err
		}
	}

	led := e.market.Ledger(dir)
	opp := led.tree(o.Side.Opposite())
	now := e.now()

	if o.Kind == PostOnly {
		for h := opp.Min(); h != arena.Nil; h = opp.Next(h) {
			mk := opp.Value(h)
			if !crosses(o.Side, o.RateBps, mk.RateBps) {
				break
			}
			if mk.Expired(now) || (mk.Kind == Global && !e.globals.Active(mk.Registry)) {
				continue
			}
			return nil, ErrWouldCross
		}
	}

	fills, sweeps, remaining := e.plan(opp, &o, now)

	// An incoming global order either fills whole in this pass or
	// rests whole. Anything in between would let sibling markets
	// jointly overdraw the shared deposit.
	if o.Kind == Global && remaining > 0 {
		fills = nil
		remaining = o.Quantity
	}

	restNeeded := remaining > 0 && o.Kind.CanRest()
	if restNeeded {
		same := led.tree(o.Side)
		if same.Size() >= same.Cap() {
			return nil, arena.ErrExhausted
		}
	}

	// The crossable range held nothing but invalidated global
	// siblings: surface that distinctly. The sweep still runs; it is
	// idempotent cleanup any caller may perform.
	if len(fills) == 0 && len(sweeps) > 0 && allInvalidated(sweeps) {
		res := &Result{State: Received, RestingHandle: arena.Nil}
		e.applySweeps(opp, dir, sweeps, res)
		return res, ErrInvalidatedGlobalOrder
	}

	if err := e.settle(ctx, &o, fills, sweeps, remaining, restNeeded); err != nil {
		return nil, err
	}

	res := e.apply(led, opp, dir, &o, fills, sweeps, remaining, restNeeded)

	// Reverse fills spawn derived lend orders that re-enter the
	// engine through the ordinary path.
	for _, sp := range e.collectSpawns(&o, fills, res) {
		dres, err := e.Place(ctx, dir, Order{
			Trader:   sp.owner.Trader,
			Side:     Lend,
			Kind:     Limit,
			RateBps:  sp.rateBps,
			Quantity: sp.qty,
			Expiry:   sp.owner.Expiry,
			Registry: arena.Nil,
		})
		if dres != nil {
			res.Derived = append(res.Derived, dres)
		}
		if err != nil {
			return res, fmt.Errorf("derived lend order: %w", err)
		}
	}
	return res, nil
}

func allInvalidated(sweeps []plannedSweep) bool {
	for _, s := range sweeps {
		if s.reason != SweepInvalidatedGlobal {
			return false
		}
	}
	return true
}

func (e *Engine) validate(o *Order) error {
	if o.Quantity == 0 {
		return fmt.Errorf("%w: zero quantity", ErrInvalidRequest)
	}
	switch o.Kind {
	case Global:
		if e.globals == nil {
			return fmt.Errorf("%w: no global registry wired", ErrInvalidRequest)
		}
		if o.Side != Lend {
			return fmt.Errorf("%w: global orders are lend side only", ErrInvalidRequest)
		}
		if o.Registry == arena.Nil {
			return fmt.Errorf("%w: global order without registry entry", ErrInvalidRequest)
		}
		if !e.globals.Active(o.Registry) {
			return ErrInvalidatedGlobalOrder
		}
	case Reverse:
		if o.Side != Borrow {
			return fmt.Errorf("%w: reverse orders are borrow side only", ErrInvalidRequest)
		}
	case P2P2Pool:
		if e.pool == nil {
			return fmt.Errorf("%w: no pool depositor wired", ErrInvalidRequest)
		}
	}
	if o.Kind != Global && o.Registry != arena.Nil {
		return fmt.Errorf("%w: registry entry on non-global order", ErrInvalidRequest)
	}
	return nil
}

// plan walks the opposite tree read-only and decides which makers
// fill, which get swept, and what remains.
func (e *Engine) plan(opp tree, o *Order, now int64) ([]plannedFill, []plannedSweep, uint64) {
	remaining := o.Quantity
	if !o.Kind.CanTake() {
		return nil, nil, remaining
	}
	var fills []plannedFill
	var sweeps []plannedSweep
	for h := opp.Min(); h != arena.Nil; h = opp.Next(h) {
		mk := opp.Value(h)
		if !crosses(o.Side, o.RateBps, mk.RateBps) {
			break
		}
		if mk.Expired(now) {
			sweeps = append(sweeps, plannedSweep{h, *mk, SweepExpired})
			continue
		}
		if mk.Kind == Global && !e.globals.Active(mk.Registry) {
			sweeps = append(sweeps, plannedSweep{h, *mk, SweepInvalidatedGlobal})
			continue
		}
		qty := remaining
		if mk.Quantity < qty {
			qty = mk.Quantity
		}
		// A global maker fills whole or not at all. A taker too small
		// to absorb it skips past to deeper liquidity.
		if mk.Kind == Global && qty < mk.Quantity {
			continue
		}
		fills = append(fills, plannedFill{h: h, maker: *mk, qty: qty})
		remaining -= qty
		if remaining == 0 {
			break
		}
	}
	return fills, sweeps, remaining
}

// settle claims global registry entries, recalls pooled capital that
// is about to move, and runs the external settlement for every
// planned fill. Nothing in the trees has been touched yet; any error
// here aborts the operation whole, and every claim taken so far is
// handed back so the shared deposits stay matchable.
func (e *Engine) settle(ctx context.Context, o *Order, fills []plannedFill, sweeps []plannedSweep, remaining uint64, restNeeded bool) (err error) {
	var claimed []arena.Handle
	defer func() {
		if err != nil {
			for _, h := range claimed {
				e.globals.Release(h)
			}
		}
	}()

	// Claim first. Losing the cross-market race on a shared deposit
	// must abort before any principal moves.
	for _, f := range fills {
		if f.maker.Kind == Global {
			if cerr := e.globals.OnFill(f.maker.Registry); cerr != nil {
				return ErrInvalidatedGlobalOrder
			}
			claimed = append(claimed, f.maker.Registry)
		}
	}
	if o.Kind == Global && remaining == 0 {
		if cerr := e.globals.OnFill(o.Registry); cerr != nil {
			return ErrInvalidatedGlobalOrder
		}
		claimed = append(claimed, o.Registry)
	}
	for _, f := range fills {
		if f.maker.Kind == P2P2Pool {
			if err := e.pool.Withdraw(ctx, f.maker.Trader, e.market.ID, f.qty); err != nil {
				return fmt.Errorf("%w: pool withdraw: %v", ErrCollaboratorFailure, err)
			}
		}
	}
	for _, s := range sweeps {
		if s.maker.Kind == P2P2Pool {
			if err := e.pool.Withdraw(ctx, s.maker.Trader, e.market.ID, s.maker.Quantity); err != nil {
				return fmt.Errorf("%w: pool withdraw: %v", ErrCollaboratorFailure, err)
			}
		}
	}
	for _, f := range fills {
		lender, borrower := o.Trader, f.maker.Trader
		if o.Side == Borrow {
			lender, borrower = f.maker.Trader, o.Trader
		}
		if err := e.settler.Settle(ctx, lender, borrower, e.market.ID, f.qty, f.maker.RateBps); err != nil {
			return fmt.Errorf("%w: settle: %v", ErrCollaboratorFailure, err)
		}
	}
	if restNeeded && o.Kind == P2P2Pool {
		if err := e.pool.Deposit(ctx, o.Trader, e.market.ID, remaining); err != nil {
			return fmt.Errorf("%w: pool deposit: %v", ErrCollaboratorFailure, err)
		}
	}
	return nil
}

func (e *Engine) applySweeps(opp tree, dir Direction, sweeps []plannedSweep, res *Result) {
	for _, s := range sweeps {
		if s.maker.Kind == Global && s.maker.Registry != arena.Nil {
			e.globals.Detach(s.maker.Registry, e.market.ID, dir, s.h)
		}
		res.Sweeps = append(res.Sweeps, Sweep{
			Market:    e.market.ID,
			Direction: dir,
			Trader:    s.maker.Trader,
			Seq:       s.maker.Seq,
			Reason:    s.reason,
		})
		opp.Remove(s.h)
	}
}

// apply commits the planned mutations. No error paths remain here:
// everything fallible already ran.
func (e *Engine) apply(led *Ledger, opp tree, dir Direction, o *Order, fills []plannedFill, sweeps []plannedSweep, remaining uint64, restNeeded bool) *Result {
	takerSeq := led.nextSeq(o.Side)
	res := &Result{TakerSeq: takerSeq, RestingHandle: arena.Nil}

	e.applySweeps(opp, dir, sweeps, res)

	for _, f := range fills {
		mk := opp.Value(f.h)
		mk.Quantity -= f.qty
		led.matchVolume += f.qty

		lender, borrower := o.Trader, mk.Trader
		if o.Side == Borrow {
			lender, borrower = mk.Trader, o.Trader
		}
		res.Fills = append(res.Fills, Fill{
			Market:    e.market.ID,
			Direction: dir,
			Lender:    lender,
			Borrower:  borrower,
			MakerSeq:  mk.Seq,
			TakerSeq:  takerSeq,
			RateBps:   mk.RateBps,
			Quantity:  f.qty,
			Global:    mk.Kind == Global || o.Kind == Global,
		})
		if mk.Quantity == 0 {
			if mk.Kind == Global && mk.Registry != arena.Nil {
				e.globals.Detach(mk.Registry, e.market.ID, dir, f.h)
			}
			opp.Remove(f.h)
		}
	}

	if restNeeded {
		rest := *o
		rest.Quantity = remaining
		rest.Seq = takerSeq
		h, err := led.tree(o.Side).Insert(rest)
		if err != nil {
			// Capacity was checked before settlement; reaching this
			// means the single-writer assumption was broken.
			panic(fmt.Sprintf("book: rest insert after capacity check: %v", err))
		}
		res.RestingHandle = h
		if o.Kind == Global {
			if aerr := e.globals.Attach(o.Registry, e.market.ID, dir, h); aerr != nil {
				panic(fmt.Sprintf("book: attach validated global entry: %v", aerr))
			}
		}
	}

	switch {
	case len(res.Fills) > 0 && remaining == 0:
		res.State = FullyFilled
	case len(res.Fills) > 0:
		res.State = PartiallyFilled
	case restNeeded:
		res.State = Resting
	default:
		res.State = Cancelled // IOC with nothing crossable
	}
	return res
}

// derivedRate adds the reverse spread onto a fill rate, saturating at
// the bps ceiling instead of wrapping.
func derivedRate(rateBps, spreadBps uint16) uint16 {
	if sum := uint32(rateBps) + uint32(spreadBps); sum <= math.MaxUint16 {
		return uint16(sum)
	}
	return math.MaxUint16
}

// collectSpawns gathers the derived lend orders owed by reverse fills
// in this operation: the taker itself when it is a reverse order, and
// every reverse maker it consumed.
func (e *Engine) collectSpawns(o *Order, fills []plannedFill, res *Result) []reverseSpawn {
	var spawns []reverseSpawn
	if o.Kind == Reverse && len(res.Fills) > 0 {
		last := res.Fills[len(res.Fills)-1]
		spawns = append(spawns, reverseSpawn{
			owner:   *o,
			rateBps: derivedRate(last.RateBps, o.SpreadBps),
			qty:     res.FilledQuantity(),
		})
	}
	for _, f := range fills {
		if f.maker.Kind == Reverse {
			spawns = append(spawns, reverseSpawn{
				owner:   f.maker,
				rateBps: derivedRate(f.maker.RateBps, f.maker.SpreadBps),
				qty:     f.qty,
			})
		}
	}
	return spawns
}

// Cancel removes a resting order. Idempotent against concurrent
// consumption: a handle that no longer rests is NotFound, and an
// invalidated global sibling is cleaned up and reported distinctly.
func (e *Engine) Cancel(ctx context.Context, dir Direction, side Side, h arena.Handle, trader uuid.UUID) (*Result, error) {
	led := e.market.Ledger(dir)
	tr := led.tree(side)
	if !tr.Has(h) {
		return nil, ErrNotFound
	}
	o := tr.Value(h)
	if o.Trader != trader {
		return nil, ErrUnauthorized
	}
	if o.Kind == Global && !e.globals.Active(o.Registry) {
		e.globals.Detach(o.Registry, e.market.ID, dir, h)
		tr.Remove(h)
		return &Result{State: Cancelled, RestingHandle: arena.Nil}, ErrInvalidatedGlobalOrder
	}
	if o.Kind == P2P2Pool {
		if err := e.pool.Withdraw(ctx, o.Trader, e.market.ID, o.Quantity); err != nil {
			return nil, fmt.Errorf("%w: pool withdraw: %v", ErrCollaboratorFailure, err)
		}
	}
	if o.Kind == Global && o.Registry != arena.Nil {
		e.globals.Detach(o.Registry, e.market.ID, dir, h)
	}
	tr.Remove(h)
	return &Result{State: Cancelled, RestingHandle: arena.Nil}, nil
}

// SweepGlobal removes a resting global order whose registry entry is
// no longer active. Used by the reaper to clean dead siblings eagerly
// instead of waiting for a match walk to trip over them. Reports
// whether anything was removed.
func (e *Engine) SweepGlobal(dir Direction, h arena.Handle) bool {
	tr := e.market.Ledger(dir).tree(Lend)
	if !tr.Has(h) {
		return false
	}
	o := tr.Value(h)
	if o.Kind != Global || e.globals.Active(o.Registry) {
		return false
	}
	tr.Remove(h)
	return true
}

// CancelBySequence scans a side for the order placed with seq and
// cancels it. Convenience path for callers that kept the sequence
// from a place acknowledgement instead of the handle.
func (e *Engine) CancelBySequence(ctx context.Context, dir Direction, side Side, seq uint64, trader uuid.UUID) (*Result, error) {
	h := e.market.Ledger(dir).FindBySequence(side, seq)
	if h == arena.Nil {
		return nil, ErrNotFound
	}
	return e.Cancel(ctx, dir, side, h, trader)
}
