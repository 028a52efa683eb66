// Package service is the write path around the matching engines: it
// admits orders against the collateral buffer, logs every mutating
// request to the WAL before the engine runs, hands fills to the
// outbox, and owns the per-market locks that make each engine a
// single-writer domain.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lendex/domain/arena"
	"lendex/domain/book"
	"lendex/domain/global"
	"lendex/infra/outbox"
	"lendex/infra/sequence"
	"lendex/infra/wal"
)

// ErrUnknownMarket rejects requests naming a market the service was
// not configured with.
var ErrUnknownMarket = errors.New("service: unknown market")

type marketState struct {
	mu     sync.Mutex
	engine *book.Engine
}

// OrderService serializes all mutating operations per market. The
// admission guard runs here, before the WAL append, so that replay
// never needs to consult it: engines are always built without one.
type OrderService struct {
	log      *zap.Logger
	wal      *wal.WAL
	outbox   *outbox.Outbox
	seq      *sequence.Sequencer
	registry *global.Registry
	guard    book.AdmissionGuard
	metrics  *Metrics
	markets  map[string]*marketState

	// globalMu serializes registry-level operations against snapshot
	// cuts. Place and cancel are covered by their market lock alone.
	globalMu sync.Mutex
}

// New wires a service over already-restored markets. guard may be nil
// to disable collateral admission.
func New(
	log *zap.Logger,
	w *wal.WAL,
	ob *outbox.Outbox,
	seqr *sequence.Sequencer,
	reg *global.Registry,
	guard book.AdmissionGuard,
	settler book.Settler,
	pool book.PoolDepositor,
	metrics *Metrics,
	markets map[string]*book.Market,
) *OrderService {
	s := &OrderService{
		log:      log,
		wal:      w,
		outbox:   ob,
		seq:      seqr,
		registry: reg,
		guard:    guard,
		metrics:  metrics,
		markets:  make(map[string]*marketState, len(markets)),
	}
	for id, m := range markets {
		s.markets[id] = &marketState{
			engine: book.NewEngine(m, settler, pool, reg, nil),
		}
	}
	return s
}

// PlaceOrder admits, logs and executes one order. On engine rejection
// that mutated nothing an abort record voids the logged request, so
// replay skips it.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceRequest) (*book.Result, error) {
	st, ok := s.markets[req.Market]
	if !ok {
		return nil, ErrUnknownMarket
	}
	if s.guard != nil {
		if err := s.guard.AdmitOrder(ctx, req.Trader, req.Side, req.Quantity, req.RateBps); err != nil {
			s.metrics.rejects.WithLabelValues(rejectReason(err)).Inc()
			s.log.Info("order refused at admission",
				zap.String("market", req.Market),
				zap.Stringer("trader", req.Trader),
				zap.Error(err))
			return nil, err
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	opSeq := s.seq.Next()
	if err := s.append(wal.RecordPlace, opSeq, req.payload()); err != nil {
		return nil, err
	}

	res, err := st.engine.Place(ctx, req.Direction, req.order())
	if err != nil {
		if res == nil {
			// Nothing mutated; void the logged request.
			s.abort(opSeq)
			s.metrics.rejects.WithLabelValues(rejectReason(err)).Inc()
		}
		// An invalidated global sibling surfaces as not-found to the
		// caller but is logged apart: it names dead capital someone
		// can reap for the fee.
		if errors.Is(err, book.ErrInvalidatedGlobalOrder) {
			s.log.Warn("match walk hit invalidated global order",
				zap.String("market", req.Market),
				zap.Uint64("op_seq", opSeq),
				zap.Error(err))
		} else {
			s.log.Info("order rejected",
				zap.String("market", req.Market),
				zap.Uint64("op_seq", opSeq),
				zap.Error(err))
		}
		if res == nil {
			return nil, err
		}
	}

	s.recordResult(req.Market, opSeq, req.Kind, res)
	return res, err
}

// CancelOrder removes a resting order by handle, or by order sequence
// when Handle is arena.Nil.
func (s *OrderService) CancelOrder(ctx context.Context, req CancelRequest) (*book.Result, error) {
	st, ok := s.markets[req.Market]
	if !ok {
		return nil, ErrUnknownMarket
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	opSeq := s.seq.Next()
	if err := s.append(wal.RecordCancel, opSeq, req.payload()); err != nil {
		return nil, err
	}

	res, err := cancelOn(ctx, st.engine, req)
	if err != nil {
		if res == nil {
			s.abort(opSeq)
			s.metrics.rejects.WithLabelValues(rejectReason(err)).Inc()
			return nil, err
		}
		// Invalidated global: the order was removed, but the caller
		// sees not-found semantics.
		s.log.Warn("cancelled invalidated global order",
			zap.String("market", req.Market),
			zap.Uint64("op_seq", opSeq))
	}
	s.metrics.cancels.Inc()
	s.log.Debug("order cancelled",
		zap.String("market", req.Market),
		zap.Uint64("op_seq", opSeq))
	return res, err
}

func cancelOn(ctx context.Context, eng *book.Engine, req CancelRequest) (*book.Result, error) {
	if req.Handle != arena.Nil {
		return eng.Cancel(ctx, req.Direction, req.Side, req.Handle, req.Trader)
	}
	return eng.CancelBySequence(ctx, req.Direction, req.Side, req.OrderSeq, req.Trader)
}

// RegisterGlobal opens a shared-deposit entry and returns its handle
// and the fee charged on top of the deposit.
func (s *OrderService) RegisterGlobal(ctx context.Context, trader uuid.UUID, deposit uint64) (arena.Handle, uint64, error) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	opSeq := s.seq.Next()
	p := &wal.Payload{Trader: trader, Deposit: deposit}
	if err := s.append(wal.RecordRegisterGlobal, opSeq, p); err != nil {
		return arena.Nil, 0, err
	}
	h, fee, err := s.registry.Register(trader, deposit)
	if err != nil {
		s.abort(opSeq)
		s.metrics.rejects.WithLabelValues(rejectReason(err)).Inc()
		return arena.Nil, 0, err
	}
	s.metrics.globalOps.WithLabelValues("register").Inc()
	s.log.Info("global entry registered",
		zap.Stringer("trader", trader),
		zap.Uint64("deposit", deposit),
		zap.Uint32("entry", uint32(h)))
	return h, fee, nil
}

// InvalidateGlobal marks an entry dead without a fill, as when its
// deposit is withdrawn out-of-band. Resting siblings stay in their
// trees until swept or reaped.
func (s *OrderService) InvalidateGlobal(ctx context.Context, h arena.Handle) error {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	opSeq := s.seq.Next()
	p := &wal.Payload{Registry: uint32(h)}
	if err := s.append(wal.RecordInvalidateGlobal, opSeq, p); err != nil {
		return err
	}
	if err := s.registry.Invalidate(h); err != nil {
		s.abort(opSeq)
		return err
	}
	s.metrics.globalOps.WithLabelValues("invalidate").Inc()
	return nil
}

// ReapInvalidated frees a dead global entry, sweeps its resting
// siblings out of their ledgers, and returns the fee owed to the
// caller for the cleanup.
func (s *OrderService) ReapInvalidated(ctx context.Context, h arena.Handle) (uint64, error) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	opSeq := s.seq.Next()
	p := &wal.Payload{Registry: uint32(h)}
	if err := s.append(wal.RecordReapGlobal, opSeq, p); err != nil {
		return 0, err
	}
	fee, refs, err := s.registry.Reap(h)
	if err != nil {
		s.abort(opSeq)
		s.metrics.rejects.WithLabelValues(rejectReason(err)).Inc()
		return 0, err
	}
	s.sweepRefs(refs)
	s.metrics.globalOps.WithLabelValues("reap").Inc()
	s.log.Info("global entry reaped",
		zap.Uint32("entry", uint32(h)),
		zap.Uint64("fee", fee),
		zap.Int("siblings", len(refs)))
	return fee, nil
}

func (s *OrderService) sweepRefs(refs []global.OrderRef) {
	for _, ref := range refs {
		st, ok := s.markets[ref.Market]
		if !ok {
			continue
		}
		st.mu.Lock()
		if st.engine.SweepGlobal(ref.Dir, ref.Order) {
			s.metrics.sweeps.WithLabelValues(ref.Market, book.SweepInvalidatedGlobal.String()).Inc()
		}
		st.mu.Unlock()
	}
}

// DepthLevel is one aggregated rate level of a book side.
type DepthLevel struct {
	RateBps  uint16 `json:"rate_bps"`
	Quantity uint64 `json:"quantity"`
	Orders   uint32 `json:"orders"`
}

// Depth aggregates a side's resting orders by rate, best first, up to
// maxLevels (0 for all).
func (s *OrderService) Depth(market string, dir book.Direction, side book.Side, maxLevels int) ([]DepthLevel, error) {
	st, ok := s.markets[market]
	if !ok {
		return nil, ErrUnknownMarket
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	var levels []DepthLevel
	st.engine.Market().Ledger(dir).Walk(side, func(_ arena.Handle, o *book.Order) bool {
		if n := len(levels); n > 0 && levels[n-1].RateBps == o.RateBps {
			levels[n-1].Quantity += o.Quantity
			levels[n-1].Orders++
			return true
		}
		if maxLevels > 0 && len(levels) == maxLevels {
			return false
		}
		levels = append(levels, DepthLevel{RateBps: o.RateBps, Quantity: o.Quantity, Orders: 1})
		return true
	})
	return levels, nil
}

// Markets lists the configured market IDs.
func (s *OrderService) Markets() []string {
	ids := make([]string, 0, len(s.markets))
	for id := range s.markets {
		ids = append(ids, id)
	}
	return ids
}

func (s *OrderService) append(t wal.RecordType, seq uint64, p *wal.Payload) error {
	start := time.Now()
	err := s.wal.Append(wal.NewRecord(t, seq, p.Marshal()))
	s.metrics.walAppend.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("service: wal append: %w", err)
	}
	return nil
}

// abort voids a logged request that was rejected without mutating
// anything. A failed abort append is logged and tolerated: the WAL is
// already failing writes at that point and the next operation will
// surface it.
func (s *OrderService) abort(opSeq uint64) {
	p := &wal.Payload{OrderSeq: opSeq}
	if err := s.wal.Append(wal.NewRecord(wal.RecordAbort, s.seq.Next(), p.Marshal())); err != nil {
		s.log.Error("abort record append failed",
			zap.Uint64("voided_seq", opSeq),
			zap.Error(err))
	}
}

// recordResult counts the outcome and enqueues every fill, including
// those of derived lend orders, on the outbox. Outbox keys derive from
// the operation sequence so they are unique and replay-stable.
func (s *OrderService) recordResult(market string, opSeq uint64, kind book.Kind, res *book.Result) {
	s.metrics.ordersPlaced.WithLabelValues(market, kind.String()).Inc()

	i := 0
	var emit func(r *book.Result)
	emit = func(r *book.Result) {
		for _, f := range r.Fills {
			s.metrics.fills.WithLabelValues(market).Inc()
			s.metrics.fillVolume.WithLabelValues(market).Add(float64(f.Quantity))
			data, err := json.Marshal(f)
			if err != nil {
				s.log.Error("fill marshal failed", zap.Error(err))
				continue
			}
			key := opSeq<<12 | uint64(i)
			i++
			if err := s.outbox.PutNew(key, data); err != nil {
				s.log.Error("outbox put failed",
					zap.Uint64("key", key), zap.Error(err))
			}
		}
		for _, sw := range r.Sweeps {
			s.metrics.sweeps.WithLabelValues(market, sw.Reason.String()).Inc()
		}
		for _, d := range r.Derived {
			emit(d)
		}
	}
	emit(res)

	s.log.Debug("order processed",
		zap.String("market", market),
		zap.Uint64("op_seq", opSeq),
		zap.Stringer("state", res.State),
		zap.Int("fills", len(res.Fills)),
		zap.Uint64("filled", res.FilledQuantity()))
}
