package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lendex/domain/arena"
	"lendex/domain/book"
	"lendex/domain/global"
	"lendex/infra/wal"
)

// nop collaborators for replay: settlement and pool movements already
// happened in the original run, so re-running them would double-move
// funds. The trees and registry are rebuilt from the requests alone.
type nopSettler struct{}

func (nopSettler) Settle(context.Context, uuid.UUID, uuid.UUID, string, uint64, uint16) error {
	return nil
}

type nopPool struct{}

func (nopPool) Deposit(context.Context, uuid.UUID, string, uint64) error  { return nil }
func (nopPool) Withdraw(context.Context, uuid.UUID, string, uint64) error { return nil }

// Replay re-runs the logged requests after snapSeq against the given
// markets and registry, and returns the last sequence in the log. Two
// passes: the first collects abort records, the second applies every
// record that is past the snapshot, not voided, and not itself an
// abort.
//
// Each record replays under the clock it was logged at, so expiry
// sweeps fall exactly where they fell in the original run. Handle
// assignment is reproducible because arena allocation depends only on
// the occupied set.
func Replay(log *zap.Logger, walDir string, snapSeq uint64, markets map[string]*book.Market, reg *global.Registry) (uint64, error) {
	aborted := make(map[uint64]bool)
	if _, err := wal.Replay(walDir, func(rec *wal.Record) error {
		if rec.Type != wal.RecordAbort {
			return nil
		}
		p, err := wal.UnmarshalPayload(rec.Data)
		if err != nil {
			return err
		}
		aborted[p.OrderSeq] = true
		return nil
	}); err != nil {
		return 0, err
	}

	engines := make(map[string]*book.Engine, len(markets))
	for id, m := range markets {
		engines[id] = book.NewEngine(m, nopSettler{}, nopPool{}, reg, nil)
	}

	ctx := context.Background()
	var applied, skipped int
	lastSeq, err := wal.Replay(walDir, func(rec *wal.Record) error {
		if rec.Type == wal.RecordAbort || rec.Seq <= snapSeq || aborted[rec.Seq] {
			skipped++
			return nil
		}
		p, err := wal.UnmarshalPayload(rec.Data)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		if err := applyRecord(ctx, log, rec, p, engines, reg); err != nil {
			return fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		applied++
		return nil
	})
	if err != nil {
		return lastSeq, err
	}

	log.Info("wal replay complete",
		zap.Uint64("snapshot_seq", snapSeq),
		zap.Uint64("last_seq", lastSeq),
		zap.Int("applied", applied),
		zap.Int("skipped", skipped))
	return lastSeq, nil
}

func applyRecord(ctx context.Context, log *zap.Logger, rec *wal.Record, p *wal.Payload, engines map[string]*book.Engine, reg *global.Registry) error {
	switch rec.Type {
	case wal.RecordPlace:
		req := placeFromPayload(p)
		eng, ok := engines[req.Market]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownMarket, req.Market)
		}
		loggedAt := rec.Time / int64(time.Second)
		eng.SetClock(func() int64 { return loggedAt })
		if _, err := eng.Place(ctx, req.Direction, req.order()); err != nil {
			// A rejection without an abort record still mutated the
			// book (sweeps); reproducing the rejection is the point.
			log.Debug("replayed place rejected",
				zap.Uint64("seq", rec.Seq), zap.Error(err))
		}

	case wal.RecordCancel:
		req := cancelFromPayload(p)
		eng, ok := engines[req.Market]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownMarket, req.Market)
		}
		if _, err := cancelOn(ctx, eng, req); err != nil && !errors.Is(err, book.ErrNotFound) {
			log.Debug("replayed cancel rejected",
				zap.Uint64("seq", rec.Seq), zap.Error(err))
		}

	case wal.RecordRegisterGlobal:
		if _, _, err := reg.Register(p.Trader, p.Deposit); err != nil {
			return fmt.Errorf("register global: %w", err)
		}

	case wal.RecordInvalidateGlobal:
		if err := reg.Invalidate(arena.Handle(p.Registry)); err != nil && !errors.Is(err, global.ErrNotFound) {
			return fmt.Errorf("invalidate global: %w", err)
		}

	case wal.RecordReapGlobal:
		_, refs, err := reg.Reap(arena.Handle(p.Registry))
		if err != nil {
			return fmt.Errorf("reap global: %w", err)
		}
		for _, ref := range refs {
			if eng, ok := engines[ref.Market]; ok {
				eng.SweepGlobal(ref.Dir, ref.Order)
			}
		}

	default:
		return fmt.Errorf("unknown record type %d", rec.Type)
	}
	return nil
}
