package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"lendex/domain/book"
	"lendex/snapshot"
)

// Snapshot writes one consistent cut of every market and the global
// registry, then drops WAL segments the snapshot covers and collects
// acked outbox entries. All market locks and the global-ops lock are
// held for the duration of the write, so the sequence read here bounds
// every mutation in the file.
func (s *OrderService) Snapshot(w *snapshot.Writer) (uint64, error) {
	ids := s.Markets()
	sort.Strings(ids)

	s.globalMu.Lock()
	for _, id := range ids {
		s.markets[id].mu.Lock()
	}
	seq := s.seq.Current()
	markets := make([]*book.Market, 0, len(ids))
	for _, id := range ids {
		markets = append(markets, s.markets[id].engine.Market())
	}
	err := w.Write(seq, markets, s.registry)
	for i := len(ids) - 1; i >= 0; i-- {
		s.markets[ids[i]].mu.Unlock()
	}
	s.globalMu.Unlock()
	if err != nil {
		return 0, err
	}

	if err := s.wal.TruncateBefore(seq); err != nil {
		s.log.Warn("wal truncation failed", zap.Error(err))
	}
	if n, err := s.outbox.GC(); err != nil {
		s.log.Warn("outbox gc failed", zap.Error(err))
	} else if n > 0 {
		s.log.Debug("outbox gc", zap.Int("removed", n))
	}
	return seq, nil
}

// RunSnapshots takes a snapshot every interval until ctx is done.
func (s *OrderService) RunSnapshots(ctx context.Context, w *snapshot.Writer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			seq, err := s.Snapshot(w)
			if err != nil {
				s.log.Error("snapshot failed", zap.Error(err))
				continue
			}
			s.log.Info("snapshot written",
				zap.Uint64("seq", seq),
				zap.Duration("took", time.Since(start)))
		}
	}
}
