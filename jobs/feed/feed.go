// Package feed periodically publishes aggregated book depth. Depth
// frames are point-in-time and lossy; a dropped frame is superseded by
// the next one, so the feed writes straight to the topic without
// outbox durability.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"lendex/domain/book"
	"lendex/infra/kafka"
	"lendex/service"
)

type Config struct {
	Interval time.Duration
	Levels   int
}

// Frame is one published depth snapshot for a market direction.
type Frame struct {
	Market    string               `json:"market"`
	Direction book.Direction       `json:"direction"`
	Time      int64                `json:"time"`
	Lends     []service.DepthLevel `json:"lends"`
	Borrows   []service.DepthLevel `json:"borrows"`
}

type Feed struct {
	log      *zap.Logger
	svc      *service.OrderService
	producer *kafka.Producer
	interval time.Duration
	levels   int
}

func New(log *zap.Logger, svc *service.OrderService, producer *kafka.Producer, cfg Config) *Feed {
	interval := cfg.Interval
	if interval == 0 {
		interval = time.Second
	}
	levels := cfg.Levels
	if levels == 0 {
		levels = 20
	}
	return &Feed{
		log:      log,
		svc:      svc,
		producer: producer,
		interval: interval,
		levels:   levels,
	}
}

// Run publishes until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.publishOnce(ctx)
		}
	}
}

func (f *Feed) publishOnce(ctx context.Context) {
	now := time.Now().Unix()
	for _, id := range f.svc.Markets() {
		for _, dir := range []book.Direction{book.DirAB, book.DirBA} {
			lends, err := f.svc.Depth(id, dir, book.Lend, f.levels)
			if err != nil {
				continue
			}
			borrows, err := f.svc.Depth(id, dir, book.Borrow, f.levels)
			if err != nil {
				continue
			}
			frame, err := json.Marshal(Frame{
				Market: id, Direction: dir, Time: now,
				Lends: lends, Borrows: borrows,
			})
			if err != nil {
				f.log.Error("depth frame marshal failed", zap.Error(err))
				continue
			}
			key := []byte(id + "/" + dir.String())
			if err := f.producer.Send(ctx, key, frame); err != nil {
				f.log.Warn("depth publish failed",
					zap.String("market", id), zap.Error(err))
			}
		}
	}
}
