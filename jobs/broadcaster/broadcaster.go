// Package broadcaster drains the fill outbox onto the broadcast
// topic. Delivery is at-least-once: entries are marked SENT before the
// publish and ACKED after the broker confirms, so a crash in between
// resends the frame on the next pass. Consumers dedupe on sequence.
package broadcaster

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"lendex/infra/outbox"
)

type Config struct {
	Brokers []string
	Topic   string
	// Interval between drain passes.
	Interval time.Duration
	// ResendAfter bounds how long a SENT entry may sit unacked before
	// it is treated as lost in flight.
	ResendAfter time.Duration
}

type Broadcaster struct {
	log      *zap.Logger
	outbox   *outbox.Outbox
	producer sarama.SyncProducer
	topic    string

	interval    time.Duration
	resendAfter time.Duration
}

func New(log *zap.Logger, ob *outbox.Outbox, cfg Config) (*Broadcaster, error) {
	scfg := sarama.NewConfig()
	scfg.Producer.Return.Successes = true
	scfg.Producer.RequiredAcks = sarama.WaitForAll
	scfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(cfg.Brokers, scfg)
	if err != nil {
		return nil, fmt.Errorf("broadcaster: producer: %w", err)
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = 250 * time.Millisecond
	}
	resendAfter := cfg.ResendAfter
	if resendAfter == 0 {
		resendAfter = 30 * time.Second
	}
	return &Broadcaster{
		log:         log,
		outbox:      ob,
		producer:    producer,
		topic:       cfg.Topic,
		interval:    interval,
		resendAfter: resendAfter,
	}, nil
}

// Run drains the outbox until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	b.log.Info("broadcaster started", zap.String("topic", b.topic))
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainOnce()
		}
	}
}

func (b *Broadcaster) drainOnce() {
	err := b.outbox.ScanPending(b.resendAfter, func(rec outbox.Record) error {
		if err := b.outbox.MarkSent(rec.Seq); err != nil {
			return err
		}
		_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
			Topic: b.topic,
			Key:   sarama.StringEncoder(fmt.Sprintf("%d", rec.Seq)),
			Value: sarama.ByteEncoder(rec.Payload),
		})
		if err != nil {
			// Park it; the next pass retries.
			if merr := b.outbox.MarkFailed(rec.Seq); merr != nil {
				return merr
			}
			b.log.Warn("publish failed",
				zap.Uint64("seq", rec.Seq), zap.Error(err))
			return nil
		}
		return b.outbox.MarkAcked(rec.Seq)
	})
	if err != nil {
		b.log.Error("outbox drain failed", zap.Error(err))
	}
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
