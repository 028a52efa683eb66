// Package kafka wraps the kafka-go writer used by the depth feed.
// Fill broadcasting goes through the outbox/broadcaster pair instead;
// depth snapshots are lossy by nature and skip that machinery.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg Config) *Producer {
	bt := cfg.BatchTimeout
	if bt == 0 {
		bt = 10 * time.Millisecond
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: bt,
		},
	}
}

func (p *Producer) Send(ctx context.Context, key, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
