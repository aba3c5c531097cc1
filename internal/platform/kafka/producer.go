// Package kafka wraps the franz-go client for the two topics this service
// publishes to: the alert topic and the audit event mirror.
package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes keyed JSON messages to Kafka.
type Producer struct {
	client *kgo.Client
}

// NewProducer connects to the given brokers. Returns nil if no brokers are
// configured (Kafka is optional; alerting falls back to the log notifier).
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Producer{client: client}, nil
}

// Produce synchronously publishes one record and waits for the ack.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// ProduceAsync publishes without waiting; delivery failures go to onErr.
func (p *Producer) ProduceAsync(ctx context.Context, topic string, key, value []byte, onErr func(error)) {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil && onErr != nil {
			onErr(err)
		}
	})
}

// Close flushes outstanding records and closes the client.
func (p *Producer) Close() {
	p.client.Close()
}
