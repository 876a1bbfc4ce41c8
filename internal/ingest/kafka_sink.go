package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaSink struct {
	writer   MessageWriter
	attempts int
	delay    time.Duration
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaSinkWithWriter(w, 3, 200*time.Millisecond)
}

func NewKafkaSinkWithWriter(w MessageWriter, attempts int, delay time.Duration) *KafkaSink {
	if attempts <= 0 {
		attempts = 1
	}
	return &KafkaSink{writer: w, attempts: attempts, delay: delay}
}

// Publish writes u keyed by driver id, so a driver's positions stay ordered
// within one partition.
func (k *KafkaSink) Publish(ctx context.Context, u LocationUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(u.DriverID), Value: b, Time: u.Timestamp}
	return withRetry(ctx, k.attempts, k.delay, func() error {
		return k.writer.WriteMessages(ctx, msg)
	})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
