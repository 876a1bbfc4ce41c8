// Package push relays background push notifications to the coordinator. The
// notification service drops messages onto a per-driver AMQP queue; each one
// carries either a new offer or a ride-taken signal.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	TypeNewRideRequest   = "newRideRequest"
	TypeRideTakenByOther = "rideTakenByOther"
)

var (
	ErrUnknownType = errors.New("unknown push type")
	ErrMalformed   = errors.New("malformed push message")
)

// Message is the body of one push delivery.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Handler processes a decoded message. A returned error nacks the delivery.
type Handler func(ctx context.Context, msg Message) error

func QueueName(driverID string) string { return "driver.push." + driverID }

type Relay struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *slog.Logger
}

// Dial connects to the broker, retrying while it comes up, and declares the
// driver's queue.
func Dial(ctx context.Context, uri, driverID string, attempts int, delay time.Duration, logger *slog.Logger) (*Relay, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var (
		conn *amqp.Connection
		ch   *amqp.Channel
		err  error
	)
	for i := 1; i <= attempts; i++ {
		conn, err = amqp.Dial(uri)
		if err == nil {
			ch, err = conn.Channel()
			if err == nil {
				break
			}
			_ = conn.Close()
		}
		logger.Warn("push_broker_unavailable", "attempt", i, "error", err)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect push broker: %w", err)
	}

	queue := QueueName(driverID)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare %s: %w", queue, err)
	}
	return &Relay{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

// Consume delivers messages one at a time to h until ctx ends or the broker
// closes the channel.
func (r *Relay) Consume(ctx context.Context, h Handler) error {
	if err := r.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := r.ch.Consume(r.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", r.queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("push channel closed")
			}
			Deliver(ctx, d, h, r.logger)
		}
	}
}

func (r *Relay) Close() error {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// Decode parses and validates a delivery body.
func Decode(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch m.Type {
	case TypeNewRideRequest, TypeRideTakenByOther:
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if len(m.Data) == 0 {
		return Message{}, fmt.Errorf("%w: empty data", ErrMalformed)
	}
	return m, nil
}

// Deliver decodes d, runs h and settles the delivery. Failed messages are
// nacked without requeue so a poison message cannot loop.
func Deliver(ctx context.Context, d amqp.Delivery, h Handler, logger *slog.Logger) {
	msg, err := Decode(d.Body)
	if err == nil {
		err = h(ctx, msg)
	}
	if err != nil {
		logger.Warn("push_message_rejected", "error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			logger.Error("push_nack_failed", "error", nackErr)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		logger.Error("push_ack_failed", "error", ackErr)
	}
}
