package main

import (
	"context"
	"fmt"
	"io"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/real-time-ressys/services/verify-service/internal/infrastructure/messaging/rabbitmq"
)

type dlqClient interface {
	Connect(ctx context.Context) error
	Get(ctx context.Context, queue string) (amqp.Delivery, bool, error)
	PublishRaw(ctx context.Context, queue string, body []byte, headers amqp.Table) error
	Queue() string
	DLQ() string
	Close() error
}

// peekDLQ prints up to limit messages. Every fetched message is held unacked
// until the end so basic.get does not hand the same one back, then requeued.
func peekDLQ(ctx context.Context, c dlqClient, limit int, out io.Writer) (int, error) {
	var held []amqp.Delivery
	defer func() {
		for _, d := range held {
			_ = d.Nack(false, true)
		}
	}()

	for len(held) < limit {
		d, ok, err := c.Get(ctx, c.DLQ())
		if err != nil {
			return len(held), err
		}
		if !ok {
			break
		}
		held = append(held, d)

		fmt.Fprintf(out, "--- #%d id=%s reason=%s\n", len(held), d.MessageId, rabbitmq.DLQReason(d.Headers))
		if le, ok := d.Headers["x-last-error"].(string); ok && le != "" {
			fmt.Fprintf(out, "last_error: %s\n", le)
		}
		fmt.Fprintf(out, "%s\n", d.Body)
	}
	return len(held), nil
}

// replayDLQ republishes up to limit messages to the main queue with the attempt
// headers cleared. A message is acked only after its republish is confirmed.
func replayDLQ(ctx context.Context, c dlqClient, limit int) (int, error) {
	replayed := 0
	for replayed < limit {
		d, ok, err := c.Get(ctx, c.DLQ())
		if err != nil {
			return replayed, err
		}
		if !ok {
			return replayed, nil
		}

		if err := c.PublishRaw(ctx, c.Queue(), d.Body, rabbitmq.ResetAttemptHeaders(d.Headers)); err != nil {
			_ = d.Nack(false, true)
			return replayed, fmt.Errorf("replay %s: %w", d.MessageId, err)
		}
		if err := d.Ack(false); err != nil {
			return replayed, fmt.Errorf("ack %s: %w", d.MessageId, err)
		}
		replayed++
	}
	return replayed, nil
}
