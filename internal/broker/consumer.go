package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/flight-booking-saga/pkg/infra"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// DeliveryHandler settles a delivery itself (ack or nack)
type DeliveryHandler interface {
	HandleDelivery(ctx context.Context, d amqp.Delivery)
}

// Consumer runs one queue worker with a bounded number of in-flight deliveries
type Consumer struct {
	provider *ConnectionProvider
	queue    string
	prefetch int
	handler  DeliveryHandler
	logger   *slog.Logger
}

func NewConsumer(provider *ConnectionProvider, queue string, prefetch int, handler DeliveryHandler, logger *slog.Logger) *Consumer {
	return &Consumer{
		provider: provider,
		queue:    queue,
		prefetch: prefetch,
		handler:  handler,
		logger:   logger.With("queue", queue),
	}
}

// Run consumes until ctx is cancelled, re-subscribing after channel loss
func (c *Consumer) Run(ctx context.Context) error {
	backoff := infra.NewBackoff(1*time.Second, 30*time.Second, 2.0)

	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			c.logger.Info("🛑 Consumer stopped")
			return nil
		}

		wait := backoff.Next()
		c.logger.Error("⚠️ Consumer connection lost", "error", err, "retry_in", wait)
		if err := infra.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	ch, err := c.provider.Channel(ctx)
	if err != nil {
		return err
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	// In-flight handlers finish their unit of work on a context that survives
	// shutdown; the channel closes only after they have settled.
	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(c.prefetch)
	defer func() {
		_ = g.Wait()
		ch.Close()
	}()

	c.logger.Info("Consumer is online and waiting for messages", "prefetch", c.prefetch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			return fmt.Errorf("channel closed: %v", amqpErr)
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			g.Go(func() error {
				c.handler.HandleDelivery(work, d)
				return nil
			})
		}
	}
}
