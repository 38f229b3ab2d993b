package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryFunc processes one delivery
type DeliveryFunc func(delivery amqp.Delivery)

// ConsumeSpec describes a consumer
type ConsumeSpec struct {
	Queue         string
	ConsumerTag   string
	AutoAck       bool
	Exclusive     bool
	PrefetchCount int
}

// Consume starts a consumer and hands its deliveries to handler one at a time.
// The consumer stops when it is cancelled or the channel closes.
func (c *Channel) Consume(ctx context.Context, spec ConsumeSpec, handler DeliveryFunc) (string, error) {
	var deliveries <-chan amqp.Delivery
	err := c.do(ctx, func(ch *amqp.Channel) error {
		// prefetch applies to consumers started after it is set
		if spec.PrefetchCount > 0 {
			if err := ch.Qos(spec.PrefetchCount, 0, false); err != nil {
				return fmt.Errorf("failed to set QoS: %w", err)
			}
		}

		var err error
		deliveries, err = ch.Consume(
			spec.Queue,
			spec.ConsumerTag,
			spec.AutoAck,
			spec.Exclusive,
			false, // no-local
			false, // no-wait
			nil,
		)
		return err
	})
	if err != nil {
		return "", &ConsumerError{Queue: spec.Queue, ConsumerTag: spec.ConsumerTag, Op: "consume", Err: err}
	}

	go c.process(spec, deliveries, handler)

	c.logger.Info("consumer started",
		"queue", spec.Queue,
		"consumerTag", spec.ConsumerTag,
		"prefetchCount", spec.PrefetchCount,
		"generation", c.generation,
	)
	return spec.ConsumerTag, nil
}

func (c *Channel) process(spec ConsumeSpec, deliveries <-chan amqp.Delivery, handler DeliveryFunc) {
	defer c.logger.Debug("consumer stopped", "queue", spec.Queue, "consumerTag", spec.ConsumerTag)

	for delivery := range deliveries {
		c.handle(spec, delivery, handler)
	}
}

func (c *Channel) handle(spec ConsumeSpec, delivery amqp.Delivery, handler DeliveryFunc) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("delivery handler panicked",
				"queue", spec.Queue,
				"messageId", delivery.MessageId,
				"panic", r,
			)
			if !spec.AutoAck {
				if err := delivery.Nack(false, false); err != nil {
					c.logger.Error("failed to nack message", "error", err)
				}
			}
		}
	}()
	handler(delivery)
}

// Cancel stops the consumer with the given tag
func (c *Channel) Cancel(consumerTag string) error {
	if c.IsClosed() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.Cancel(consumerTag, false); err != nil {
		return &ConsumerError{ConsumerTag: consumerTag, Op: "cancel", Err: err}
	}
	return nil
}
