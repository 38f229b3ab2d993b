package rabbitmq

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ContentType is the content type of every message body
	ContentType = "application/msgpack"
	// ContentEncoding is the compression applied to every message body
	ContentEncoding = "gzip"
)

// PublishOptions carries the message properties of an outgoing message
type PublishOptions struct {
	CorrelationID string
	ReplyTo       string
	Persistent    bool
	Expiration    time.Duration
	Headers       amqp.Table
}

// NewPublishing builds the AMQP message for body
func NewPublishing(body []byte, opts PublishOptions) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:     ContentType,
		ContentEncoding: ContentEncoding,
		MessageId:       uuid.New().String(),
		Timestamp:       time.Now(),
		CorrelationId:   opts.CorrelationID,
		ReplyTo:         opts.ReplyTo,
		Headers:         opts.Headers,
		Body:            body,
	}
	if opts.Persistent {
		msg.DeliveryMode = amqp.Persistent
	} else {
		msg.DeliveryMode = amqp.Transient
	}
	if opts.Expiration > 0 {
		msg.Expiration = strconv.FormatInt(opts.Expiration.Milliseconds(), 10)
	}
	return msg
}

// Publish publishes msg to an exchange. The empty exchange routes directly to
// the queue named by routingKey.
func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	err := c.breaker.Execute(ctx, func() error {
		return c.do(ctx, func(ch *amqp.Channel) error {
			return ch.PublishWithContext(
				ctx,
				exchange,
				routingKey,
				false, // mandatory
				false, // immediate
				msg,
			)
		})
	})
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}
	return nil
}

// Send publishes msg directly to queue
func (c *Channel) Send(ctx context.Context, queue string, msg amqp.Publishing) error {
	return c.Publish(ctx, "", queue, msg)
}
