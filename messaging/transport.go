package messaging

import (
	"context"
	"time"
)

// ChannelProvider yields the single broker channel shared by every component.
// The same logical channel is returned until it is invalidated; a replacement
// carries a higher Generation.
type ChannelProvider interface {
	// Channel returns the current channel, creating it on first use
	Channel(ctx context.Context) (Channel, error)
}

// Channel is the set of broker primitives the messaging layer relies on
type Channel interface {
	// Generation identifies this channel instance; it increases on every replacement
	Generation() uint64

	// DeclareQueue declares a queue and returns its name. An empty name asks the
	// broker to generate one.
	DeclareQueue(ctx context.Context, name string, options QueueOptions) (string, error)

	// DeclareExchange declares an exchange
	DeclareExchange(ctx context.Context, name string, options ExchangeOptions) error

	// BindQueue binds a queue to an exchange
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error

	// Send delivers body directly to the named queue
	Send(ctx context.Context, destination string, body []byte, metadata MessageMetadata) error

	// Publish delivers body to an exchange
	Publish(ctx context.Context, exchange, routingKey string, body []byte, metadata MessageMetadata) error

	// Consume starts delivering messages from queue to handler and returns the consumer tag
	Consume(ctx context.Context, queue string, handler DeliveryHandler, options ConsumeOptions) (string, error)

	// Cancel stops the consumer with the given tag
	Cancel(consumerTag string) error
}

// DeliveryHandler processes one delivery. Deliveries for a consumer are handled sequentially.
type DeliveryHandler func(delivery Delivery)

// Delivery represents a message delivery from the transport
type Delivery interface {
	// Body returns the message body
	Body() []byte

	// CorrelationID returns the correlation identifier, if any
	CorrelationID() string

	// ReplyTo returns the reply address, if any
	ReplyTo() string

	// Acknowledge marks the message as successfully processed
	Acknowledge() error

	// Reject rejects the message with optional requeue
	Reject(requeue bool) error
}

// QueueOptions defines options for queue declaration
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	MessageTTL time.Duration
	Expires    time.Duration
	Args       map[string]interface{}
}

// ExchangeOptions defines options for exchange declaration
type ExchangeOptions struct {
	Kind       string
	Durable    bool
	AutoDelete bool
}

// ConsumeOptions defines options for starting a consumer
type ConsumeOptions struct {
	ConsumerTag   string
	AutoAck       bool
	Exclusive     bool
	PrefetchCount int
}

// MessageMetadata contains transport-level properties of an outgoing message
type MessageMetadata struct {
	CorrelationID string
	ReplyTo       string
	Persistent    bool
	Expiration    time.Duration
	Headers       map[string]interface{}
}
