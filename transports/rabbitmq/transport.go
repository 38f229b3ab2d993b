package rabbitmq

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-lite/internal/rabbitmq"
	"github.com/glimte/mmate-lite/internal/reliability"
	"github.com/glimte/mmate-lite/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport exposes a RabbitMQ connection as a messaging.ChannelProvider
type Transport struct {
	manager    *rabbitmq.ConnectionManager
	provider   *rabbitmq.ChannelProvider
	enableFIFO bool
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	ChannelOptions    []rabbitmq.ChannelProviderOption
	EnableFIFO        bool
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithFIFOMode declares named durable queues with a single active consumer
func WithFIFOMode(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.EnableFIFO = enabled
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithChannelOptions sets channel provider options
func WithChannelOptions(opts ...rabbitmq.ChannelProviderOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelOptions = append(cfg.ChannelOptions, opts...)
	}
}

// WithCircuitBreaker guards publishes with breaker
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelOptions = append(cfg.ChannelOptions, rabbitmq.WithCircuitBreaker(breaker))
	}
}

// WithTransportLogger sets the logger of the connection and the channel provider
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates a RabbitMQ transport. No connection is made until the
// first channel is requested or Connect is called.
func NewTransport(connectionString string, options ...TransportOption) *Transport {
	cfg := &TransportConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := cfg.ConnectionOptions
	chanOpts := cfg.ChannelOptions
	if cfg.Logger != nil {
		connOpts = append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, connOpts...)
		chanOpts = append([]rabbitmq.ChannelProviderOption{rabbitmq.WithChannelLogger(cfg.Logger)}, chanOpts...)
	}

	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)
	return &Transport{
		manager:    manager,
		provider:   rabbitmq.NewChannelProvider(manager, chanOpts...),
		enableFIFO: cfg.EnableFIFO,
	}
}

// Channel implements messaging.ChannelProvider
func (t *Transport) Channel(ctx context.Context) (messaging.Channel, error) {
	ch, err := t.provider.Get(ctx)
	if err != nil {
		return nil, err
	}
	return &channelAdapter{ch: ch, enableFIFO: t.enableFIFO}, nil
}

// Connect establishes connection to the broker
func (t *Transport) Connect(ctx context.Context) error {
	return t.manager.Connect(ctx)
}

// Close closes the channel and the connection
func (t *Transport) Close() error {
	_ = t.provider.Close()
	return t.manager.Close()
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Generation returns the generation of the most recent channel
func (t *Transport) Generation() uint64 {
	return t.provider.Generation()
}

// Breaker returns the circuit breaker guarding publishes
func (t *Transport) Breaker() *reliability.CircuitBreaker {
	return t.provider.Breaker()
}

// AddStateListener registers listener for connection state changes
func (t *Transport) AddStateListener(listener rabbitmq.ConnectionStateListener) {
	t.manager.AddStateListener(listener)
}

// RemoveStateListener removes a connection state listener
func (t *Transport) RemoveStateListener(listener rabbitmq.ConnectionStateListener) {
	t.manager.RemoveStateListener(listener)
}

// channelAdapter adapts rabbitmq.Channel to messaging.Channel
type channelAdapter struct {
	ch         *rabbitmq.Channel
	enableFIFO bool
}

func (c *channelAdapter) Generation() uint64 {
	return c.ch.Generation()
}

func (c *channelAdapter) DeclareQueue(ctx context.Context, name string, options messaging.QueueOptions) (string, error) {
	q, err := c.ch.DeclareQueue(ctx, queueDeclaration(name, options, c.enableFIFO))
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (c *channelAdapter) DeclareExchange(ctx context.Context, name string, options messaging.ExchangeOptions) error {
	return c.ch.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:       name,
		Type:       options.Kind,
		Durable:    options.Durable,
		AutoDelete: options.AutoDelete,
	})
}

func (c *channelAdapter) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	return c.ch.BindQueue(ctx, rabbitmq.Binding{
		Queue:      queue,
		Exchange:   exchange,
		RoutingKey: routingKey,
	})
}

func (c *channelAdapter) Send(ctx context.Context, destination string, body []byte, metadata messaging.MessageMetadata) error {
	return c.ch.Send(ctx, destination, rabbitmq.NewPublishing(body, publishOptions(metadata)))
}

func (c *channelAdapter) Publish(ctx context.Context, exchange, routingKey string, body []byte, metadata messaging.MessageMetadata) error {
	return c.ch.Publish(ctx, exchange, routingKey, rabbitmq.NewPublishing(body, publishOptions(metadata)))
}

func (c *channelAdapter) Consume(ctx context.Context, queue string, handler messaging.DeliveryHandler, options messaging.ConsumeOptions) (string, error) {
	spec := rabbitmq.ConsumeSpec{
		Queue:         queue,
		ConsumerTag:   options.ConsumerTag,
		AutoAck:       options.AutoAck,
		Exclusive:     options.Exclusive,
		PrefetchCount: options.PrefetchCount,
	}
	return c.ch.Consume(ctx, spec, func(d amqp.Delivery) {
		handler(&deliveryAdapter{delivery: d})
	})
}

func (c *channelAdapter) Cancel(consumerTag string) error {
	return c.ch.Cancel(consumerTag)
}

func queueDeclaration(name string, options messaging.QueueOptions, enableFIFO bool) rabbitmq.QueueDeclaration {
	decl := rabbitmq.QueueDeclaration{
		Name:       name,
		Durable:    options.Durable,
		AutoDelete: options.AutoDelete,
		Exclusive:  options.Exclusive,
		MessageTTL: options.MessageTTL,
		Expires:    options.Expires,
	}
	if len(options.Args) > 0 {
		decl.Arguments = amqp.Table{}
		for k, v := range options.Args {
			decl.Arguments[k] = v
		}
	}
	if enableFIFO && name != "" && options.Durable && !options.Exclusive {
		if decl.Arguments == nil {
			decl.Arguments = amqp.Table{}
		}
		decl.Arguments["x-single-active-consumer"] = true
	}
	return decl
}

func publishOptions(metadata messaging.MessageMetadata) rabbitmq.PublishOptions {
	opts := rabbitmq.PublishOptions{
		CorrelationID: metadata.CorrelationID,
		ReplyTo:       metadata.ReplyTo,
		Persistent:    metadata.Persistent,
		Expiration:    metadata.Expiration,
	}
	if len(metadata.Headers) > 0 {
		opts.Headers = amqp.Table{}
		for k, v := range metadata.Headers {
			opts.Headers[k] = v
		}
	}
	return opts
}

// deliveryAdapter adapts amqp.Delivery to messaging.Delivery
type deliveryAdapter struct {
	delivery amqp.Delivery
}

// Body implements messaging.Delivery
func (d *deliveryAdapter) Body() []byte {
	return d.delivery.Body
}

// CorrelationID implements messaging.Delivery
func (d *deliveryAdapter) CorrelationID() string {
	return d.delivery.CorrelationId
}

// ReplyTo implements messaging.Delivery
func (d *deliveryAdapter) ReplyTo() string {
	return d.delivery.ReplyTo
}

// Acknowledge implements messaging.Delivery
func (d *deliveryAdapter) Acknowledge() error {
	return d.delivery.Ack(false)
}

// Reject implements messaging.Delivery
func (d *deliveryAdapter) Reject(requeue bool) error {
	return d.delivery.Nack(false, requeue)
}
