package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-lite/serialization"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// topicExchangeOptions is the declaration of every pub/sub exchange
var topicExchangeOptions = ExchangeOptions{Kind: "fanout", Durable: false}

// SubscriberFunc handles one published value. Errors are logged; the
// delivery is acknowledged either way.
type SubscriberFunc func(ctx context.Context, msg *Message) error

// Topics publishes to and subscribes on fanout exchanges. Every subscription
// receives every message published after it started.
type Topics struct {
	provider   ChannelProvider
	cache      *QueueCache
	serializer serialization.Serializer
	logger     *slog.Logger
	metrics    MetricsCollector

	mu            sync.Mutex
	subscriptions map[string]*topicSubscription
}

type topicSubscription struct {
	id       string
	exchange string
	handler  SubscriberFunc
	ctx      context.Context
	cancel   context.CancelFunc

	generation  uint64
	queue       string
	consumerTag string
}

// TopicsOption configures Topics
type TopicsOption func(*Topics)

// WithTopicSerializer sets the serializer
func WithTopicSerializer(serializer serialization.Serializer) TopicsOption {
	return func(t *Topics) {
		t.serializer = serializer
	}
}

// WithTopicLogger sets the logger
func WithTopicLogger(logger *slog.Logger) TopicsOption {
	return func(t *Topics) {
		t.logger = logger
	}
}

// WithTopicMetrics sets the metrics collector
func WithTopicMetrics(metrics MetricsCollector) TopicsOption {
	return func(t *Topics) {
		t.metrics = metrics
	}
}

// NewTopics creates a pub/sub helper over provider
func NewTopics(provider ChannelProvider, cache *QueueCache, options ...TopicsOption) *Topics {
	if cache == nil {
		cache = NewQueueCache()
	}
	t := &Topics{
		provider:      provider,
		cache:         cache,
		serializer:    serialization.NewSerializer(),
		logger:        slog.Default(),
		metrics:       NoOpMetricsCollector{},
		subscriptions: make(map[string]*topicSubscription),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Publish sends data to every current subscriber of exchange
func (t *Topics) Publish(ctx context.Context, exchange string, data interface{}) error {
	if exchange == "" {
		return ErrEmptyDestination
	}
	if data == nil {
		return ErrMissingData
	}

	body, err := t.serializer.Encode(data)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	ch, err := t.provider.Channel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}
	if err := t.cache.EnsureExchange(ctx, ch, exchange, topicExchangeOptions); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	err = ch.Publish(ctx, exchange, "", body, MessageMetadata{})
	t.metrics.RecordSend(exchange, "publish", err == nil)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", exchange, err)
	}
	return nil
}

// Subscribe binds a private queue to exchange and passes every message to
// handler. It returns an id for Unsubscribe.
func (t *Topics) Subscribe(ctx context.Context, exchange string, handler SubscriberFunc) (string, error) {
	if exchange == "" {
		return "", ErrEmptyDestination
	}
	if handler == nil {
		return "", ErrNilHandler
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &topicSubscription{
		id:       uuid.New().String(),
		exchange: exchange,
		handler:  handler,
		ctx:      subCtx,
		cancel:   cancel,
	}

	if err := t.start(ctx, sub); err != nil {
		cancel()
		return "", err
	}

	t.mu.Lock()
	t.subscriptions[sub.id] = sub
	t.mu.Unlock()
	return sub.id, nil
}

// Unsubscribe stops one subscription. Its queue is deleted by the broker.
func (t *Topics) Unsubscribe(ctx context.Context, id string) error {
	t.mu.Lock()
	sub, ok := t.subscriptions[id]
	delete(t.subscriptions, id)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return t.stop(ctx, sub)
}

// Close stops every subscription
func (t *Topics) Close(ctx context.Context) error {
	t.mu.Lock()
	subs := t.subscriptions
	t.subscriptions = make(map[string]*topicSubscription)
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := t.stop(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resubscribe restarts subscriptions bound on an older channel
func (t *Topics) Resubscribe(ctx context.Context) error {
	ch, err := t.provider.Channel(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	stale := make([]*topicSubscription, 0, len(t.subscriptions))
	for _, sub := range t.subscriptions {
		if sub.generation != ch.Generation() {
			stale = append(stale, sub)
		}
	}
	t.mu.Unlock()

	var errs []error
	for _, sub := range stale {
		if err := t.start(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of active subscriptions
func (t *Topics) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscriptions)
}

func (t *Topics) start(ctx context.Context, sub *topicSubscription) error {
	ch, err := t.provider.Channel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}
	if err := t.cache.EnsureExchange(ctx, ch, sub.exchange, topicExchangeOptions); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", sub.exchange, err)
	}

	queue, err := ch.DeclareQueue(ctx, "", QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		return fmt.Errorf("failed to declare subscriber queue: %w", err)
	}
	if err := ch.BindQueue(ctx, queue, sub.exchange, ""); err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", queue, sub.exchange, err)
	}

	tag, err := ch.Consume(ctx, queue, t.handleDelivery(sub), ConsumeOptions{
		ConsumerTag: "sub-" + sub.id[:8],
		Exclusive:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	t.mu.Lock()
	sub.generation = ch.Generation()
	sub.queue = queue
	sub.consumerTag = tag
	t.mu.Unlock()

	t.logger.Info("subscribed",
		"exchange", sub.exchange,
		"queue", queue)
	return nil
}

func (t *Topics) stop(ctx context.Context, sub *topicSubscription) error {
	sub.cancel()

	t.mu.Lock()
	generation, tag := sub.generation, sub.consumerTag
	t.mu.Unlock()

	ch, err := t.provider.Channel(ctx)
	if err != nil || ch.Generation() != generation {
		return nil
	}
	if err := ch.Cancel(tag); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", sub.exchange, err)
	}
	return nil
}

func (t *Topics) handleDelivery(sub *topicSubscription) DeliveryHandler {
	return func(d Delivery) {
		defer func() {
			if err := d.Acknowledge(); err != nil {
				t.logger.Error("failed to acknowledge message",
					"exchange", sub.exchange,
					"error", err)
			}
		}()

		var raw msgpack.RawMessage
		if err := t.serializer.Decode(d.Body(), &raw); err != nil {
			t.logger.Error("dropping undecodable message",
				"error", &DeserializationError{Destination: sub.exchange, Err: err})
			t.metrics.RecordDelivery(sub.exchange, DeliveryMalformed)
			return
		}

		msg := &Message{Destination: sub.exchange, raw: raw}
		if err := t.invoke(sub, msg); err != nil {
			t.logger.Error("subscriber failed",
				"exchange", sub.exchange,
				"error", err)
			t.metrics.RecordDelivery(sub.exchange, DeliveryFailed)
			return
		}
		t.metrics.RecordDelivery(sub.exchange, DeliveryProcessed)
	}
}

func (t *Topics) invoke(sub *topicSubscription, msg *Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in subscriber of %s: %v", sub.exchange, rec)
		}
	}()
	return sub.handler(sub.ctx, msg)
}
