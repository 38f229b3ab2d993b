package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-lite/contracts"
	"github.com/glimte/mmate-lite/serialization"
	"github.com/google/uuid"
)

// RequestReplyClient issues RPC calls. Each destination gets its own reply
// queue, created on the first call and re-created when the channel is replaced.
// Replies are matched to calls by correlation id; every call completes exactly
// once, by reply, timeout, cancellation or shutdown.
type RequestReplyClient struct {
	provider   ChannelProvider
	cache      *QueueCache
	routes     Routes
	serializer serialization.Serializer
	logger     *slog.Logger
	metrics    MetricsCollector

	mu        sync.Mutex
	listeners map[string]*replyListener
	closed    bool
}

// replyListener is the reply queue and pending table of one destination
type replyListener struct {
	destination string

	setupMu     sync.Mutex
	active      bool
	generation  uint64
	replyQueue  string
	consumerTag string

	mu      sync.Mutex
	pending map[string]*pendingCall
}

type pendingCall struct {
	correlationID string
	startedAt     time.Time
	timer         *time.Timer
	done          chan callResult
}

type callResult struct {
	reply *Reply
	err   error
}

// complete never blocks; done is buffered and each call is completed once
func (p *pendingCall) complete(reply *Reply, err error) {
	p.done <- callResult{reply: reply, err: err}
}

// RequestReplyOption configures a RequestReplyClient
type RequestReplyOption func(*RequestReplyClient)

// WithRequestRoutes sets per-destination TTL and reply queue expiry
func WithRequestRoutes(routes Routes) RequestReplyOption {
	return func(c *RequestReplyClient) {
		c.routes = routes
	}
}

// WithRequestSerializer sets the serializer
func WithRequestSerializer(serializer serialization.Serializer) RequestReplyOption {
	return func(c *RequestReplyClient) {
		c.serializer = serializer
	}
}

// WithRequestLogger sets the logger
func WithRequestLogger(logger *slog.Logger) RequestReplyOption {
	return func(c *RequestReplyClient) {
		c.logger = logger
	}
}

// WithRequestMetrics sets the metrics collector
func WithRequestMetrics(metrics MetricsCollector) RequestReplyOption {
	return func(c *RequestReplyClient) {
		c.metrics = metrics
	}
}

// CallOption configures a single call
type CallOption func(*callConfig)

type callConfig struct {
	ttl time.Duration
}

// WithTTL overrides the destination's time to live for one call.
// Zero disables the timeout.
func WithTTL(ttl time.Duration) CallOption {
	return func(c *callConfig) {
		c.ttl = ttl
	}
}

// NewRequestReplyClient creates an RPC client over provider
func NewRequestReplyClient(provider ChannelProvider, cache *QueueCache, options ...RequestReplyOption) *RequestReplyClient {
	if cache == nil {
		cache = NewQueueCache()
	}
	c := &RequestReplyClient{
		provider:   provider,
		cache:      cache,
		serializer: serialization.NewSerializer(),
		logger:     slog.Default(),
		metrics:    NoOpMetricsCollector{},
		listeners:  make(map[string]*replyListener),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Call sends payload to destination's worker queue and waits for the reply.
// A worker failure is returned as *RemoteError; no reply within the TTL gives
// ErrTimeout.
func (c *RequestReplyClient) Call(ctx context.Context, destination string, payload interface{}, options ...CallOption) (*Reply, error) {
	if destination == "" {
		return nil, ErrEmptyDestination
	}

	cfg := callConfig{ttl: c.routes.Lookup(destination).TimeToLive}
	for _, opt := range options {
		opt(&cfg)
	}

	listener, err := c.listener(destination)
	if err != nil {
		return nil, err
	}

	body, err := c.serializer.Encode(contracts.NewEnvelope(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	ch, err := c.provider.Channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	replyQueue, err := c.setupListener(ctx, ch, listener)
	if err != nil {
		return nil, err
	}

	call, err := c.register(listener, cfg.ttl)
	if err != nil {
		return nil, err
	}

	err = ch.Send(ctx, destination, body, MessageMetadata{
		CorrelationID: call.correlationID,
		ReplyTo:       replyQueue,
	})
	c.metrics.RecordSend(destination, "request", err == nil)
	if err != nil {
		if c.take(listener, call.correlationID) != nil {
			c.metrics.RecordCall(destination, CallFailed, time.Since(call.startedAt))
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		// already completed by the timer or by shutdown
		res := <-call.done
		return res.reply, res.err
	}

	select {
	case res := <-call.done:
		return res.reply, res.err
	case <-ctx.Done():
		if c.take(listener, call.correlationID) != nil {
			c.metrics.RecordCall(destination, CallCancelled, time.Since(call.startedAt))
			return nil, ctx.Err()
		}
		res := <-call.done
		return res.reply, res.err
	}
}

// Pending returns the number of calls to destination awaiting a reply
func (c *RequestReplyClient) Pending(destination string) int {
	c.mu.Lock()
	listener, ok := c.listeners[destination]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	return len(listener.pending)
}

// Close rejects every pending call with ErrClientClosed and cancels the reply
// consumers. Calls made afterwards fail immediately.
func (c *RequestReplyClient) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listeners := make([]*replyListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l.mu.Lock()
		calls := l.pending
		l.pending = make(map[string]*pendingCall)
		l.mu.Unlock()

		for _, call := range calls {
			if call.timer != nil {
				call.timer.Stop()
			}
			c.metrics.RecordCall(l.destination, CallRejected, time.Since(call.startedAt))
			call.complete(nil, ErrClientClosed)
		}
		c.metrics.SetPendingCalls(l.destination, 0)
	}
	if len(listeners) == 0 {
		return nil
	}

	ch, err := c.provider.Channel(ctx)
	if err != nil {
		// no live channel means no live consumers
		return nil
	}
	for _, l := range listeners {
		l.setupMu.Lock()
		if l.active && l.generation == ch.Generation() {
			if err := ch.Cancel(l.consumerTag); err != nil {
				c.logger.Warn("failed to cancel reply consumer",
					"destination", l.destination,
					"error", err)
			}
		}
		l.active = false
		l.setupMu.Unlock()
	}
	return nil
}

func (c *RequestReplyClient) listener(destination string) (*replyListener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	l, ok := c.listeners[destination]
	if !ok {
		l = &replyListener{
			destination: destination,
			pending:     make(map[string]*pendingCall),
		}
		c.listeners[destination] = l
	}
	return l, nil
}

// setupListener makes sure the worker queue and the reply queue exist on ch and
// a reply consumer is running. Concurrent callers wait for a single setup.
func (c *RequestReplyClient) setupListener(ctx context.Context, ch Channel, l *replyListener) (string, error) {
	l.setupMu.Lock()
	defer l.setupMu.Unlock()

	generation := ch.Generation()
	if l.active && l.generation == generation {
		return l.replyQueue, nil
	}
	l.active = false

	route := c.routes.Lookup(l.destination)
	if _, err := c.cache.EnsureQueue(ctx, ch, workerQueueKey(l.destination), l.destination, WorkerQueueOptions(route)); err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", l.destination, err)
	}

	replyKey := replyQueueKey(l.destination)
	replyQueue, err := c.cache.EnsureQueue(ctx, ch, replyKey, "", ReplyQueueOptions(route))
	if err != nil {
		return "", fmt.Errorf("failed to declare reply queue for %s: %w", l.destination, err)
	}

	tag, err := ch.Consume(ctx, replyQueue, c.handleReply(l), ConsumeOptions{
		ConsumerTag: "reply-" + uuid.New().String()[:8],
		AutoAck:     true,
		Exclusive:   true,
	})
	if err != nil {
		c.cache.Forget(generation, replyKey)
		return "", fmt.Errorf("failed to consume reply queue for %s: %w", l.destination, err)
	}

	l.active = true
	l.generation = generation
	l.replyQueue = replyQueue
	l.consumerTag = tag

	c.logger.Info("reply listener started",
		"destination", l.destination,
		"replyQueue", replyQueue,
		"generation", generation)
	return replyQueue, nil
}

// register adds a call to the pending table and arms its timer. The timer is
// created under the table lock so it cannot fire before the call is findable.
// Close sets closed before it empties the table, so a call registered here is
// either seen by Close or refused.
func (c *RequestReplyClient) register(l *replyListener, ttl time.Duration) (*pendingCall, error) {
	call := &pendingCall{
		correlationID: uuid.New().String(),
		startedAt:     time.Now(),
		done:          make(chan callResult, 1),
	}

	l.mu.Lock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		l.mu.Unlock()
		return nil, ErrClientClosed
	}
	l.pending[call.correlationID] = call
	if ttl > 0 {
		call.timer = time.AfterFunc(ttl, func() {
			c.expire(l, call.correlationID)
		})
	}
	count := len(l.pending)
	l.mu.Unlock()

	c.metrics.SetPendingCalls(l.destination, count)
	return call, nil
}

// take removes a pending call. Only the goroutine that gets a non-nil call back
// may complete it.
func (c *RequestReplyClient) take(l *replyListener, correlationID string) *pendingCall {
	l.mu.Lock()
	call, ok := l.pending[correlationID]
	if ok {
		delete(l.pending, correlationID)
		if call.timer != nil {
			call.timer.Stop()
		}
	}
	count := len(l.pending)
	l.mu.Unlock()

	if !ok {
		return nil
	}
	c.metrics.SetPendingCalls(l.destination, count)
	return call
}

func (c *RequestReplyClient) expire(l *replyListener, correlationID string) {
	call := c.take(l, correlationID)
	if call == nil {
		return
	}
	c.logger.Debug("call timed out",
		"destination", l.destination,
		"correlationId", correlationID)
	c.metrics.RecordCall(l.destination, CallTimedOut, time.Since(call.startedAt))
	call.complete(nil, ErrTimeout)
}

func (c *RequestReplyClient) handleReply(l *replyListener) DeliveryHandler {
	return func(d Delivery) {
		correlationID := d.CorrelationID()
		call := c.take(l, correlationID)
		if call == nil {
			c.logger.Debug("discarding reply without pending call",
				"destination", l.destination,
				"correlationId", correlationID)
			c.metrics.RecordDelivery(l.destination, DeliveryStale)
			return
		}

		var reply contracts.InboundReply
		if err := c.serializer.Decode(d.Body(), &reply); err != nil {
			c.metrics.RecordDelivery(l.destination, DeliveryMalformed)
			c.metrics.RecordCall(l.destination, CallFailed, time.Since(call.startedAt))
			call.complete(nil, &DeserializationError{Destination: l.destination, Err: err})
			return
		}

		c.metrics.RecordDelivery(l.destination, DeliveryProcessed)
		if !reply.Success {
			c.metrics.RecordCall(l.destination, CallRejected, time.Since(call.startedAt))
			call.complete(nil, &RemoteError{
				Destination:   l.destination,
				CorrelationID: correlationID,
				Payload:       reply.Result,
			})
			return
		}

		c.metrics.RecordCall(l.destination, CallResolved, time.Since(call.startedAt))
		call.complete(&Reply{
			Destination:   l.destination,
			CorrelationID: correlationID,
			raw:           reply.Result,
		}, nil)
	}
}
