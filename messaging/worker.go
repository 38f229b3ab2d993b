package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-lite/contracts"
	"github.com/glimte/mmate-lite/serialization"
	"github.com/google/uuid"
)

// ErrWorkerExists is returned when a queue already has a worker
var ErrWorkerExists = errors.New("messaging: worker already registered for queue")

// WorkerFunc handles one value. For RPC requests the returned value is sent
// back as the result; a returned error is sent as a failure reply.
type WorkerFunc func(ctx context.Context, msg *Message) (interface{}, error)

// WorkerOptions configures consumption of a worker queue
type WorkerOptions struct {
	// PrefetchCount limits unacknowledged deliveries. Defaults to 1.
	PrefetchCount int

	// NoAck consumes in auto-ack mode
	NoAck bool
}

// WorkerOption configures a worker
type WorkerOption func(*WorkerOptions)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) WorkerOption {
	return func(o *WorkerOptions) {
		o.PrefetchCount = count
	}
}

// WithNoAck consumes without acknowledgements
func WithNoAck(noAck bool) WorkerOption {
	return func(o *WorkerOptions) {
		o.NoAck = noAck
	}
}

// Worker consumes one worker queue
type Worker struct {
	queue   string
	handler WorkerFunc
	options WorkerOptions

	registry *WorkerRegistry
	ctx      context.Context
	cancel   context.CancelFunc

	generation  uint64
	consumerTag string
}

// Queue returns the consumed queue
func (w *Worker) Queue() string {
	return w.queue
}

// WorkerRegistry runs workers and answers RPC requests on their behalf
type WorkerRegistry struct {
	provider   ChannelProvider
	cache      *QueueCache
	routes     Routes
	serializer serialization.Serializer
	logger     *slog.Logger
	metrics    MetricsCollector

	mu      sync.Mutex
	workers map[string]*Worker
}

// WorkerRegistryOption configures a WorkerRegistry
type WorkerRegistryOption func(*WorkerRegistry)

// WithWorkerRoutes sets the routes used to declare worker queues
func WithWorkerRoutes(routes Routes) WorkerRegistryOption {
	return func(r *WorkerRegistry) {
		r.routes = routes
	}
}

// WithWorkerSerializer sets the serializer
func WithWorkerSerializer(serializer serialization.Serializer) WorkerRegistryOption {
	return func(r *WorkerRegistry) {
		r.serializer = serializer
	}
}

// WithWorkerLogger sets the logger
func WithWorkerLogger(logger *slog.Logger) WorkerRegistryOption {
	return func(r *WorkerRegistry) {
		r.logger = logger
	}
}

// WithWorkerMetrics sets the metrics collector
func WithWorkerMetrics(metrics MetricsCollector) WorkerRegistryOption {
	return func(r *WorkerRegistry) {
		r.metrics = metrics
	}
}

// NewWorkerRegistry creates an empty registry
func NewWorkerRegistry(provider ChannelProvider, cache *QueueCache, options ...WorkerRegistryOption) *WorkerRegistry {
	if cache == nil {
		cache = NewQueueCache()
	}
	r := &WorkerRegistry{
		provider:   provider,
		cache:      cache,
		serializer: serialization.NewSerializer(),
		logger:     slog.Default(),
		metrics:    NoOpMetricsCollector{},
		workers:    make(map[string]*Worker),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// AddWorker declares queue and starts consuming it with handler
func (r *WorkerRegistry) AddWorker(ctx context.Context, queue string, handler WorkerFunc, options ...WorkerOption) error {
	if queue == "" {
		return ErrEmptyDestination
	}
	if handler == nil {
		return ErrNilHandler
	}

	opts := WorkerOptions{PrefetchCount: 1}
	for _, opt := range options {
		opt(&opts)
	}

	r.mu.Lock()
	if _, exists := r.workers[queue]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerExists, queue)
	}
	workerCtx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		queue:    queue,
		handler:  handler,
		options:  opts,
		registry: r,
		ctx:      workerCtx,
		cancel:   cancel,
	}
	r.workers[queue] = w
	r.mu.Unlock()

	if err := r.start(ctx, w); err != nil {
		r.mu.Lock()
		delete(r.workers, queue)
		r.mu.Unlock()
		cancel()
		return err
	}
	return nil
}

// Workers returns the registered queue names
func (r *WorkerRegistry) Workers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	queues := make([]string, 0, len(r.workers))
	for q := range r.workers {
		queues = append(queues, q)
	}
	return queues
}

// CancelWorkers stops every worker. Deliveries already being handled finish
// with a cancelled context.
func (r *WorkerRegistry) CancelWorkers(ctx context.Context) error {
	type consumer struct {
		worker     *Worker
		generation uint64
		tag        string
	}

	r.mu.Lock()
	consumers := make([]consumer, 0, len(r.workers))
	for _, w := range r.workers {
		consumers = append(consumers, consumer{worker: w, generation: w.generation, tag: w.consumerTag})
	}
	r.workers = make(map[string]*Worker)
	r.mu.Unlock()

	if len(consumers) == 0 {
		return nil
	}

	ch, chErr := r.provider.Channel(ctx)
	var errs []error
	for _, c := range consumers {
		w := c.worker
		w.cancel()
		if chErr != nil || c.generation != ch.Generation() {
			continue
		}
		if err := ch.Cancel(c.tag); err != nil {
			errs = append(errs, fmt.Errorf("failed to cancel worker %s: %w", w.queue, err))
		}
		r.logger.Info("worker cancelled", "queue", w.queue)
	}
	return errors.Join(errs...)
}

// Resubscribe restarts workers whose consumer belongs to an older channel
func (r *WorkerRegistry) Resubscribe(ctx context.Context) error {
	ch, err := r.provider.Channel(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	stale := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		// generation 0 means AddWorker is still starting it
		if w.generation != 0 && w.generation != ch.Generation() {
			stale = append(stale, w)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, w := range stale {
		if err := r.start(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *WorkerRegistry) start(ctx context.Context, w *Worker) error {
	ch, err := r.provider.Channel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}

	route := r.routes.Lookup(w.queue)
	if _, err := r.cache.EnsureQueue(ctx, ch, workerQueueKey(w.queue), w.queue, WorkerQueueOptions(route)); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", w.queue, err)
	}

	tag, err := ch.Consume(ctx, w.queue, w.handleDelivery, ConsumeOptions{
		ConsumerTag:   "worker-" + w.queue + "-" + uuid.New().String()[:8],
		AutoAck:       w.options.NoAck,
		PrefetchCount: w.options.PrefetchCount,
	})
	if err != nil {
		return fmt.Errorf("failed to consume queue %s: %w", w.queue, err)
	}

	r.mu.Lock()
	w.generation = ch.Generation()
	w.consumerTag = tag
	r.mu.Unlock()

	r.logger.Info("worker started",
		"queue", w.queue,
		"consumerTag", tag,
		"prefetch", w.options.PrefetchCount)
	return nil
}

func (w *Worker) handleDelivery(d Delivery) {
	r := w.registry

	var env contracts.InboundEnvelope
	if err := r.serializer.Decode(d.Body(), &env); err != nil {
		r.logger.Error("dropping undecodable message",
			"error", &DeserializationError{Destination: w.queue, Err: err})
		r.metrics.RecordDelivery(w.queue, DeliveryMalformed)
		w.ack(d)
		return
	}

	if env.Packed {
		w.handlePacked(d, env)
		return
	}

	msg := &Message{
		Destination:   w.queue,
		CorrelationID: d.CorrelationID(),
		ReplyTo:       d.ReplyTo(),
		raw:           env.Data,
	}
	result, err := w.invoke(msg)
	if err != nil {
		r.metrics.RecordDelivery(w.queue, DeliveryFailed)
	} else {
		r.metrics.RecordDelivery(w.queue, DeliveryProcessed)
	}

	if msg.ReplyTo == "" {
		if err != nil {
			r.logger.Error("worker failed",
				"queue", w.queue,
				"error", err)
		}
		w.ack(d)
		return
	}

	var reply contracts.ReplyEnvelope
	if err != nil {
		reply = contracts.NewErrorReply(errorPayload(err))
	} else {
		reply = contracts.NewSuccessReply(result)
	}

	// the reply goes out before the ack so a crash in between redelivers the request
	if err := w.sendReply(msg, reply); err != nil {
		r.logger.Error("failed to send reply",
			"queue", w.queue,
			"replyTo", msg.ReplyTo,
			"correlationId", msg.CorrelationID,
			"error", err)
		if !w.options.NoAck {
			if rejectErr := d.Reject(true); rejectErr != nil {
				r.logger.Error("failed to requeue message", "queue", w.queue, "error", rejectErr)
			}
		}
		return
	}
	w.ack(d)
}

func (w *Worker) handlePacked(d Delivery, env contracts.InboundEnvelope) {
	r := w.registry
	for i, item := range env.Items {
		msg := &Message{
			Destination: w.queue,
			Packed:      true,
			raw:         item,
		}
		if _, err := w.invoke(msg); err != nil {
			r.metrics.RecordDelivery(w.queue, DeliveryFailed)
			r.logger.Error("worker failed on packed item",
				"queue", w.queue,
				"index", i,
				"items", len(env.Items),
				"error", err)
			continue
		}
		r.metrics.RecordDelivery(w.queue, DeliveryProcessed)
	}
	w.ack(d)
}

// invoke runs the handler and turns a panic into an error
func (w *Worker) invoke(msg *Message) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in worker %s: %v", w.queue, rec)
		}
	}()
	return w.handler(w.ctx, msg)
}

func (w *Worker) sendReply(msg *Message, reply contracts.ReplyEnvelope) error {
	r := w.registry

	// a cancelled worker hands the request back instead of answering it
	if err := w.ctx.Err(); err != nil {
		return err
	}

	body, err := r.serializer.Encode(reply)
	if err != nil {
		body, err = r.serializer.Encode(contracts.NewErrorReply(fmt.Sprintf("cannot encode result: %v", err)))
		if err != nil {
			return err
		}
	}

	ch, err := r.provider.Channel(w.ctx)
	if err != nil {
		return err
	}
	err = ch.Send(w.ctx, msg.ReplyTo, body, MessageMetadata{CorrelationID: msg.CorrelationID})
	r.metrics.RecordSend(msg.ReplyTo, "reply", err == nil)
	return err
}

func (w *Worker) ack(d Delivery) {
	if w.options.NoAck {
		return
	}
	if err := d.Acknowledge(); err != nil {
		w.registry.logger.Error("failed to acknowledge message",
			"queue", w.queue,
			"error", err)
	}
}
