package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-lite/contracts"
	"github.com/glimte/mmate-lite/serialization"
)

// PushOption configures a single push
type PushOption func(*PackOptions)

// WithPackSize batches pushes to the destination in groups of size.
// A size of one or less sends immediately.
func WithPackSize(size int) PushOption {
	return func(o *PackOptions) {
		o.QueueSize = size
	}
}

// WithPackInterval sets the flush interval of a newly created pack queue
func WithPackInterval(interval time.Duration) PushOption {
	return func(o *PackOptions) {
		o.Interval = interval
	}
}

// Pusher sends one-way messages to worker queues, either directly or through
// a pack queue
type Pusher struct {
	provider   ChannelProvider
	cache      *QueueCache
	routes     Routes
	serializer serialization.Serializer
	logger     *slog.Logger
	metrics    MetricsCollector
	packs      *PackQueueManager
}

// NewPusher creates a pusher. Pack queues send through the same channel.
func NewPusher(provider ChannelProvider, cache *QueueCache, routes Routes, serializer serialization.Serializer, logger *slog.Logger, metrics MetricsCollector) *Pusher {
	if cache == nil {
		cache = NewQueueCache()
	}
	if serializer == nil {
		serializer = serialization.NewSerializer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoOpMetricsCollector{}
	}
	p := &Pusher{
		provider:   provider,
		cache:      cache,
		routes:     routes,
		serializer: serializer,
		logger:     logger,
		metrics:    metrics,
	}
	p.packs = NewPackQueueManager(p.SendBatch, PackOptions{
		QueueSize: routes.Defaults.QueueSize,
		Interval:  routes.Defaults.Interval,
	}, serializer, logger, metrics)
	return p
}

// Packs returns the pack queue manager
func (p *Pusher) Packs() *PackQueueManager {
	return p.packs
}

// Push sends data to destination's worker queue. With a pack size above one,
// either from options or the destination's route, data is buffered and sent
// as part of a packed envelope.
func (p *Pusher) Push(ctx context.Context, destination string, data interface{}, options ...PushOption) error {
	if destination == "" {
		return ErrEmptyDestination
	}

	route := p.routes.Lookup(destination)
	opts := PackOptions{QueueSize: route.QueueSize, Interval: route.Interval}
	for _, opt := range options {
		opt(&opts)
	}

	if opts.QueueSize > 1 {
		return p.packs.AddItemToQueue(ctx, destination, data, opts)
	}

	body, err := p.serializer.Encode(contracts.NewEnvelope(data))
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return p.send(ctx, destination, body, "push")
}

// SendBatch writes an encoded packed envelope. It is the sender of every pack queue.
func (p *Pusher) SendBatch(ctx context.Context, destination string, body []byte) error {
	return p.send(ctx, destination, body, "batch")
}

// Drain flushes and removes every pack queue
func (p *Pusher) Drain(ctx context.Context) error {
	return p.packs.ClearAllQueues(ctx)
}

func (p *Pusher) send(ctx context.Context, destination string, body []byte, kind string) error {
	ch, err := p.provider.Channel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}

	route := p.routes.Lookup(destination)
	if _, err := p.cache.EnsureQueue(ctx, ch, workerQueueKey(destination), destination, WorkerQueueOptions(route)); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", destination, err)
	}

	err = ch.Send(ctx, destination, body, MessageMetadata{Persistent: true})
	p.metrics.RecordSend(destination, kind, err == nil)
	if err != nil {
		return fmt.Errorf("failed to send to %s: %w", destination, err)
	}
	return nil
}
