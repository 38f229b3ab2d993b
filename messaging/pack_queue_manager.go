package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-lite/serialization"
)

// PackOptions overrides batching for a single push. Zero fields use the
// manager defaults.
type PackOptions struct {
	QueueSize int
	Interval  time.Duration
}

// PackQueueManager owns one PackQueue per destination
type PackQueueManager struct {
	send       BatchSender
	defaults   PackOptions
	serializer serialization.Serializer
	logger     *slog.Logger
	metrics    MetricsCollector

	mu     sync.Mutex
	queues map[string]*PackQueue
}

// NewPackQueueManager creates a manager whose queues send through send
func NewPackQueueManager(send BatchSender, defaults PackOptions, serializer serialization.Serializer, logger *slog.Logger, metrics MetricsCollector) *PackQueueManager {
	if defaults.QueueSize < 1 {
		defaults.QueueSize = DefaultPackSize
	}
	if defaults.Interval <= 0 {
		defaults.Interval = DefaultPackInterval
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
	return &PackQueueManager{
		send:       send,
		defaults:   defaults,
		serializer: serializer,
		logger:     logger,
		metrics:    metrics,
		queues:     make(map[string]*PackQueue),
	}
}

// AddItemToQueue pushes item onto the queue for destination, creating it on
// first use. The options of the first push decide the queue's size and interval.
func (m *PackQueueManager) AddItemToQueue(ctx context.Context, destination string, item interface{}, options PackOptions) error {
	if destination == "" {
		return ErrEmptyDestination
	}
	return m.queue(destination, options).Push(ctx, item)
}

// Queue returns the queue for destination, or nil
func (m *PackQueueManager) Queue(destination string) *PackQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[destination]
}

// Len returns the number of live queues
func (m *PackQueueManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// ClearAllQueues drains and removes every queue. New pushes afterwards start
// fresh queues.
func (m *PackQueueManager) ClearAllQueues(ctx context.Context) error {
	m.mu.Lock()
	queues := m.queues
	m.queues = make(map[string]*PackQueue)
	m.mu.Unlock()

	var errs []error
	for _, q := range queues {
		if err := q.Drain(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *PackQueueManager) queue(destination string, options PackOptions) *PackQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[destination]; ok {
		return q
	}

	size := options.QueueSize
	if size < 1 {
		size = m.defaults.QueueSize
	}
	interval := options.Interval
	if interval <= 0 {
		interval = m.defaults.Interval
	}

	q := NewPackQueue(destination, size, interval, m.send,
		WithPackSerializer(m.serializer),
		WithPackLogger(m.logger),
		WithPackMetrics(m.metrics),
	)
	m.queues[destination] = q
	m.logger.Debug("created pack queue",
		"destination", destination,
		"size", size,
		"interval", interval)
	return q
}
