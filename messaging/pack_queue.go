package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-lite/contracts"
	"github.com/glimte/mmate-lite/serialization"
)

// defaultFlushTimeout bounds the send of a timer-triggered flush
const defaultFlushTimeout = 30 * time.Second

// BatchSender writes one encoded packed envelope to destination
type BatchSender func(ctx context.Context, destination string, body []byte) error

// PackQueue buffers values for one destination and sends them as packed
// envelopes. A flush happens when the buffer reaches the batch size, when the
// interval timer fires, or on Drain. Flushes never overlap and always take the
// oldest items first.
type PackQueue struct {
	destination  string
	maxBatchSize int
	interval     time.Duration
	flushTimeout time.Duration
	send         BatchSender
	serializer   serialization.Serializer
	logger       *slog.Logger
	metrics      MetricsCollector

	mu     sync.Mutex
	buffer []interface{}
	timer  *time.Timer
	closed bool

	flushMu sync.Mutex
}

// PackQueueOption configures a PackQueue
type PackQueueOption func(*PackQueue)

// WithPackSerializer sets the serializer used to encode batches
func WithPackSerializer(serializer serialization.Serializer) PackQueueOption {
	return func(q *PackQueue) {
		q.serializer = serializer
	}
}

// WithPackLogger sets the logger
func WithPackLogger(logger *slog.Logger) PackQueueOption {
	return func(q *PackQueue) {
		q.logger = logger
	}
}

// WithPackMetrics sets the metrics collector
func WithPackMetrics(metrics MetricsCollector) PackQueueOption {
	return func(q *PackQueue) {
		q.metrics = metrics
	}
}

// WithFlushTimeout bounds sends triggered by the interval timer
func WithFlushTimeout(timeout time.Duration) PackQueueOption {
	return func(q *PackQueue) {
		q.flushTimeout = timeout
	}
}

// NewPackQueue creates a pack queue and arms its interval timer
func NewPackQueue(destination string, maxBatchSize int, interval time.Duration, send BatchSender, options ...PackQueueOption) *PackQueue {
	if maxBatchSize < 1 {
		maxBatchSize = 1
	}
	if interval <= 0 {
		interval = DefaultPackInterval
	}

	q := &PackQueue{
		destination:  destination,
		maxBatchSize: maxBatchSize,
		interval:     interval,
		flushTimeout: defaultFlushTimeout,
		send:         send,
		serializer:   serialization.NewSerializer(),
		logger:       slog.Default(),
		metrics:      NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(q)
	}

	// onTimer reads q.timer under mu, so it must not run before the assignment
	q.mu.Lock()
	q.timer = time.AfterFunc(interval, q.onTimer)
	q.mu.Unlock()
	return q
}

// Destination returns the queue the batches are sent to
func (q *PackQueue) Destination() string {
	return q.destination
}

// Len returns the number of buffered items
func (q *PackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}

// Push appends item. When the buffer reaches the batch size Push flushes one
// batch and returns once that send has completed, so producers are slowed down
// to the rate of the broker.
func (q *PackQueue) Push(ctx context.Context, item interface{}) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrPackQueueClosed
	}
	q.buffer = append(q.buffer, item)
	full := len(q.buffer) >= q.maxBatchSize
	q.mu.Unlock()

	if !full {
		return nil
	}
	return q.flush(ctx, true)
}

// Flush sends up to one batch of the oldest buffered items
func (q *PackQueue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	return q.flushLocked(ctx, false, false)
}

// Drain closes the queue and sends everything still buffered. A flush already
// in flight finishes before Drain returns. Later pushes fail with
// ErrPackQueueClosed.
func (q *PackQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.timer.Stop()
	q.mu.Unlock()

	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	for q.Len() > 0 {
		if err := q.flushLocked(ctx, false, false); err != nil {
			q.logger.Error("pack queue drain failed",
				"destination", q.destination,
				"remaining", q.Len(),
				"error", err)
			return err
		}
	}
	return nil
}

func (q *PackQueue) onTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), q.flushTimeout)
	defer cancel()

	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	if err := q.flushLocked(ctx, false, true); err != nil {
		q.logger.Warn("timed flush failed, batch kept for the next flush",
			"destination", q.destination,
			"buffered", q.Len(),
			"error", err)
	}
}

// flush sends at most maxBatchSize items. With onlyFull set nothing is sent
// unless a whole batch is buffered, so concurrent pushes that each observed a
// full buffer do not produce undersized batches.
func (q *PackQueue) flush(ctx context.Context, onlyFull bool) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	return q.flushLocked(ctx, onlyFull, false)
}

// flushLocked must be called with flushMu held. With keep set a batch whose
// send fails goes back to the front of the buffer.
func (q *PackQueue) flushLocked(ctx context.Context, onlyFull, keep bool) error {
	q.mu.Lock()
	q.timer.Stop()
	batch := q.take(onlyFull)
	q.mu.Unlock()

	var err error
	if len(batch) > 0 {
		err = q.sendBatch(ctx, batch)
	}

	q.mu.Lock()
	if err != nil && keep {
		q.buffer = append(batch, q.buffer...)
	}
	if !q.closed {
		q.timer.Reset(q.interval)
	}
	q.mu.Unlock()

	return err
}

// take must be called with mu held
func (q *PackQueue) take(onlyFull bool) []interface{} {
	n := len(q.buffer)
	if n == 0 || (onlyFull && n < q.maxBatchSize) {
		return nil
	}
	if n > q.maxBatchSize {
		n = q.maxBatchSize
	}

	batch := make([]interface{}, n)
	copy(batch, q.buffer[:n])
	if n == len(q.buffer) {
		q.buffer = nil
	} else {
		q.buffer = append([]interface{}(nil), q.buffer[n:]...)
	}
	return batch
}

func (q *PackQueue) sendBatch(ctx context.Context, batch []interface{}) error {
	start := time.Now()
	body, err := q.serializer.Encode(contracts.NewPackedEnvelope(batch))
	if err == nil {
		err = q.send(ctx, q.destination, body)
	}
	q.metrics.RecordFlush(q.destination, len(batch), time.Since(start), err)

	if err != nil {
		return err
	}
	q.logger.Debug("flushed pack queue",
		"destination", q.destination,
		"items", len(batch))
	return nil
}
