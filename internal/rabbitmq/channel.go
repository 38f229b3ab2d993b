package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-lite/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is one AMQP channel shared by every component of a client.
// Synchronous channel methods are serialized by mu because amqp091 channels
// must not be used concurrently for publishing.
type Channel struct {
	ch         *amqp.Channel
	generation uint64
	breaker    *reliability.CircuitBreaker
	logger     *slog.Logger

	mu     sync.Mutex
	closed atomic.Bool
	done   chan struct{}
}

func newChannel(ch *amqp.Channel, generation uint64, breaker *reliability.CircuitBreaker, logger *slog.Logger) *Channel {
	c := &Channel{
		ch:         ch,
		generation: generation,
		breaker:    breaker,
		logger:     logger,
		done:       make(chan struct{}),
	}
	notifyClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(notifyClose)
	return c
}

// Generation identifies this channel instance
func (c *Channel) Generation() uint64 {
	return c.generation
}

// IsClosed reports whether the channel can no longer be used
func (c *Channel) IsClosed() bool {
	return c.closed.Load() || c.ch.IsClosed()
}

// Done is closed when the channel closes
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close closes the underlying AMQP channel
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ch.Close()
}

func (c *Channel) watch(notifyClose <-chan *amqp.Error) {
	err := <-notifyClose
	c.closed.Store(true)
	close(c.done)
	if err != nil {
		c.logger.Warn("channel closed", "generation", c.generation, "error", err)
		return
	}
	c.logger.Debug("channel closed", "generation", c.generation)
}

// do runs fn on the AMQP channel while holding the channel lock
func (c *Channel) do(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.IsClosed() {
		return &ChannelError{Op: "use", Generation: c.generation, Err: ErrChannelClosed}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c.ch)
}
