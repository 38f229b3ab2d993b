package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-lite/internal/reliability"
)

// ChannelProvider hands out the shared channel. The same channel is returned
// until it closes or the connection drops; the replacement carries the next
// generation number.
type ChannelProvider struct {
	manager *ConnectionManager
	breaker *reliability.CircuitBreaker
	logger  *slog.Logger

	mu         sync.Mutex
	current    *Channel
	generation uint64
	closed     bool
}

// ChannelProviderOption configures the ChannelProvider
type ChannelProviderOption func(*ChannelProvider)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelProviderOption {
	return func(p *ChannelProvider) {
		p.logger = logger
	}
}

// WithCircuitBreaker guards publishes with breaker
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) ChannelProviderOption {
	return func(p *ChannelProvider) {
		p.breaker = breaker
	}
}

// NewChannelProvider creates a provider on top of manager and subscribes to
// its state changes
func NewChannelProvider(manager *ConnectionManager, options ...ChannelProviderOption) *ChannelProvider {
	p := &ChannelProvider{
		manager: manager,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("rabbitmq-publish"),
			reliability.WithBreakerLogger(p.logger),
		)
	}
	manager.AddStateListener(p)
	return p
}

// Get returns the current channel, connecting and opening one if needed
func (p *ChannelProvider) Get(ctx context.Context) (*Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrChannelClosed
	}
	if p.current != nil && !p.current.IsClosed() {
		return p.current, nil
	}

	if err := p.manager.Connect(ctx); err != nil {
		return nil, err
	}
	conn, err := p.manager.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Generation: p.generation + 1, Err: err}
	}

	p.generation++
	p.current = newChannel(ch, p.generation, p.breaker, p.logger)
	p.logger.Info("opened channel", "generation", p.generation)
	return p.current, nil
}

// Generation returns the generation of the most recent channel
func (p *ChannelProvider) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Breaker returns the circuit breaker guarding publishes
func (p *ChannelProvider) Breaker() *reliability.CircuitBreaker {
	return p.breaker
}

// Invalidate drops the current channel so the next Get opens a new one
func (p *ChannelProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		_ = p.current.Close()
		p.current = nil
	}
}

// Close closes the current channel; later calls to Get fail
func (p *ChannelProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.manager.RemoveStateListener(p)
	if p.current == nil {
		return nil
	}
	err := p.current.Close()
	p.current = nil
	if errors.Is(err, ErrChannelClosed) {
		return nil
	}
	return err
}

// OnConnected implements ConnectionStateListener
func (p *ChannelProvider) OnConnected() {}

// OnDisconnected implements ConnectionStateListener
func (p *ChannelProvider) OnDisconnected(err error) {
	p.Invalidate()
}

// OnReconnecting implements ConnectionStateListener
func (p *ChannelProvider) OnReconnecting(attempt int) {}
