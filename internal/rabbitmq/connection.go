package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-lite/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens an AMQP connection
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url         string
	dial        Dialer
	dialTimeout time.Duration
	backoff     *reliability.ExponentialBackoff
	logger      *slog.Logger

	mu           sync.RWMutex
	conn         *amqp.Connection
	isConnected  bool
	reconnecting bool
	closed       bool
	ctx          context.Context
	cancel       context.CancelFunc

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the first reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.InitialInterval = delay
	}
}

// WithMaxReconnectDelay caps the reconnection delay
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.MaxInterval = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. Zero retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff.MaxAttempts = retries
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnectionManager{
		url:         url,
		dial:        amqp.Dial,
		dialTimeout: 30 * time.Second,
		backoff:     reliability.NewExponentialBackoff(time.Second, time.Minute, 2.0, 0),
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection. It is a no-op when connected.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	switch {
	case cm.closed:
		cm.mu.Unlock()
		return ErrConnectionClosed
	case cm.isConnected:
		cm.mu.Unlock()
		return nil
	case cm.reconnecting:
		cm.mu.Unlock()
		return ErrConnectionNotReady
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		cm.mu.Unlock()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	cm.attach(conn)
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()
	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	cm.isConnected = false
	cm.cancel()

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// dialContext runs the dial in the background so ctx and the dial timeout apply
func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		return res.conn, res.err
	case <-dialCtx.Done():
		go func() {
			// close a connection that arrives after we gave up on it
			if res := <-done; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.reconnecting = false
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notifyClose)
}

func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-notifyClose:
	case <-cm.ctx.Done():
		return
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.isConnected = false
	cm.reconnecting = true
	cm.conn = nil
	cm.mu.Unlock()

	var err error
	if amqpErr != nil {
		err = amqpErr
		cm.logger.Error("connection closed", "error", amqpErr)
	} else {
		err = ErrConnectionClosed
		cm.logger.Warn("connection closed by server")
	}
	cm.notifyDisconnected(err)

	cm.reconnect()
}

// reconnect dials until it succeeds, the backoff gives up or the manager is closed
func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	attempt := 0

	err := reliability.Retry(cm.ctx, "reconnect", cm.backoff, func() error {
		attempt++
		cm.logger.Info("attempting to reconnect", "attempt", attempt)
		cm.notifyReconnecting(attempt)

		conn, err := cm.dialContext(cm.ctx)
		if err != nil {
			cm.logger.Error("reconnection failed", "attempt", attempt, "error", err)
			return err
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			_ = conn.Close()
			return reliability.Permanent(ErrConnectionClosed)
		}
		cm.attach(conn)
		cm.mu.Unlock()
		return nil
	})

	if err == nil {
		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(start))
		cm.notifyConnected()
		return
	}

	cm.mu.Lock()
	cm.reconnecting = false
	closed := cm.closed
	cm.mu.Unlock()
	if closed {
		return
	}

	cm.logger.Error("giving up reconnecting", "attempts", attempt, "error", err)
	cm.notifyDisconnected(&ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       ErrMaxRetriesExceeded,
		Timestamp: time.Now(),
		Attempts:  attempt,
	})
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

// Listeners are called synchronously and in registration order, so a
// listener registered earlier sees a disconnect before later ones react to
// the following reconnect.
func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		listener.OnReconnecting(attempt)
	}
}
