// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-lite/internal/rabbitmq"
	"github.com/glimte/mmate-lite/messaging"
	"github.com/glimte/mmate-lite/serialization"
	rabbitmqTransport "github.com/glimte/mmate-lite/transports/rabbitmq"
)

// resubscribeTimeout bounds re-establishing consumers after a reconnect
const resubscribeTimeout = 30 * time.Second

// connectionNotifier is implemented by providers that report connection state
type connectionNotifier interface {
	AddStateListener(listener rabbitmq.ConnectionStateListener)
	RemoveStateListener(listener rabbitmq.ConnectionStateListener)
}

// Client provides the main entry point for mmate-lite. It shares one broker
// channel between pushes, RPC calls, workers and topic subscriptions.
type Client struct {
	provider  messaging.ChannelProvider
	transport *rabbitmqTransport.Transport
	notifier  connectionNotifier
	listener  *connectionListener

	cache   *messaging.QueueCache
	pusher  *messaging.Pusher
	rpc     *messaging.RequestReplyClient
	workers *messaging.WorkerRegistry
	topics  *messaging.Topics

	logger            *slog.Logger
	metrics           messaging.MetricsCollector
	onConnectionError func(error)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewClient creates a client with the default RabbitMQ transport. The
// connection is opened lazily; call EnsureConnection to connect up front.
func NewClient(connectionString string, options ...ClientOption) (*Client, error) {
	if connectionString == "" {
		return nil, errors.New("mmate: connection string cannot be empty")
	}

	cfg := newClientConfig(options)

	transportOpts := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithTransportLogger(cfg.logger),
	}
	if cfg.enableFIFO {
		transportOpts = append(transportOpts, rabbitmqTransport.WithFIFOMode(true))
	}
	transportOpts = append(transportOpts, cfg.transportOptions...)

	transport := rabbitmqTransport.NewTransport(connectionString, transportOpts...)
	c := newClient(transport, cfg)
	c.transport = transport
	return c, nil
}

// NewClientWithProvider creates a client on top of an existing channel
// provider. Providers that also report connection state get consumers
// re-established after a reconnect.
func NewClientWithProvider(provider messaging.ChannelProvider, options ...ClientOption) *Client {
	return newClient(provider, newClientConfig(options))
}

func newClient(provider messaging.ChannelProvider, cfg *clientConfig) *Client {
	cache := messaging.NewQueueCache()
	c := &Client{
		provider:          provider,
		cache:             cache,
		logger:            cfg.logger,
		metrics:           cfg.metrics,
		onConnectionError: cfg.onConnectionError,
	}

	c.pusher = messaging.NewPusher(provider, cache, cfg.routes, cfg.serializer, cfg.logger, cfg.metrics)
	c.rpc = messaging.NewRequestReplyClient(provider, cache,
		messaging.WithRequestRoutes(cfg.routes),
		messaging.WithRequestSerializer(cfg.serializer),
		messaging.WithRequestLogger(cfg.logger),
		messaging.WithRequestMetrics(cfg.metrics),
	)
	c.workers = messaging.NewWorkerRegistry(provider, cache,
		messaging.WithWorkerRoutes(cfg.routes),
		messaging.WithWorkerSerializer(cfg.serializer),
		messaging.WithWorkerLogger(cfg.logger),
		messaging.WithWorkerMetrics(cfg.metrics),
	)
	c.topics = messaging.NewTopics(provider, cache,
		messaging.WithTopicSerializer(cfg.serializer),
		messaging.WithTopicLogger(cfg.logger),
		messaging.WithTopicMetrics(cfg.metrics),
	)

	if notifier, ok := provider.(connectionNotifier); ok {
		c.notifier = notifier
		c.listener = &connectionListener{client: c}
		notifier.AddStateListener(c.listener)
		if l, ok := cfg.metrics.(rabbitmq.ConnectionStateListener); ok {
			notifier.AddStateListener(l)
		}
	}
	return c
}

// EnsureConnection opens the connection and the shared channel
func (c *Client) EnsureConnection(ctx context.Context) error {
	if c.isClosed() {
		return messaging.ErrClientClosed
	}
	_, err := c.provider.Channel(ctx)
	return err
}

// AddWorker consumes queue with fn. Requests carrying a reply address are
// answered with fn's result.
func (c *Client) AddWorker(ctx context.Context, queue string, fn messaging.WorkerFunc, options ...messaging.WorkerOption) error {
	if c.isClosed() {
		return messaging.ErrClientClosed
	}
	return c.workers.AddWorker(ctx, queue, fn, options...)
}

// CancelWorkers flushes every pack queue and then stops all workers
func (c *Client) CancelWorkers(ctx context.Context) error {
	drainErr := c.pusher.Drain(ctx)
	return errors.Join(drainErr, c.workers.CancelWorkers(ctx))
}

// SendPush sends data to queue without waiting for a result
func (c *Client) SendPush(ctx context.Context, queue string, data interface{}, options ...messaging.PushOption) error {
	if c.isClosed() {
		return messaging.ErrClientClosed
	}
	return c.pusher.Push(ctx, queue, data, options...)
}

// Call sends payload to destination and waits for the worker's reply
func (c *Client) Call(ctx context.Context, destination string, payload interface{}, options ...messaging.CallOption) (*messaging.Reply, error) {
	if c.isClosed() {
		return nil, messaging.ErrClientClosed
	}
	return c.rpc.Call(ctx, destination, payload, options...)
}

// Publish sends data to every subscriber of exchange
func (c *Client) Publish(ctx context.Context, exchange string, data interface{}) error {
	if c.isClosed() {
		return messaging.ErrClientClosed
	}
	return c.topics.Publish(ctx, exchange, data)
}

// Subscribe receives everything published to exchange from now on. The
// returned id cancels the subscription via Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, exchange string, fn messaging.SubscriberFunc) (string, error) {
	if c.isClosed() {
		return "", messaging.ErrClientClosed
	}
	return c.topics.Subscribe(ctx, exchange, fn)
}

// Unsubscribe stops a subscription
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.topics.Unsubscribe(ctx, id)
}

// PendingCalls returns the number of calls to destination awaiting a reply
func (c *Client) PendingCalls(destination string) int {
	return c.rpc.Pending(destination)
}

// MetricsCollector returns the collector the components report to
func (c *Client) MetricsCollector() messaging.MetricsCollector {
	return c.metrics
}

// Workers returns the queues consumed by workers
func (c *Client) Workers() []string {
	return c.workers.Workers()
}

// Transport returns the RabbitMQ transport, or nil for a client built on a
// custom provider
func (c *Client) Transport() *rabbitmqTransport.Transport {
	return c.transport
}

// Close shuts the client down with a background context
func (c *Client) Close() error {
	return c.Shutdown(context.Background())
}

// Shutdown flushes pack queues, rejects pending calls with
// messaging.ErrClientClosed, stops consumers and closes the transport.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.RemoveStateListener(c.listener)
	}
	c.wg.Wait()

	var errs []error
	if err := c.pusher.Drain(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.rpc.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.workers.CancelWorkers(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.topics.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info("client closed")
	return errors.Join(errs...)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// resubscribe restarts workers and subscriptions left on a replaced channel
func (c *Client) resubscribe() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
		defer cancel()

		if err := c.workers.Resubscribe(ctx); err != nil {
			c.logger.Error("failed to restart workers", "error", err)
		}
		if err := c.topics.Resubscribe(ctx); err != nil {
			c.logger.Error("failed to restart subscriptions", "error", err)
		}
	}()
}

type connectionListener struct {
	client *Client
}

func (l *connectionListener) OnConnected() {
	l.client.resubscribe()
}

func (l *connectionListener) OnDisconnected(err error) {
	l.client.logger.Warn("connection lost", "error", err)
	if l.client.onConnectionError != nil {
		l.client.onConnectionError(err)
	}
}

func (l *connectionListener) OnReconnecting(attempt int) {
	l.client.logger.Debug("reconnecting", "attempt", attempt)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger            *slog.Logger
	metrics           messaging.MetricsCollector
	serializer        serialization.Serializer
	routes            messaging.Routes
	enableFIFO        bool
	onConnectionError func(error)
	transportOptions  []rabbitmqTransport.TransportOption
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:     slog.Default(),
		metrics:    messaging.NoOpMetricsCollector{},
		serializer: serialization.NewSerializer(),
		routes: messaging.Routes{
			Defaults: messaging.RouteOptions{
				QueueSize: messaging.DefaultPackSize,
				Interval:  messaging.DefaultPackInterval,
			},
		},
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithMetrics sets the metrics collector. A collector that also implements
// rabbitmq.ConnectionStateListener is told about connection changes.
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithSerializer replaces the msgpack+gzip serializer
func WithSerializer(serializer serialization.Serializer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serializer = serializer
	}
}

// WithRoutes sets the per-destination TTL, reply expiry and batching options
func WithRoutes(routes messaging.Routes) ClientOption {
	return func(cfg *clientConfig) {
		cfg.routes = routes
	}
}

// WithFIFOMode enables FIFO mode for strict message ordering
func WithFIFOMode(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.enableFIFO = enabled
	}
}

// WithOnConnectionError registers fn to be called once per lost connection
func WithOnConnectionError(fn func(error)) ClientOption {
	return func(cfg *clientConfig) {
		cfg.onConnectionError = fn
	}
}

// WithTransportOptions passes options to the RabbitMQ transport
func WithTransportOptions(opts ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportOptions = append(cfg.transportOptions, opts...)
	}
}
