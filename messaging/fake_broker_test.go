package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errChannelClosed = errors.New("channel closed")

// fakeBroker is an in-memory broker with a single replaceable channel
type fakeBroker struct {
	mu           sync.Mutex
	generation   uint64
	queues       map[string]*fakeQueue
	exchanges    map[string][]string
	consumers    map[string]*fakeConsumer
	declares     map[string]int
	declareDelay time.Duration
	failDeclares int
	failSends    int
	sent         []fakeMessage
	events       []string
	seq          int
}

type fakeQueue struct {
	name     string
	options  QueueOptions
	consumer *fakeConsumer
	backlog  []*fakeDelivery
}

type fakeConsumer struct {
	tag     string
	queue   string
	options ConsumeOptions
	ch      chan *fakeDelivery
}

type fakeMessage struct {
	destination string
	exchange    string
	body        []byte
	metadata    MessageMetadata
}

type fakeDelivery struct {
	broker  *fakeBroker
	queue   string
	message fakeMessage
}

func (d *fakeDelivery) Body() []byte          { return d.message.body }
func (d *fakeDelivery) CorrelationID() string { return d.message.metadata.CorrelationID }
func (d *fakeDelivery) ReplyTo() string       { return d.message.metadata.ReplyTo }

func (d *fakeDelivery) Acknowledge() error {
	d.broker.record("ack:" + d.queue)
	return nil
}

func (d *fakeDelivery) Reject(requeue bool) error {
	d.broker.record(fmt.Sprintf("reject:%s:%t", d.queue, requeue))
	return nil
}

type fakeChannel struct {
	broker     *fakeBroker
	generation uint64
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		generation: 1,
		queues:     make(map[string]*fakeQueue),
		exchanges:  make(map[string][]string),
		consumers:  make(map[string]*fakeConsumer),
		declares:   make(map[string]int),
	}
}

func (b *fakeBroker) Channel(ctx context.Context) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &fakeChannel{broker: b, generation: b.generation}, nil
}

// reconnect replaces the channel: consumers stop and exclusive queues vanish
func (b *fakeBroker) reconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generation++
	for tag, c := range b.consumers {
		if q, ok := b.queues[c.queue]; ok {
			q.consumer = nil
		}
		close(c.ch)
		delete(b.consumers, tag)
	}
	for name, q := range b.queues {
		if q.options.Exclusive {
			delete(b.queues, name)
		}
	}
}

func (b *fakeBroker) record(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *fakeBroker) eventLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

func (b *fakeBroker) declareCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declares[name]
}

func (b *fakeBroker) sentTo(destination string) []fakeMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []fakeMessage
	for _, m := range b.sent {
		if m.destination == destination {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBroker) queue(name string) (*fakeQueue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

func (b *fakeBroker) consumerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.consumers)
}

// inject delivers raw bytes to a queue as if another client had sent them
func (b *fakeBroker) inject(queue string, body []byte, metadata MessageMetadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver(queue, fakeMessage{destination: queue, body: body, metadata: metadata})
}

// deliver must be called with mu held
func (b *fakeBroker) deliver(queue string, msg fakeMessage) {
	q, ok := b.queues[queue]
	if !ok {
		return
	}
	d := &fakeDelivery{broker: b, queue: queue, message: msg}
	if q.consumer != nil {
		q.consumer.ch <- d
		return
	}
	q.backlog = append(q.backlog, d)
}

func (c *fakeChannel) Generation() uint64 {
	return c.generation
}

// open must be called with broker.mu held
func (c *fakeChannel) open() error {
	if c.generation != c.broker.generation {
		return errChannelClosed
	}
	return nil
}

func (c *fakeChannel) DeclareQueue(ctx context.Context, name string, options QueueOptions) (string, error) {
	if c.broker.declareDelay > 0 {
		time.Sleep(c.broker.declareDelay)
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := c.open(); err != nil {
		return "", err
	}
	b.declares[name]++
	if b.failDeclares > 0 {
		b.failDeclares--
		return "", errors.New("declare failed")
	}
	if name == "" {
		b.seq++
		name = fmt.Sprintf("amq.gen-%d", b.seq)
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &fakeQueue{name: name, options: options}
	}
	return name, nil
}

func (c *fakeChannel) DeclareExchange(ctx context.Context, name string, options ExchangeOptions) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := c.open(); err != nil {
		return err
	}
	b.declares["exchange:"+name]++
	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = nil
	}
	return nil
}

func (c *fakeChannel) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := c.open(); err != nil {
		return err
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("no exchange %s", exchange)
	}
	b.exchanges[exchange] = append(b.exchanges[exchange], queue)
	return nil
}

func (c *fakeChannel) Send(ctx context.Context, destination string, body []byte, metadata MessageMetadata) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := c.open(); err != nil {
		return err
	}
	if b.failSends > 0 {
		b.failSends--
		return errors.New("send failed")
	}
	msg := fakeMessage{destination: destination, body: body, metadata: metadata}
	b.sent = append(b.sent, msg)
	b.events = append(b.events, "send:"+destination)
	b.deliver(destination, msg)
	return nil
}

func (c *fakeChannel) Publish(ctx context.Context, exchange, routingKey string, body []byte, metadata MessageMetadata) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := c.open(); err != nil {
		return err
	}
	msg := fakeMessage{exchange: exchange, body: body, metadata: metadata}
	b.sent = append(b.sent, msg)
	b.events = append(b.events, "publish:"+exchange)
	for _, q := range b.exchanges[exchange] {
		b.deliver(q, msg)
	}
	return nil
}

func (c *fakeChannel) Consume(ctx context.Context, queue string, handler DeliveryHandler, options ConsumeOptions) (string, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := c.open(); err != nil {
		return "", err
	}
	q, ok := b.queues[queue]
	if !ok {
		return "", fmt.Errorf("no queue %s", queue)
	}

	tag := options.ConsumerTag
	if tag == "" {
		b.seq++
		tag = fmt.Sprintf("ctag-%d", b.seq)
	}
	consumer := &fakeConsumer{tag: tag, queue: queue, options: options, ch: make(chan *fakeDelivery, 1024)}
	q.consumer = consumer
	b.consumers[tag] = consumer
	for _, d := range q.backlog {
		consumer.ch <- d
	}
	q.backlog = nil

	go func() {
		for d := range consumer.ch {
			handler(d)
		}
	}()
	return tag, nil
}

func (c *fakeChannel) Cancel(consumerTag string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := c.open(); err != nil {
		return err
	}
	consumer, ok := b.consumers[consumerTag]
	if !ok {
		return nil
	}
	delete(b.consumers, consumerTag)
	if q, ok := b.queues[consumer.queue]; ok && q.consumer == consumer {
		q.consumer = nil
	}
	close(consumer.ch)
	return nil
}

// recordingMetrics counts what the components report
type recordingMetrics struct {
	NoOpMetricsCollector

	mu         sync.Mutex
	calls      map[CallOutcome]int
	deliveries map[DeliveryOutcome]int
	flushes    int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		calls:      make(map[CallOutcome]int),
		deliveries: make(map[DeliveryOutcome]int),
	}
}

func (m *recordingMetrics) RecordCall(destination string, outcome CallOutcome, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[outcome]++
}

func (m *recordingMetrics) RecordDelivery(destination string, outcome DeliveryOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[outcome]++
}

func (m *recordingMetrics) RecordFlush(destination string, items int, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
}

func (m *recordingMetrics) callCount(outcome CallOutcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[outcome]
}

func (m *recordingMetrics) deliveryCount(outcome DeliveryOutcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveries[outcome]
}

func (m *recordingMetrics) flushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}
