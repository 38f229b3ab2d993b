package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-lite/contracts"
	"github.com/glimte/mmate-lite/serialization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers the values a worker was given
type collector struct {
	mu     sync.Mutex
	values []string
	packed []bool
}

func (c *collector) handle(ctx context.Context, msg *Message) (interface{}, error) {
	var s string
	if err := msg.Decode(&s); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.values = append(c.values, s)
	c.packed = append(c.packed, msg.Packed)
	c.mu.Unlock()

	switch s {
	case "fail":
		return nil, errors.New("item failed")
	case "panic":
		panic("item panicked")
	}
	return s, nil
}

func (c *collector) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.values...)
}

func encodeEnvelope(t *testing.T, env interface{}) []byte {
	t.Helper()
	body, err := serialization.NewSerializer().Encode(env)
	require.NoError(t, err)
	return body
}

func countEvents(events []string, prefix string) int {
	n := 0
	for _, e := range events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func TestWorker_PackedPushesDeliveredInOrder(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	c := &collector{}
	require.NoError(t, s.workers.AddWorker(ctx, "batch", c.handle))

	for _, item := range []string{"one", "two", "three"} {
		require.NoError(t, s.pusher.Push(ctx, "batch", item, WithPackSize(3), WithPackInterval(time.Hour)))
	}

	require.Eventually(t, func() bool { return len(c.seen()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, c.seen())
	assert.Equal(t, []bool{true, true, true}, c.packed)

	sent := s.broker.sentTo("batch")
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].metadata.ReplyTo)
	assert.True(t, sent[0].metadata.Persistent)
}

func TestWorker_PackedItemsAreIsolated(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	c := &collector{}
	require.NoError(t, s.workers.AddWorker(ctx, "batch", c.handle))

	body := encodeEnvelope(t, contracts.NewPackedEnvelope([]interface{}{"a", "fail", "panic", 3.5, "d"}))
	s.broker.inject("batch", body, MessageMetadata{})

	require.Eventually(t, func() bool {
		return countEvents(s.broker.eventLog(), "ack:batch") == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"a", "fail", "panic", "d"}, c.seen())
	assert.Equal(t, 2, s.metrics.deliveryCount(DeliveryProcessed))
	assert.Equal(t, 3, s.metrics.deliveryCount(DeliveryFailed))
	assert.Empty(t, s.broker.sentTo(""))
}

func TestWorker_MalformedMessageIsAckedWithoutHandler(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	var called atomic.Int32
	require.NoError(t, s.workers.AddWorker(ctx, "jobs", func(ctx context.Context, msg *Message) (interface{}, error) {
		called.Add(1)
		return nil, nil
	}))

	s.broker.inject("jobs", []byte{0x01, 0x02, 0x03}, MessageMetadata{})

	require.Eventually(t, func() bool {
		return countEvents(s.broker.eventLog(), "ack:jobs") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), called.Load())
	assert.Equal(t, 1, s.metrics.deliveryCount(DeliveryMalformed))

	// the consumer keeps running
	s.broker.inject("jobs", encodeEnvelope(t, contracts.NewEnvelope("ok")), MessageMetadata{})
	require.Eventually(t, func() bool { return called.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWorker_ReplyIsSentBeforeAck(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	require.NoError(t, s.workers.AddWorker(ctx, "echo", echoWorker))

	_, err := s.rpc.Call(ctx, "echo", "hi", WithTTL(time.Second))
	require.NoError(t, err)

	replyTo := s.broker.sentTo("echo")[0].metadata.ReplyTo
	require.Eventually(t, func() bool {
		return countEvents(s.broker.eventLog(), "ack:echo") == 1
	}, time.Second, 5*time.Millisecond)

	events := s.broker.eventLog()
	replyAt, ackAt := -1, -1
	for i, e := range events {
		switch e {
		case "send:" + replyTo:
			replyAt = i
		case "ack:echo":
			ackAt = i
		}
	}
	require.NotEqual(t, -1, replyAt)
	assert.Less(t, replyAt, ackAt)
}

func TestWorker_FailedReplyRequeuesRequest(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	require.NoError(t, s.workers.AddWorker(ctx, "echo", echoWorker))
	s.broker.failSends = 1

	s.broker.inject("echo", encodeEnvelope(t, contracts.NewEnvelope("hi")), MessageMetadata{
		CorrelationID: "c-1",
		ReplyTo:       "nowhere",
	})

	require.Eventually(t, func() bool {
		return countEvents(s.broker.eventLog(), "reject:echo:true") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, countEvents(s.broker.eventLog(), "ack:echo"))
}

func TestWorker_ErrorWithoutReplyToIsAcked(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	c := &collector{}
	require.NoError(t, s.workers.AddWorker(ctx, "jobs", c.handle))

	require.NoError(t, s.pusher.Push(ctx, "jobs", "fail"))

	require.Eventually(t, func() bool {
		return countEvents(s.broker.eventLog(), "ack:jobs") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"fail"}, c.seen())
	assert.Equal(t, []bool{false}, c.packed)
}

func TestWorker_NoAck(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	c := &collector{}
	require.NoError(t, s.workers.AddWorker(ctx, "jobs", c.handle, WithNoAck(true)))

	require.NoError(t, s.pusher.Push(ctx, "jobs", "x"))

	require.Eventually(t, func() bool { return len(c.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, countEvents(s.broker.eventLog(), "ack:"))
}

func TestWorker_ConsumeOptions(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	require.NoError(t, s.workers.AddWorker(ctx, "jobs", echoWorker, WithPrefetchCount(7)))

	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	consumer := s.broker.queues["jobs"].consumer
	require.NotNil(t, consumer)
	assert.Equal(t, 7, consumer.options.PrefetchCount)
	assert.False(t, consumer.options.AutoAck)
	assert.True(t, strings.HasPrefix(consumer.tag, "worker-jobs-"))
}

func TestWorker_Registration(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()

	assert.ErrorIs(t, s.workers.AddWorker(ctx, "", echoWorker), ErrEmptyDestination)
	assert.ErrorIs(t, s.workers.AddWorker(ctx, "jobs", nil), ErrNilHandler)

	require.NoError(t, s.workers.AddWorker(ctx, "jobs", echoWorker))
	assert.ErrorIs(t, s.workers.AddWorker(ctx, "jobs", echoWorker), ErrWorkerExists)
	assert.Equal(t, []string{"jobs"}, s.workers.Workers())
}

func TestWorker_FailedStartIsNotRegistered(t *testing.T) {
	s := newTestStack(t, Routes{})
	s.broker.failDeclares = 1

	require.Error(t, s.workers.AddWorker(context.Background(), "jobs", echoWorker))
	assert.Empty(t, s.workers.Workers())

	require.NoError(t, s.workers.AddWorker(context.Background(), "jobs", echoWorker))
}

func TestWorker_CancelWorkers(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	c := &collector{}
	require.NoError(t, s.workers.AddWorker(ctx, "jobs", c.handle))
	require.NoError(t, s.workers.AddWorker(ctx, "other", c.handle))
	assert.Equal(t, 2, s.broker.consumerCount())

	require.NoError(t, s.workers.CancelWorkers(ctx))
	assert.Empty(t, s.workers.Workers())
	assert.Equal(t, 0, s.broker.consumerCount())

	require.NoError(t, s.pusher.Push(ctx, "jobs", "ignored"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.seen())

	// a new worker picks up the backlog
	require.NoError(t, s.workers.AddWorker(ctx, "jobs", c.handle))
	require.Eventually(t, func() bool { return len(c.seen()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestWorker_ResubscribeAfterReconnect(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	c := &collector{}
	require.NoError(t, s.workers.AddWorker(ctx, "jobs", c.handle))

	s.broker.reconnect()
	assert.Equal(t, 0, s.broker.consumerCount())

	require.NoError(t, s.workers.Resubscribe(ctx))
	assert.Equal(t, 1, s.broker.consumerCount())

	// already current; nothing to do
	require.NoError(t, s.workers.Resubscribe(ctx))
	assert.Equal(t, 1, s.broker.consumerCount())

	require.NoError(t, s.pusher.Push(ctx, "jobs", "after"))
	require.Eventually(t, func() bool { return len(c.seen()) == 1 }, time.Second, 5*time.Millisecond)
}
