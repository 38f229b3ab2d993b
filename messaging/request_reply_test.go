package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-lite/contracts"
	"github.com/glimte/mmate-lite/serialization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStack struct {
	broker  *fakeBroker
	cache   *QueueCache
	workers *WorkerRegistry
	rpc     *RequestReplyClient
	pusher  *Pusher
	topics  *Topics
	metrics *recordingMetrics
}

func newTestStack(t *testing.T, routes Routes) *testStack {
	t.Helper()
	broker := newFakeBroker()
	cache := NewQueueCache()
	metrics := newRecordingMetrics()
	s := &testStack{
		broker:  broker,
		cache:   cache,
		metrics: metrics,
		workers: NewWorkerRegistry(broker, cache, WithWorkerRoutes(routes), WithWorkerMetrics(metrics)),
		rpc:     NewRequestReplyClient(broker, cache, WithRequestRoutes(routes), WithRequestMetrics(metrics)),
		pusher:  NewPusher(broker, cache, routes, nil, nil, metrics),
		topics:  NewTopics(broker, cache, WithTopicMetrics(metrics)),
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_ = s.pusher.Drain(ctx)
		_ = s.rpc.Close(ctx)
		_ = s.workers.CancelWorkers(ctx)
		_ = s.topics.Close(ctx)
	})
	return s
}

func echoWorker(ctx context.Context, msg *Message) (interface{}, error) {
	return msg.Value()
}

func TestCall_Resolves(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	require.NoError(t, s.workers.AddWorker(ctx, "echo", echoWorker))

	reply, err := s.rpc.Call(ctx, "echo", "hello", WithTTL(time.Second))
	require.NoError(t, err)

	var got string
	require.NoError(t, reply.Decode(&got))
	assert.Equal(t, "hello", got)
	assert.Equal(t, "echo", reply.Destination)
	assert.NotEmpty(t, reply.CorrelationID)
	assert.Equal(t, 0, s.rpc.Pending("echo"))
	assert.Equal(t, 1, s.metrics.callCount(CallResolved))
}

func TestCall_SendsCorrelationAndReplyTo(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	require.NoError(t, s.workers.AddWorker(ctx, "echo", echoWorker))

	reply, err := s.rpc.Call(ctx, "echo", map[string]interface{}{"a": "b"}, WithTTL(time.Second))
	require.NoError(t, err)

	sent := s.broker.sentTo("echo")
	require.Len(t, sent, 1)
	assert.Equal(t, reply.CorrelationID, sent[0].metadata.CorrelationID)
	assert.NotEmpty(t, sent[0].metadata.ReplyTo)

	var env contracts.InboundEnvelope
	require.NoError(t, serialization.NewSerializer().Decode(sent[0].body, &env))
	assert.False(t, env.Packed)
}

func TestCall_TimesOutWhenNoWorkerReplies(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()

	start := time.Now()
	_, err := s.rpc.Call(ctx, "silent", "ping", WithTTL(200*time.Millisecond))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "timeout", err.Error())
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.Equal(t, 0, s.rpc.Pending("silent"))
	assert.Equal(t, 1, s.metrics.callCount(CallTimedOut))
}

func TestCall_TTLFromRoute(t *testing.T) {
	s := newTestStack(t, Routes{Destinations: map[string]RouteOptions{
		"silent": {TimeToLive: 30 * time.Millisecond},
	}})

	_, err := s.rpc.Call(context.Background(), "silent", "ping")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCall_WorkerErrorPayload(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	require.NoError(t, s.workers.AddWorker(ctx, "failing", func(ctx context.Context, msg *Message) (interface{}, error) {
		return nil, NewWorkerError(map[string]interface{}{"myerr": "ohh"})
	}))

	_, err := s.rpc.Call(ctx, "failing", "x", WithTTL(time.Second))

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	var payload map[string]string
	require.NoError(t, remote.Decode(&payload))
	assert.Equal(t, map[string]string{"myerr": "ohh"}, payload)
	assert.Equal(t, "failing", remote.Destination)
	assert.Equal(t, 1, s.metrics.callCount(CallRejected))
}

func TestCall_PlainErrorSendsMessage(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	require.NoError(t, s.workers.AddWorker(ctx, "failing", func(ctx context.Context, msg *Message) (interface{}, error) {
		return nil, errors.New("boom")
	}))

	_, err := s.rpc.Call(ctx, "failing", "x", WithTTL(time.Second))

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	var payload string
	require.NoError(t, remote.Decode(&payload))
	assert.Equal(t, "boom", payload)
	assert.Contains(t, err.Error(), "boom")
}

func TestCall_WorkerPanicBecomesFailureReply(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	require.NoError(t, s.workers.AddWorker(ctx, "panicky", func(ctx context.Context, msg *Message) (interface{}, error) {
		panic("kaboom")
	}))

	_, err := s.rpc.Call(ctx, "panicky", "x", WithTTL(time.Second))

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Error(), "kaboom")
}

func TestCall_ContextCancelled(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := s.rpc.Call(ctx, "silent", "ping", WithTTL(0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.rpc.Pending("silent"))
	assert.Equal(t, 1, s.metrics.callCount(CallCancelled))
}

func TestCall_CloseRejectsPendingCalls(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := s.rpc.Call(ctx, "silent", "ping", WithTTL(0))
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		return s.rpc.Pending("silent") == 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.rpc.Close(ctx))
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClientClosed)
		case <-time.After(time.Second):
			t.Fatal("pending call was not rejected")
		}
	}

	_, err := s.rpc.Call(ctx, "silent", "ping")
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, 0, s.broker.consumerCount())
}

func TestCall_EmptyDestination(t *testing.T) {
	s := newTestStack(t, Routes{})
	_, err := s.rpc.Call(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrEmptyDestination)
}

func TestCall_SendFailureRemovesPendingCall(t *testing.T) {
	s := newTestStack(t, Routes{})
	s.broker.failSends = 1

	_, err := s.rpc.Call(context.Background(), "orders", "x", WithTTL(time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send failed")
	assert.Equal(t, 0, s.rpc.Pending("orders"))
}

func TestCall_SetupFailureIsRetried(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	require.NoError(t, s.workers.AddWorker(ctx, "echo", echoWorker))
	s.broker.failDeclares = 1

	_, err := s.rpc.Call(ctx, "echo", "first", WithTTL(time.Second))
	require.Error(t, err)

	reply, err := s.rpc.Call(ctx, "echo", "second", WithTTL(time.Second))
	require.NoError(t, err)
	var got string
	require.NoError(t, reply.Decode(&got))
	assert.Equal(t, "second", got)
}

func TestCall_OneReplyQueuePerDestination(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	require.NoError(t, s.workers.AddWorker(ctx, "echo", echoWorker))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.rpc.Call(ctx, "echo", "hi", WithTTL(time.Second))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, s.broker.declareCount(""))
	assert.Equal(t, 1, s.broker.declareCount("echo"))

	replyTo := ""
	for _, m := range s.broker.sentTo("echo") {
		if replyTo == "" {
			replyTo = m.metadata.ReplyTo
		}
		assert.Equal(t, replyTo, m.metadata.ReplyTo)
	}
}

func TestCall_ReplyQueueDeclaration(t *testing.T) {
	s := newTestStack(t, Routes{Defaults: RouteOptions{TimeToLive: 2 * time.Second, ReplyExpires: time.Minute}})
	ctx := context.Background()
	require.NoError(t, s.workers.AddWorker(ctx, "echo", echoWorker))

	reply, err := s.rpc.Call(ctx, "echo", "hi")
	require.NoError(t, err)
	require.NotNil(t, reply)

	sent := s.broker.sentTo("echo")
	require.Len(t, sent, 1)
	q, ok := s.broker.queue(sent[0].metadata.ReplyTo)
	require.True(t, ok)
	assert.True(t, q.options.Exclusive)
	assert.True(t, q.options.AutoDelete)
	assert.Equal(t, time.Minute, q.options.Expires)
	assert.Equal(t, 2*time.Second, q.options.MessageTTL)

	worker, ok := s.broker.queue("echo")
	require.True(t, ok)
	assert.True(t, worker.options.Durable)
	assert.Equal(t, 2*time.Second, worker.options.MessageTTL)
}

func TestCall_StaleReplyIsDiscarded(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()

	_, err := s.rpc.Call(ctx, "silent", "ping", WithTTL(20*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)

	sent := s.broker.sentTo("silent")
	require.Len(t, sent, 1)

	body, err := serialization.NewSerializer().Encode(contracts.NewSuccessReply("late"))
	require.NoError(t, err)
	s.broker.inject(sent[0].metadata.ReplyTo, body, MessageMetadata{CorrelationID: sent[0].metadata.CorrelationID})
	s.broker.inject(sent[0].metadata.ReplyTo, body, MessageMetadata{CorrelationID: "foreign"})

	require.Eventually(t, func() bool {
		return s.metrics.deliveryCount(DeliveryStale) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.metrics.callCount(CallTimedOut))
	assert.Equal(t, 0, s.metrics.callCount(CallResolved))
}

func TestCall_UndecodableReplyRejectsCall(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()

	// a worker that answers with garbage
	ch, _ := s.broker.Channel(ctx)
	_, err := s.cache.EnsureQueue(ctx, ch, workerQueueKey("broken"), "broken", QueueOptions{})
	require.NoError(t, err)
	_, err = ch.Consume(ctx, "broken", func(d Delivery) {
		_ = ch.Send(ctx, d.ReplyTo(), []byte("not gzip"), MessageMetadata{CorrelationID: d.CorrelationID()})
	}, ConsumeOptions{AutoAck: true})
	require.NoError(t, err)

	_, err = s.rpc.Call(ctx, "broken", "x", WithTTL(time.Second))
	var derr *DeserializationError
	assert.ErrorAs(t, err, &derr)
}

func TestCall_CompletesExactlyOnce(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	require.NoError(t, s.workers.AddWorker(ctx, "slow", func(ctx context.Context, msg *Message) (interface{}, error) {
		var d float64
		if err := msg.Decode(&d); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(d) * time.Millisecond)
		return "done", nil
	}, WithPrefetchCount(50)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[string]int{}
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.rpc.Call(ctx, "slow", float64(i%3), WithTTL(time.Duration(1+i%4)*time.Millisecond))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				outcomes["resolved"]++
			case errors.Is(err, ErrTimeout):
				outcomes["timeout"]++
			default:
				outcomes["other"]++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 40, outcomes["resolved"]+outcomes["timeout"])
	assert.Equal(t, 0, outcomes["other"])
	assert.Equal(t, 0, s.rpc.Pending("slow"))
	assert.Equal(t, 40, s.metrics.callCount(CallResolved)+s.metrics.callCount(CallTimedOut))
}

func TestCall_ReconnectReestablishesReplyQueue(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	require.NoError(t, s.workers.AddWorker(ctx, "echo", echoWorker))

	_, err := s.rpc.Call(ctx, "echo", "before", WithTTL(time.Second))
	require.NoError(t, err)

	s.broker.reconnect()
	require.NoError(t, s.workers.Resubscribe(ctx))

	reply, err := s.rpc.Call(ctx, "echo", "after", WithTTL(time.Second))
	require.NoError(t, err)
	var got string
	require.NoError(t, reply.Decode(&got))
	assert.Equal(t, "after", got)

	assert.Equal(t, 2, s.broker.declareCount(""))
	assert.Equal(t, 2, s.broker.declareCount("echo"))
}

func TestCall_CancelledWorkerLeavesCallsToTimeOut(t *testing.T) {
	s := newTestStack(t, Routes{})
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.workers.AddWorker(ctx, "blocked", func(ctx context.Context, msg *Message) (interface{}, error) {
		close(started)
		<-release
		return nil, ctx.Err()
	}))

	result := make(chan error, 1)
	go func() {
		_, err := s.rpc.Call(ctx, "blocked", "x", WithTTL(100*time.Millisecond))
		result <- err
	}()

	<-started
	require.NoError(t, s.workers.CancelWorkers(ctx))
	close(release)

	assert.ErrorIs(t, <-result, ErrTimeout)
}
