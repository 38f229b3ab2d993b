package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-lite/internal/rabbitmq"
	"github.com/glimte/mmate-lite/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var _ messaging.ChannelProvider = (*Transport)(nil)
var _ messaging.Channel = (*channelAdapter)(nil)
var _ messaging.Delivery = (*deliveryAdapter)(nil)

type MockAcknowledger struct {
	mock.Mock
}

func (m *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *MockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func TestDeliveryAdapter(t *testing.T) {
	t.Run("exposes message properties", func(t *testing.T) {
		d := &deliveryAdapter{delivery: amqp.Delivery{
			Body:          []byte("payload"),
			CorrelationId: "corr",
			ReplyTo:       "reply-q",
		}}

		assert.Equal(t, []byte("payload"), d.Body())
		assert.Equal(t, "corr", d.CorrelationID())
		assert.Equal(t, "reply-q", d.ReplyTo())
	})

	t.Run("Acknowledge acks a single delivery", func(t *testing.T) {
		ack := &MockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil)

		d := &deliveryAdapter{delivery: amqp.Delivery{Acknowledger: ack, DeliveryTag: 7}}
		require.NoError(t, d.Acknowledge())
		ack.AssertExpectations(t)
	})

	t.Run("Reject nacks with requeue flag", func(t *testing.T) {
		ack := &MockAcknowledger{}
		ack.On("Nack", uint64(3), false, true).Return(nil)
		ack.On("Nack", uint64(4), false, false).Return(errors.New("channel closed"))

		assert.NoError(t, (&deliveryAdapter{delivery: amqp.Delivery{Acknowledger: ack, DeliveryTag: 3}}).Reject(true))
		assert.Error(t, (&deliveryAdapter{delivery: amqp.Delivery{Acknowledger: ack, DeliveryTag: 4}}).Reject(false))
		ack.AssertExpectations(t)
	})
}

func TestQueueDeclaration(t *testing.T) {
	t.Run("maps options", func(t *testing.T) {
		decl := queueDeclaration("work", messaging.QueueOptions{
			Durable:    true,
			MessageTTL: 5 * time.Second,
			Args:       map[string]interface{}{"x-max-length": int64(10)},
		}, false)

		assert.Equal(t, "work", decl.Name)
		assert.True(t, decl.Durable)
		assert.Equal(t, 5*time.Second, decl.MessageTTL)
		assert.Equal(t, int64(10), decl.Arguments["x-max-length"])
		assert.NotContains(t, decl.Arguments, "x-single-active-consumer")
	})

	t.Run("FIFO mode applies to named durable queues only", func(t *testing.T) {
		worker := queueDeclaration("work", messaging.QueueOptions{Durable: true}, true)
		assert.Equal(t, true, worker.Arguments["x-single-active-consumer"])

		reply := queueDeclaration("", messaging.QueueOptions{Exclusive: true, AutoDelete: true}, true)
		assert.Nil(t, reply.Arguments)
	})
}

func TestPublishOptions(t *testing.T) {
	opts := publishOptions(messaging.MessageMetadata{
		CorrelationID: "c",
		ReplyTo:       "r",
		Persistent:    true,
		Expiration:    time.Second,
		Headers:       map[string]interface{}{"k": "v"},
	})

	assert.Equal(t, "c", opts.CorrelationID)
	assert.Equal(t, "r", opts.ReplyTo)
	assert.True(t, opts.Persistent)
	assert.Equal(t, time.Second, opts.Expiration)
	assert.Equal(t, amqp.Table{"k": "v"}, opts.Headers)

	assert.Nil(t, publishOptions(messaging.MessageMetadata{}).Headers)
}

func TestTransport(t *testing.T) {
	refused := errors.New("refused")
	dialer := func(url string) (*amqp.Connection, error) { return nil, refused }

	t.Run("does not connect on construction", func(t *testing.T) {
		transport := NewTransport("amqp://localhost:5672",
			WithConnectionOptions(rabbitmq.WithDialer(dialer)))
		defer transport.Close()

		assert.False(t, transport.IsConnected())
		assert.Zero(t, transport.Generation())
		assert.NotNil(t, transport.Breaker())
	})

	t.Run("Channel reports connection failures", func(t *testing.T) {
		transport := NewTransport("amqp://localhost:5672",
			WithConnectionOptions(rabbitmq.WithDialer(dialer)))
		defer transport.Close()

		_, err := transport.Channel(context.Background())
		assert.ErrorIs(t, err, refused)

		assert.ErrorIs(t, transport.Connect(context.Background()), refused)
	})

	t.Run("Channel after Close fails", func(t *testing.T) {
		transport := NewTransport("amqp://localhost:5672",
			WithConnectionOptions(rabbitmq.WithDialer(dialer)))
		require.NoError(t, transport.Close())

		_, err := transport.Channel(context.Background())
		assert.ErrorIs(t, err, rabbitmq.ErrChannelClosed)
	})
}
