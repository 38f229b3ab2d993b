package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty Name lets the
// broker generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	MessageTTL time.Duration
	Expires    time.Duration
	Arguments  amqp.Table
}

// Table returns the queue arguments including x-message-ttl and x-expires
func (d QueueDeclaration) Table() amqp.Table {
	if d.MessageTTL <= 0 && d.Expires <= 0 && len(d.Arguments) == 0 {
		return nil
	}
	args := amqp.Table{}
	for k, v := range d.Arguments {
		args[k] = v
	}
	if d.MessageTTL > 0 {
		args["x-message-ttl"] = d.MessageTTL.Milliseconds()
	}
	if d.Expires > 0 {
		args["x-expires"] = d.Expires.Milliseconds()
	}
	return args
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// DeclareExchange declares an exchange
func (c *Channel) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	err := c.do(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
	})
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err}
	}
	return nil
}

// DeclareQueue declares a queue and returns the broker's view of it
func (c *Channel) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := c.do(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Table(),
		)
		return err
	})
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
	}
	return q, nil
}

// BindQueue binds a queue to an exchange
func (c *Channel) BindQueue(ctx context.Context, binding Binding) error {
	err := c.do(ctx, func(ch *amqp.Channel) error {
		return ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
	})
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "declare", Err: err}
	}
	return nil
}
