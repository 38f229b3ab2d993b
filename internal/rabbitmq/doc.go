// Package rabbitmq provides the RabbitMQ plumbing underneath the messaging layer.
//
// This package includes:
//   - ConnectionManager: owns the AMQP connection and reconnects with exponential backoff
//   - ChannelProvider: hands out the single shared channel and counts its generations
//   - Channel: topology, publishing and consuming on one AMQP channel
//
// Every replacement of the channel increments its generation. Callers compare
// generations to decide whether declarations and consumers must be set up again.
// Publishing goes through a circuit breaker so that callers fail fast while the
// broker is unreachable.
package rabbitmq
