// Package rabbitmq provides the RabbitMQ producer core for mmate-amqp.
//
// This package includes:
//   - ConnectionManager: Lazily dials one connection and keeps a registry of channels by id
//   - Publisher: Resolves the target exchange, declares it on request, and publishes
//   - Dialer, Connection, Channel: The transport seam, implemented with amqp091-go by AMQPDialer
//   - Metrics: Optional Prometheus counters for connections, channels, declarations and publishes
//
// A ConnectionManager and its channels are meant for one logical caller at a
// time. Batched publishes stay on the channel until flushed; closing the
// channel first loses them.
package rabbitmq
