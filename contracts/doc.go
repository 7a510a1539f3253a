// Package contracts provides the value types exchanged between callers and the
// mmate-amqp producer.
//
// This package defines:
//   - Exchange: Describes a broker exchange and whether to declare it on use
//   - Kind: The exchange type (direct, fanout, topic, headers or a custom plugin type)
//   - Envelope: A message payload together with its AMQP basic properties
//
// Values in this package are immutable in practice and never perform I/O.
package contracts
