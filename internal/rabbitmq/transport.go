package rabbitmq

import (
	"context"

	"github.com/glimte/mmate-amqp/contracts"
)

// AnyChannel asks the transport to allocate a channel id.
// AMQP reserves channel 0 for the connection itself.
const AnyChannel uint16 = 0

// Dialer opens broker connections
type Dialer interface {
	// Dial connects to the endpoint described by cfg
	Dial(ctx context.Context, cfg ConnectionConfig) (Connection, error)
}

// Connection is one established broker session
type Connection interface {
	// OpenChannel opens a channel. With AnyChannel the transport picks the id.
	OpenChannel(id uint16) (Channel, error)

	// IsClosed reports whether the session has been closed
	IsClosed() bool

	// Close closes the session and every channel on it
	Close() error
}

// Channel is a multiplexed session over a Connection
type Channel interface {
	// ID returns the channel id assigned when the channel was opened
	ID() uint16

	// DeclareExchange issues exchange.declare for ex
	DeclareExchange(ex contracts.Exchange) error

	// Publish sends a message immediately
	Publish(ctx context.Context, msg PublishMessage) error

	// PublishBatched queues a message until FlushBatch is called
	PublishBatched(msg PublishMessage) error

	// FlushBatch sends every queued message in order
	FlushBatch(ctx context.Context) error

	// Pending returns the number of queued, unflushed messages
	Pending() int

	// DiscardBatch drops every queued message and returns how many were dropped
	DiscardBatch() int

	// IsClosed reports whether the channel was closed locally or by the broker
	IsClosed() bool

	// Close closes the channel. Queued messages are dropped.
	Close() error
}

// PublishMessage is a message ready to be handed to a channel
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
	Ticket     *int
	Message    contracts.Envelope
}
