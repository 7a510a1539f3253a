package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/mmate-amqp/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPDialer dials RabbitMQ with amqp091-go
type AMQPDialer struct{}

var _ Dialer = AMQPDialer{}

// Dial connects to the broker. Cancelling ctx abandons the attempt;
// a connection that completes afterwards is closed.
func (AMQPDialer) Dial(ctx context.Context, cfg ConnectionConfig) (Connection, error) {
	amqpCfg, err := cfg.amqpConfig()
	if err != nil {
		return nil, err
	}

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(cfg.URI(), amqpCfg)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return newAMQPConnection(conn), nil

	case err := <-errChan:
		return nil, err

	case <-ctx.Done():
		go func() {
			select {
			case conn := <-connChan:
				_ = conn.Close()
			case <-errChan:
			}
		}()
		return nil, ctx.Err()
	}
}

// amqpConnection adapts *amqp.Connection to Connection.
// amqp091-go numbers wire channels itself, so ids handed out here are
// logical ids tracked per connection. Uniqueness among registered channels
// is the ConnectionManager's job: an explicit id is always honoured, even
// while an unregistered channel (a health check, say) carries it.
type amqpConnection struct {
	conn   *amqp.Connection
	mu     sync.Mutex
	inUse  map[uint16]int
	nextID uint16
}

func newAMQPConnection(conn *amqp.Connection) *amqpConnection {
	return &amqpConnection{
		conn:   conn,
		inUse:  make(map[uint16]int),
		nextID: 1,
	}
}

func (c *amqpConnection) OpenChannel(id uint16) (Channel, error) {
	id, err := c.reserve(id)
	if err != nil {
		return nil, err
	}

	ch, err := c.conn.Channel()
	if err != nil {
		c.release(id)
		return nil, err
	}

	return &amqpChannel{id: id, ch: ch, release: c.release}, nil
}

// reserve marks id as carried by one more channel. AnyChannel takes the
// next id no open channel carries.
func (c *amqpConnection) reserve(id uint16) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == AnyChannel {
		id = c.allocate()
		if id == AnyChannel {
			return AnyChannel, fmt.Errorf("no free channel id")
		}
	}

	c.inUse[id]++
	return id, nil
}

// allocate returns the first free id at or after nextID, wrapping once.
// Callers hold c.mu.
func (c *amqpConnection) allocate() uint16 {
	for i := 0; i < 65535; i++ {
		id := c.nextID
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		if c.inUse[id] == 0 {
			return id
		}
	}
	return AnyChannel
}

func (c *amqpConnection) release(id uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inUse[id] <= 1 {
		delete(c.inUse, id)
		return
	}
	c.inUse[id]--
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// amqpChannelAPI is the subset of *amqp.Channel used by amqpChannel
type amqpChannelAPI interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

var _ amqpChannelAPI = (*amqp.Channel)(nil)

// amqpChannel adapts *amqp.Channel to Channel and keeps the batch queue
type amqpChannel struct {
	id          uint16
	ch          amqpChannelAPI
	release     func(uint16)
	releaseOnce sync.Once

	mu    sync.Mutex
	batch []PublishMessage
}

func (c *amqpChannel) ID() uint16 {
	return c.id
}

func (c *amqpChannel) DeclareExchange(ex contracts.Exchange) error {
	return declareExchange(c.ch, ex)
}

// Publish sends the message. The ticket field is reserved in AMQP 0-9-1
// and is not put on the wire.
func (c *amqpChannel) Publish(ctx context.Context, msg PublishMessage) error {
	return c.ch.PublishWithContext(
		ctx,
		msg.Exchange,
		msg.RoutingKey,
		msg.Mandatory,
		msg.Immediate,
		toPublishing(msg.Message),
	)
}

func (c *amqpChannel) PublishBatched(msg PublishMessage) error {
	if c.ch.IsClosed() {
		return amqp.ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch = append(c.batch, msg)
	return nil
}

// FlushBatch publishes queued messages in order. The queue is cleared
// even when a publish fails; the error names the first failed message.
func (c *amqpChannel) FlushBatch(ctx context.Context) error {
	c.mu.Lock()
	batch := c.batch
	c.batch = nil
	c.mu.Unlock()

	for i, msg := range batch {
		if err := c.Publish(ctx, msg); err != nil {
			return fmt.Errorf("flush message %d of %d: %w", i+1, len(batch), err)
		}
	}

	return nil
}

func (c *amqpChannel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batch)
}

func (c *amqpChannel) DiscardBatch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := len(c.batch)
	c.batch = nil
	return dropped
}

func (c *amqpChannel) IsClosed() bool {
	return c.ch.IsClosed()
}

func (c *amqpChannel) Close() error {
	dropped := c.DiscardBatch()

	defer c.releaseOnce.Do(func() { c.release(c.id) })

	var err error
	if !c.ch.IsClosed() {
		err = c.ch.Close()
	}
	if err != nil {
		return err
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d dropped", ErrUnflushedBatch, dropped)
	}
	return nil
}
