package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	mmate "github.com/glimte/mmate-amqp"
	"github.com/glimte/mmate-amqp/contracts"
	"github.com/glimte/mmate-amqp/internal/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	err  error
	conn *fakeConnection
}

func (d *fakeDialer) Dial(ctx context.Context, cfg rabbitmq.ConnectionConfig) (rabbitmq.Connection, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type fakeConnection struct {
	channels []*fakeChannel
	declErr  error
}

func (c *fakeConnection) OpenChannel(id uint16) (rabbitmq.Channel, error) {
	if id == rabbitmq.AnyChannel {
		id = uint16(len(c.channels) + 1)
	}
	ch := &fakeChannel{id: id, declErr: c.declErr}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) IsClosed() bool { return false }
func (c *fakeConnection) Close() error   { return nil }

type fakeChannel struct {
	id        uint16
	declErr   error
	declared  []contracts.Exchange
	published []rabbitmq.PublishMessage
}

func (c *fakeChannel) ID() uint16 { return c.id }

func (c *fakeChannel) DeclareExchange(ex contracts.Exchange) error {
	c.declared = append(c.declared, ex)
	return c.declErr
}

func (c *fakeChannel) Publish(ctx context.Context, msg rabbitmq.PublishMessage) error {
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) PublishBatched(msg rabbitmq.PublishMessage) error {
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) FlushBatch(ctx context.Context) error { return nil }
func (c *fakeChannel) Pending() int                         { return 0 }
func (c *fakeChannel) DiscardBatch() int                    { return 0 }
func (c *fakeChannel) IsClosed() bool                       { return false }
func (c *fakeChannel) Close() error                         { return nil }

func run(t *testing.T, dialer rabbitmq.Dialer, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("MMATE_AMQP_HOST", "localhost")

	var out bytes.Buffer
	cmd := newRootCmd(mmate.WithDialer(dialer))
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	return out.String(), err
}

func TestPublishCommand(t *testing.T) {
	t.Run("publishes the argument body to a declared exchange", func(t *testing.T) {
		dialer := &fakeDialer{conn: &fakeConnection{}}

		out, err := run(t, dialer, "",
			"publish", "hello",
			"--exchange", "orders", "--kind", "topic", "--declare",
			"-r", "order.created", "--mandatory",
			"-H", "tenant=acme", "--message-id", "m-1")
		require.NoError(t, err)

		require.Len(t, dialer.conn.channels, 1)
		ch := dialer.conn.channels[0]
		require.Len(t, ch.declared, 1)
		assert.Equal(t, "orders", ch.declared[0].Name)
		assert.Equal(t, contracts.KindTopic, ch.declared[0].Kind)
		assert.True(t, ch.declared[0].Durable)

		require.Len(t, ch.published, 1)
		msg := ch.published[0]
		assert.Equal(t, "orders", msg.Exchange)
		assert.Equal(t, "order.created", msg.RoutingKey)
		assert.True(t, msg.Mandatory)
		assert.Equal(t, []byte("hello"), msg.Message.Body)
		assert.Equal(t, "m-1", msg.Message.Properties.MessageID)
		assert.Equal(t, "acme", msg.Message.Properties.Headers["tenant"])
		assert.Contains(t, out, "published m-1")
	})

	t.Run("reads the body from stdin and generates a message id", func(t *testing.T) {
		dialer := &fakeDialer{conn: &fakeConnection{}}

		_, err := run(t, dialer, "from stdin", "publish", "-r", "jobs", "--transient")
		require.NoError(t, err)

		ch := dialer.conn.channels[0]
		assert.Empty(t, ch.declared, "default exchange is never declared")
		msg := ch.published[0]
		assert.Equal(t, "", msg.Exchange)
		assert.Equal(t, []byte("from stdin"), msg.Message.Body)
		assert.Len(t, msg.Message.Properties.MessageID, 36)
		assert.Equal(t, contracts.Transient, msg.Message.Properties.DeliveryMode)
	})

	t.Run("reports connection failures", func(t *testing.T) {
		dialer := &fakeDialer{err: errors.New("connection refused")}

		_, err := run(t, dialer, "", "publish", "hello")
		require.Error(t, err)
		assert.True(t, mmate.IsFatal(err))
	})
}

func TestHealthCommand(t *testing.T) {
	t.Run("healthy broker", func(t *testing.T) {
		dialer := &fakeDialer{conn: &fakeConnection{}}

		out, err := run(t, dialer, "", "health", "--exchange", "orders")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: HEALTHY")
		assert.Contains(t, out, "exchange_orders")
	})

	t.Run("unhealthy broker fails the command", func(t *testing.T) {
		dialer := &fakeDialer{err: errors.New("connection refused")}

		out, err := run(t, dialer, "", "health", "--json")
		require.Error(t, err)
		assert.Contains(t, out, `"status": "unhealthy"`)
	})
}
