package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestConnectionManager(t *testing.T) {
	t.Run("NewConnectionManager creates manager with defaults", func(t *testing.T) {
		manager := NewConnectionManager(testConfig())

		assert.Equal(t, testConfig(), manager.Config())
		assert.IsType(t, AMQPDialer{}, manager.dialer)
		assert.NotNil(t, manager.logger)
		assert.Nil(t, manager.conn)
		assert.False(t, manager.IsConnected())
		assert.Empty(t, manager.Channels())
	})

	t.Run("NewConnectionManager applies options", func(t *testing.T) {
		logger := slog.Default()
		dialer := &mockDialer{}
		metrics, err := NewMetrics(nil)
		require.NoError(t, err)

		manager := NewConnectionManager(testConfig(),
			WithLogger(logger),
			WithDialer(dialer),
			WithMetrics(metrics),
		)

		assert.Equal(t, logger, manager.logger)
		assert.Equal(t, dialer, manager.dialer)
		assert.Equal(t, metrics, manager.metrics)
	})
}

func TestGetConnection(t *testing.T) {
	t.Run("dials once and caches the connection", func(t *testing.T) {
		conn := &mockConnection{}
		manager, dialer := newTestManager(conn)
		ctx := context.Background()

		first, err := manager.GetConnection(ctx)
		require.NoError(t, err)
		second, err := manager.GetConnection(ctx)
		require.NoError(t, err)

		assert.Same(t, conn, first)
		assert.Same(t, first, second)
		dialer.AssertNumberOfCalls(t, "Dial", 1)
	})

	t.Run("dial failure is a sticky ConnectionError", func(t *testing.T) {
		cause := errors.New("connection refused")
		dialer := &mockDialer{}
		dialer.On("Dial", mock.Anything, mock.Anything).Return(nil, cause).Once()
		manager := NewConnectionManager(testConfig(), WithDialer(dialer))

		_, err := manager.GetConnection(context.Background())
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "connect", connErr.Op)
		assert.ErrorIs(t, err, cause)
		assert.True(t, IsFatal(err))

		_, again := manager.GetConnection(context.Background())
		assert.Same(t, err, again)
		dialer.AssertNumberOfCalls(t, "Dial", 1)
	})

	t.Run("invalid configuration fails without dialing", func(t *testing.T) {
		dialer := &mockDialer{}
		manager := NewConnectionManager(NewConnectionConfig("", 5672, "guest", "guest"), WithDialer(dialer))

		_, err := manager.GetConnection(context.Background())
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
		dialer.AssertNotCalled(t, "Dial", mock.Anything, mock.Anything)
	})

	t.Run("passes configuration to the dialer", func(t *testing.T) {
		cfg := NewConnectionConfig("rabbit", 5673, "app", "secret", WithVhost("orders"))
		conn := &mockConnection{}
		dialer := &mockDialer{}
		dialer.On("Dial", mock.Anything, cfg).Return(conn, nil).Once()
		manager := NewConnectionManager(cfg, WithDialer(dialer))

		_, err := manager.GetConnection(context.Background())
		require.NoError(t, err)
		dialer.AssertExpectations(t)
	})
}

func TestGetChannel(t *testing.T) {
	ctx := context.Background()

	t.Run("same id returns the same channel without reopening", func(t *testing.T) {
		conn := &mockConnection{}
		ch := newMockChannel(3)
		conn.On("OpenChannel", uint16(3)).Return(ch, nil).Once()
		manager, _ := newTestManager(conn)

		first, err := manager.GetChannel(ctx, 3)
		require.NoError(t, err)
		second, err := manager.GetChannel(ctx, 3)
		require.NoError(t, err)

		assert.Same(t, first, second)
		conn.AssertNumberOfCalls(t, "OpenChannel", 1)
	})

	t.Run("closed channel is dropped and reopened under the same id", func(t *testing.T) {
		conn := &mockConnection{}
		dead := newMockChannel(3)
		dead.On("Close").Return(nil).Once()
		fresh := newMockChannel(3)
		conn.On("OpenChannel", uint16(3)).Return(dead, nil).Once()
		conn.On("OpenChannel", uint16(3)).Return(fresh, nil).Once()
		manager, _ := newTestManager(conn)

		first, err := manager.GetChannel(ctx, 3)
		require.NoError(t, err)
		dead.setClosed()

		second, err := manager.GetChannel(ctx, 3)
		require.NoError(t, err)
		third, err := manager.GetChannel(ctx, 3)
		require.NoError(t, err)

		assert.Same(t, dead, first)
		assert.Same(t, fresh, second)
		assert.Same(t, second, third)
		dead.AssertExpectations(t)
		conn.AssertNumberOfCalls(t, "OpenChannel", 2)
	})

	t.Run("transport may reuse the id of a closed channel", func(t *testing.T) {
		conn := &mockConnection{}
		dead := newMockChannel(1)
		dead.On("Close").Return(nil).Once()
		conn.On("OpenChannel", AnyChannel).Return(dead, nil).Once()
		conn.On("OpenChannel", AnyChannel).Return(newMockChannel(1), nil).Once()
		manager, _ := newTestManager(conn)

		_, err := manager.GetChannel(ctx, AnyChannel)
		require.NoError(t, err)
		dead.setClosed()

		_, err = manager.GetChannel(ctx, AnyChannel)
		require.NoError(t, err)
		assert.Equal(t, []uint16{1}, manager.Channels())
		dead.AssertExpectations(t)
	})

	t.Run("AnyChannel always opens a new channel", func(t *testing.T) {
		conn := &mockConnection{}
		conn.On("OpenChannel", AnyChannel).Return(newMockChannel(1), nil).Once()
		conn.On("OpenChannel", AnyChannel).Return(newMockChannel(2), nil).Once()
		manager, _ := newTestManager(conn)

		first, err := manager.GetChannel(ctx, AnyChannel)
		require.NoError(t, err)
		second, err := manager.GetChannel(ctx, AnyChannel)
		require.NoError(t, err)

		assert.Equal(t, uint16(1), first.ID())
		assert.Equal(t, uint16(2), second.ID())
		assert.Equal(t, []uint16{1, 2}, manager.Channels())
	})

	t.Run("allocated channel is reused by its assigned id", func(t *testing.T) {
		conn := &mockConnection{}
		ch := newMockChannel(5)
		conn.On("OpenChannel", AnyChannel).Return(ch, nil).Once()
		manager, _ := newTestManager(conn)

		allocated, err := manager.GetChannel(ctx, AnyChannel)
		require.NoError(t, err)
		byID, err := manager.GetChannel(ctx, 5)
		require.NoError(t, err)

		assert.Same(t, allocated, byID)
		conn.AssertNumberOfCalls(t, "OpenChannel", 1)
	})

	t.Run("opening a channel establishes the connection", func(t *testing.T) {
		conn := &mockConnection{}
		conn.On("OpenChannel", AnyChannel).Return(newMockChannel(1), nil).Once()
		conn.On("IsClosed").Return(false)
		manager, dialer := newTestManager(conn)

		assert.False(t, manager.IsConnected())
		_, err := manager.GetChannel(ctx, AnyChannel)
		require.NoError(t, err)

		assert.True(t, manager.IsConnected())
		dialer.AssertNumberOfCalls(t, "Dial", 1)
	})

	t.Run("transport failure is a ChannelError", func(t *testing.T) {
		cause := errors.New("channel max reached")
		conn := &mockConnection{}
		conn.On("OpenChannel", uint16(9)).Return(nil, cause).Once()
		manager, _ := newTestManager(conn)

		_, err := manager.GetChannel(ctx, 9)
		var chErr *ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.Equal(t, uint16(9), chErr.ChannelID)
		assert.ErrorIs(t, err, cause)
		assert.False(t, IsFatal(err))
		assert.Empty(t, manager.Channels())
	})

	t.Run("duplicate id from the transport is a ChannelError", func(t *testing.T) {
		conn := &mockConnection{}
		dup := newMockChannel(1)
		dup.On("Close").Return(nil).Once()
		conn.On("OpenChannel", AnyChannel).Return(newMockChannel(1), nil).Once()
		conn.On("OpenChannel", AnyChannel).Return(dup, nil).Once()
		manager, _ := newTestManager(conn)

		_, err := manager.GetChannel(ctx, AnyChannel)
		require.NoError(t, err)
		_, err = manager.GetChannel(ctx, AnyChannel)

		assert.ErrorIs(t, err, ErrChannelIDConflict)
		dup.AssertExpectations(t)
		assert.Equal(t, []uint16{1}, manager.Channels())
	})

	t.Run("channel id zero from the transport is rejected", func(t *testing.T) {
		conn := &mockConnection{}
		bad := newMockChannel(0)
		bad.On("Close").Return(nil).Once()
		conn.On("OpenChannel", AnyChannel).Return(bad, nil).Once()
		manager, _ := newTestManager(conn)

		_, err := manager.GetChannel(ctx, AnyChannel)
		assert.ErrorIs(t, err, ErrInvalidChannelID)
	})

	t.Run("connection failure surfaces before opening", func(t *testing.T) {
		dialer := &mockDialer{}
		dialer.On("Dial", mock.Anything, mock.Anything).Return(nil, errors.New("refused")).Once()
		manager := NewConnectionManager(testConfig(), WithDialer(dialer))

		_, err := manager.GetChannel(ctx, 1)
		var connErr *ConnectionError
		assert.ErrorAs(t, err, &connErr)
	})
}

func TestClose(t *testing.T) {
	ctx := context.Background()

	t.Run("closes channels then connection", func(t *testing.T) {
		conn := &mockConnection{}
		ch1 := newMockChannel(1)
		ch2 := newMockChannel(2)
		ch1.On("Close").Return(nil).Once()
		ch2.On("Close").Return(nil).Once()
		conn.On("OpenChannel", uint16(1)).Return(ch1, nil).Once()
		conn.On("OpenChannel", uint16(2)).Return(ch2, nil).Once()
		conn.On("Close").Return(nil).Once()
		manager, _ := newTestManager(conn)

		_, err := manager.GetChannel(ctx, 1)
		require.NoError(t, err)
		_, err = manager.GetChannel(ctx, 2)
		require.NoError(t, err)

		require.NoError(t, manager.Close())
		ch1.AssertExpectations(t)
		ch2.AssertExpectations(t)
		conn.AssertExpectations(t)
		assert.Empty(t, manager.Channels())
	})

	t.Run("aggregates close failures", func(t *testing.T) {
		conn := &mockConnection{}
		ch := newMockChannel(1)
		ch.On("Close").Return(ErrUnflushedBatch).Once()
		conn.On("OpenChannel", uint16(1)).Return(ch, nil).Once()
		conn.On("Close").Return(errors.New("socket gone")).Once()
		manager, _ := newTestManager(conn)

		_, err := manager.GetChannel(ctx, 1)
		require.NoError(t, err)

		err = manager.Close()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnflushedBatch)
		var connErr *ConnectionError
		assert.ErrorAs(t, err, &connErr)
	})

	t.Run("is idempotent and blocks further use", func(t *testing.T) {
		manager := NewConnectionManager(testConfig(), WithDialer(&mockDialer{}))

		require.NoError(t, manager.Close())
		require.NoError(t, manager.Close())

		_, err := manager.GetConnection(ctx)
		assert.ErrorIs(t, err, ErrManagerClosed)
		_, err = manager.GetChannel(ctx, 1)
		assert.ErrorIs(t, err, ErrManagerClosed)
	})
}
