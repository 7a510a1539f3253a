package rabbitmq

import (
	"context"
	"sync"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/stretchr/testify/mock"
)

type mockDialer struct {
	mock.Mock
}

func (m *mockDialer) Dial(ctx context.Context, cfg ConnectionConfig) (Connection, error) {
	args := m.Called(ctx, cfg)
	conn, _ := args.Get(0).(Connection)
	return conn, args.Error(1)
}

type mockConnection struct {
	mock.Mock
}

func (m *mockConnection) OpenChannel(id uint16) (Channel, error) {
	args := m.Called(id)
	ch, _ := args.Get(0).(Channel)
	return ch, args.Error(1)
}

func (m *mockConnection) IsClosed() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockConnection) Close() error {
	args := m.Called()
	return args.Error(0)
}

type mockChannel struct {
	mock.Mock
	id     uint16
	mu     sync.Mutex
	closed bool
}

func newMockChannel(id uint16) *mockChannel {
	return &mockChannel{id: id}
}

func (m *mockChannel) ID() uint16 {
	return m.id
}

func (m *mockChannel) DeclareExchange(ex contracts.Exchange) error {
	args := m.Called(ex)
	return args.Error(0)
}

func (m *mockChannel) Publish(ctx context.Context, msg PublishMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockChannel) PublishBatched(msg PublishMessage) error {
	args := m.Called(msg)
	return args.Error(0)
}

func (m *mockChannel) FlushBatch(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockChannel) Pending() int {
	args := m.Called()
	return args.Int(0)
}

func (m *mockChannel) DiscardBatch() int {
	args := m.Called()
	return args.Int(0)
}

// IsClosed is state, not an expectation, so tests can flip it mid-run
func (m *mockChannel) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockChannel) setClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

func testConfig() ConnectionConfig {
	return NewConnectionConfig("localhost", 5672, "guest", "guest")
}

// newTestManager wires a manager to a dialer that hands out conn once
func newTestManager(conn *mockConnection) (*ConnectionManager, *mockDialer) {
	dialer := &mockDialer{}
	dialer.On("Dial", mock.Anything, mock.Anything).Return(conn, nil).Once()
	return NewConnectionManager(testConfig(), WithDialer(dialer)), dialer
}
