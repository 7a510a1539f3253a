package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ConnectionManager owns one lazily dialed broker connection and the
// channels opened on it, keyed by channel id.
//
// A ConnectionError is sticky: once dialing fails every later call returns
// the same error and the manager must be replaced.
type ConnectionManager struct {
	config  ConnectionConfig
	dialer  Dialer
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	conn     Connection
	channels map[uint16]Channel
	connErr  error
	closed   bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091-go dialer
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithMetrics records connection and channel metrics
func WithMetrics(metrics *Metrics) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = metrics
	}
}

// NewConnectionManager creates a connection manager. No connection is made
// until the first GetConnection or GetChannel call.
func NewConnectionManager(config ConnectionConfig, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		config:   config,
		dialer:   AMQPDialer{},
		logger:   slog.Default(),
		channels: make(map[uint16]Channel),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Config returns the endpoint configuration
func (cm *ConnectionManager) Config() ConnectionConfig {
	return cm.config
}

// GetConnection returns the connection, dialing it on first use
func (cm *ConnectionManager) GetConnection(ctx context.Context) (Connection, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return cm.connection(ctx)
}

// connection implements GetConnection. Callers hold cm.mu.
func (cm *ConnectionManager) connection(ctx context.Context) (Connection, error) {
	if cm.closed {
		return nil, cm.connectionError("connect", ErrManagerClosed)
	}
	if cm.connErr != nil {
		return nil, cm.connErr
	}
	if cm.conn != nil {
		return cm.conn, nil
	}

	if err := cm.config.Validate(); err != nil {
		cm.connErr = cm.connectionError("connect", err)
		return nil, cm.connErr
	}

	conn, err := cm.dialer.Dial(ctx, cm.config)
	cm.metrics.observeConnection(err)
	if err != nil {
		cm.connErr = cm.connectionError("connect", err)
		return nil, cm.connErr
	}

	cm.conn = conn
	cm.logger.Info("connected to RabbitMQ",
		"url", cm.config.SanitizedURI())

	return conn, nil
}

// GetChannel returns the channel registered under id, or opens a new one.
// With AnyChannel a new channel is always opened and the transport picks
// the id; the channel is registered under the id it reports.
//
// A registered channel the broker has closed (after a rejected declare,
// for example) is dropped and reopened under the same id.
func (cm *ConnectionManager) GetChannel(ctx context.Context, id uint16) (Channel, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, cm.connectionError("open channel", ErrManagerClosed)
	}

	if id != AnyChannel {
		if ch, ok := cm.channels[id]; ok {
			if !ch.IsClosed() {
				return ch, nil
			}
			cm.drop(id, ch)
		}
	}

	conn, err := cm.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.OpenChannel(id)
	if err == nil {
		err = cm.register(ch)
		if err != nil {
			_ = ch.Close()
		}
	}
	cm.metrics.observeChannel(err)
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: id,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cm.logger.Debug("channel opened",
		"requested", id,
		"channel", ch.ID())

	return ch, nil
}

// register adds ch to the registry. Callers hold cm.mu.
func (cm *ConnectionManager) register(ch Channel) error {
	assigned := ch.ID()
	if assigned == AnyChannel {
		return ErrInvalidChannelID
	}
	if existing, exists := cm.channels[assigned]; exists {
		if !existing.IsClosed() {
			return fmt.Errorf("%w: %d", ErrChannelIDConflict, assigned)
		}
		cm.drop(assigned, existing)
	}
	cm.channels[assigned] = ch
	return nil
}

// drop unregisters a channel the broker closed. Anything still queued on
// it was lost with the channel. Callers hold cm.mu.
func (cm *ConnectionManager) drop(id uint16, ch Channel) {
	delete(cm.channels, id)
	if err := ch.Close(); err != nil {
		cm.logger.Warn("discarded closed channel",
			"channel", id,
			"error", err)
		return
	}
	cm.logger.Debug("discarded closed channel", "channel", id)
}

// Channels returns the registered channel ids in ascending order
func (cm *ConnectionManager) Channels() []uint16 {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return sortedIDs(cm.channels)
}

// IsConnected reports whether a live connection is held
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes every registered channel and then the connection.
// Messages still queued in a channel batch are lost and reported.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true

	var result *multierror.Error

	for _, id := range sortedIDs(cm.channels) {
		if err := cm.channels[id].Close(); err != nil {
			result = multierror.Append(result, &ChannelError{
				Op:        "close channel",
				ChannelID: id,
				Err:       err,
				Timestamp: time.Now(),
			})
		}
	}
	cm.channels = make(map[uint16]Channel)

	if cm.conn != nil {
		if err := cm.conn.Close(); err != nil {
			result = multierror.Append(result, cm.connectionError("close", err))
		}
		cm.conn = nil
		cm.logger.Info("connection closed", "url", cm.config.SanitizedURI())
	}

	return result.ErrorOrNil()
}

func (cm *ConnectionManager) connectionError(op string, err error) *ConnectionError {
	return &ConnectionError{
		Op:        op,
		URL:       cm.config.SanitizedURI(),
		Err:       err,
		Timestamp: time.Now(),
	}
}

func sortedIDs(channels map[uint16]Channel) []uint16 {
	ids := make([]uint16, 0, len(channels))
	for id := range channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
