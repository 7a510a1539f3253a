// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/glimte/mmate-amqp/internal/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-exported types so callers never import internal packages
type (
	ConnectionConfig = rabbitmq.ConnectionConfig
	ConnectOptions   = rabbitmq.ConnectOptions
	ConfigOption     = rabbitmq.ConfigOption
	Options          = rabbitmq.Options
	PublishOptions   = rabbitmq.PublishOptions
	Channel          = rabbitmq.Channel
	Dialer           = rabbitmq.Dialer

	Exchange = contracts.Exchange
	Envelope = contracts.Envelope

	ConnectionError  = rabbitmq.ConnectionError
	ChannelError     = rabbitmq.ChannelError
	DeclarationError = rabbitmq.DeclarationError
	PublishError     = rabbitmq.PublishError
)

// AnyChannel lets the transport allocate a channel id
const AnyChannel = rabbitmq.AnyChannel

var (
	NewConnectionConfig = rabbitmq.NewConnectionConfig
	WithVhost           = rabbitmq.WithVhost
	WithTLS             = rabbitmq.WithTLS
	WithTLSProtocol     = rabbitmq.WithTLSProtocol
	WithConnectOptions  = rabbitmq.WithConnectOptions
	Ticket              = rabbitmq.Ticket
	IsFatal             = rabbitmq.IsFatal
)

// Client provides the main entry point for mmate-amqp.
// It owns one connection manager and a publisher bound to one channel.
type Client struct {
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	logger    *slog.Logger
}

// NewClient creates a client for the broker described by cfg.
// No connection is made until the first publish.
func NewClient(cfg ConnectionConfig, options ...ClientOption) (*Client, error) {
	ccfg := &clientConfig{
		logger:    slog.Default(),
		channelID: AnyChannel,
	}

	for _, opt := range options {
		opt(ccfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(ccfg.logger)}
	pubOpts := []rabbitmq.PublisherOption{
		rabbitmq.WithPublisherLogger(ccfg.logger),
		rabbitmq.WithChannelID(ccfg.channelID),
	}

	if ccfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(ccfg.dialer))
	}

	if ccfg.registerer != nil {
		metrics, err := rabbitmq.NewMetrics(ccfg.registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		connOpts = append(connOpts, rabbitmq.WithMetrics(metrics))
		pubOpts = append(pubOpts, rabbitmq.WithPublisherMetrics(metrics))
	}

	manager := rabbitmq.NewConnectionManager(cfg, connOpts...)

	return &Client{
		manager:   manager,
		publisher: rabbitmq.NewPublisher(manager, pubOpts...),
		logger:    ccfg.logger,
	}, nil
}

// PublishBasic publishes one message. See rabbitmq.Publisher.PublishBasic.
func (c *Client) PublishBasic(ctx context.Context, message interface{}, routingKey string, exchange *Exchange, opts Options) error {
	return c.publisher.PublishBasic(ctx, message, routingKey, exchange, opts)
}

// PublishBatch publishes messages as one flushed batch
func (c *Client) PublishBatch(ctx context.Context, messages []interface{}, routingKey string, exchange *Exchange, opts Options) error {
	return c.publisher.PublishBatch(ctx, messages, routingKey, exchange, opts)
}

// Channel returns the channel registered under id, opening it if needed
func (c *Client) Channel(ctx context.Context, id uint16) (Channel, error) {
	return c.manager.GetChannel(ctx, id)
}

// Manager returns the underlying connection manager
func (c *Client) Manager() *rabbitmq.ConnectionManager {
	return c.manager
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	return c.manager.IsConnected()
}

// Close closes all channels and the connection
func (c *Client) Close() error {
	return c.manager.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	dialer     Dialer
	registerer prometheus.Registerer
	channelID  uint16
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDialer replaces the amqp091-go transport
func WithDialer(dialer Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithMetrics registers Prometheus collectors with reg
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithChannelID pins publishing to a channel id
func WithChannelID(id uint16) ClientOption {
	return func(cfg *clientConfig) {
		cfg.channelID = id
	}
}
