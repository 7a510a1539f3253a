package rabbitmq

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultPort    = 5672
	defaultTLSPort = 5671
	defaultVhost   = "/"
)

// TLS protocol names accepted by WithTLSProtocol
const (
	TLSProtocol12 = "tlsv1.2"
	TLSProtocol13 = "tlsv1.3"
)

// ConnectOptions tunes connection negotiation
type ConnectOptions struct {
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
	FrameSize         int
	Locale            string
	Properties        map[string]interface{}
}

// ConnectionConfig identifies exactly one broker endpoint.
// Build it with NewConnectionConfig; it is not modified afterwards.
type ConnectionConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	Vhost       string
	TLS         *tls.Config
	TLSProtocol string
	Connect     ConnectOptions
}

// ConfigOption configures a ConnectionConfig
type ConfigOption func(*ConnectionConfig)

// WithVhost sets the virtual host
func WithVhost(vhost string) ConfigOption {
	return func(c *ConnectionConfig) {
		c.Vhost = vhost
	}
}

// WithTLS enables TLS with the given client configuration
func WithTLS(cfg *tls.Config) ConfigOption {
	return func(c *ConnectionConfig) {
		c.TLS = cfg
	}
}

// WithTLSProtocol enables TLS and sets the minimum protocol version
func WithTLSProtocol(protocol string) ConfigOption {
	return func(c *ConnectionConfig) {
		c.TLSProtocol = protocol
	}
}

// WithConnectOptions sets connection negotiation options
func WithConnectOptions(opts ConnectOptions) ConfigOption {
	return func(c *ConnectionConfig) {
		c.Connect = opts
	}
}

// NewConnectionConfig creates a connection configuration.
// A port of 0 selects 5672, or 5671 when TLS is enabled.
func NewConnectionConfig(host string, port int, username, password string, options ...ConfigOption) ConnectionConfig {
	cfg := ConnectionConfig{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		Vhost:    defaultVhost,
	}

	for _, opt := range options {
		opt(&cfg)
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
		if cfg.UsesTLS() {
			cfg.Port = defaultTLSPort
		}
	}

	return cfg
}

// UsesTLS reports whether the connection is made over TLS
func (c ConnectionConfig) UsesTLS() bool {
	return c.TLS != nil || c.TLSProtocol != ""
}

// Validate checks the configuration for values the transport cannot use
func (c ConnectionConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfiguration)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, c.Port)
	}
	if _, err := tlsMinVersion(c.TLSProtocol); err != nil {
		return err
	}
	return nil
}

// URI returns the AMQP URI for the endpoint, including credentials
func (c ConnectionConfig) URI() string {
	scheme := "amqp"
	if c.UsesTLS() {
		scheme = "amqps"
	}

	vhost := c.Vhost
	if vhost == "" {
		vhost = defaultVhost
	}

	return amqp.URI{
		Scheme:   scheme,
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// SanitizedURI returns the endpoint without the password, for logs and errors
func (c ConnectionConfig) SanitizedURI() string {
	scheme := "amqp"
	if c.UsesTLS() {
		scheme = "amqps"
	}
	return fmt.Sprintf("%s://%s@%s:%d/%s", scheme, c.Username, c.Host, c.Port, strings.TrimPrefix(c.Vhost, "/"))
}

// amqpConfig converts the configuration into the client library's dial settings
func (c ConnectionConfig) amqpConfig() (amqp.Config, error) {
	cfg := amqp.Config{
		Heartbeat: c.Connect.Heartbeat,
		FrameSize: c.Connect.FrameSize,
		Locale:    c.Connect.Locale,
	}

	if cfg.Locale == "" {
		cfg.Locale = "en_US"
	}

	if len(c.Connect.Properties) > 0 {
		cfg.Properties = amqp.Table{}
		for k, v := range c.Connect.Properties {
			cfg.Properties[k] = v
		}
	}

	if c.Connect.ConnectionTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(c.Connect.ConnectionTimeout)
	}

	if c.UsesTLS() {
		minVersion, err := tlsMinVersion(c.TLSProtocol)
		if err != nil {
			return amqp.Config{}, err
		}

		tlsCfg := &tls.Config{}
		if c.TLS != nil {
			tlsCfg = c.TLS.Clone()
		}
		if minVersion != 0 {
			tlsCfg.MinVersion = minVersion
		}
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = c.Host
		}
		cfg.TLSClientConfig = tlsCfg
	}

	return cfg, nil
}

func tlsMinVersion(protocol string) (uint16, error) {
	switch strings.ToLower(protocol) {
	case "":
		return 0, nil
	case TLSProtocol12:
		return tls.VersionTLS12, nil
	case TLSProtocol13:
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("%w: unsupported TLS protocol %q", ErrInvalidConfiguration, protocol)
	}
}
