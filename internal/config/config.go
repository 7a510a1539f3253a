// Package config loads mmate-amqp settings for command line tools.
//
// Settings come from built-in defaults, then an optional YAML file, then
// MMATE_AMQP_* environment variables, in that order.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/mmate-amqp/internal/rabbitmq"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MMATE_AMQP_"

// Config is the root configuration structure.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Connect   ConnectConfig   `yaml:"connect"`
	TLS       TLSConfig       `yaml:"tls"`
	Publisher PublisherConfig `yaml:"publisher"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BrokerConfig identifies the broker endpoint.
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Vhost    string `yaml:"vhost"`
}

// ConnectConfig tunes connection negotiation.
type ConnectConfig struct {
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	FrameSize         int           `yaml:"frame_size"`
	Locale            string        `yaml:"locale"`
}

// TLSConfig contains TLS settings. Certificate paths are read at conversion time.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Protocol           string `yaml:"protocol"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// PublisherConfig selects the channel used for publishing.
type PublisherConfig struct {
	ChannelID uint16 `yaml:"channel_id"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration. An empty path uses defaults and the
// environment only.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:     "localhost",
			Username: "guest",
			Password: "guest",
			Vhost:    "/",
		},
		Connect: ConnectConfig{
			Heartbeat:         10 * time.Second,
			ConnectionTimeout: 30 * time.Second,
			Locale:            "en_US",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyEnvOverrides applies MMATE_AMQP_* variables on top of cfg
func applyEnvOverrides(cfg *Config) error {
	var result *multierror.Error

	if v := os.Getenv(EnvPrefix + "HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv(EnvPrefix + "PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%sPORT: %w", EnvPrefix, err))
		} else {
			cfg.Broker.Port = port
		}
	}
	if v := os.Getenv(EnvPrefix + "USERNAME"); v != "" {
		cfg.Broker.Username = v
	}
	if v := os.Getenv(EnvPrefix + "PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}
	if v := os.Getenv(EnvPrefix + "VHOST"); v != "" {
		cfg.Broker.Vhost = v
	}
	if v := os.Getenv(EnvPrefix + "TLS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%sTLS: %w", EnvPrefix, err))
		} else {
			cfg.TLS.Enabled = enabled
		}
	}
	if v := os.Getenv(EnvPrefix + "TLS_PROTOCOL"); v != "" {
		cfg.TLS.Protocol = v
	}
	if v := os.Getenv(EnvPrefix + "HEARTBEAT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%sHEARTBEAT: %w", EnvPrefix, err))
		} else {
			cfg.Connect.Heartbeat = d
		}
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return result.ErrorOrNil()
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Broker.Host == "" {
		result = multierror.Append(result, fmt.Errorf("broker.host is required"))
	}
	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("broker.port must be between 0 and 65535"))
	}
	if c.Connect.Heartbeat < 0 {
		result = multierror.Append(result, fmt.Errorf("connect.heartbeat must not be negative"))
	}
	if c.Connect.ConnectionTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("connect.connection_timeout must not be negative"))
	}

	switch strings.ToLower(c.TLS.Protocol) {
	case "", rabbitmq.TLSProtocol12, rabbitmq.TLSProtocol13:
	default:
		result = multierror.Append(result, fmt.Errorf("tls.protocol must be %q or %q", rabbitmq.TLSProtocol12, rabbitmq.TLSProtocol13))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		result = multierror.Append(result, fmt.Errorf("tls.cert_file and tls.key_file must be set together"))
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		result = multierror.Append(result, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("logging.format must be text or json"))
	}

	return result.ErrorOrNil()
}

// ToConnectionConfig converts the settings into a broker endpoint,
// loading any certificate files named in the TLS section.
func (c *Config) ToConnectionConfig() (rabbitmq.ConnectionConfig, error) {
	opts := []rabbitmq.ConfigOption{
		rabbitmq.WithVhost(c.Broker.Vhost),
		rabbitmq.WithConnectOptions(rabbitmq.ConnectOptions{
			Heartbeat:         c.Connect.Heartbeat,
			ConnectionTimeout: c.Connect.ConnectionTimeout,
			FrameSize:         c.Connect.FrameSize,
			Locale:            c.Connect.Locale,
		}),
	}

	if c.TLS.Enabled || c.TLS.Protocol != "" {
		tlsCfg, err := c.TLS.build()
		if err != nil {
			return rabbitmq.ConnectionConfig{}, err
		}
		opts = append(opts, rabbitmq.WithTLS(tlsCfg), rabbitmq.WithTLSProtocol(c.TLS.Protocol))
	}

	return rabbitmq.NewConnectionConfig(c.Broker.Host, c.Broker.Port, c.Broker.Username, c.Broker.Password, opts...), nil
}

func (t TLSConfig) build() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading tls.ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls.ca_file %s contains no certificates", t.CAFile)
		}
		cfg.RootCAs = pool
	}

	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// NewLogger builds the slog logger described by the logging section
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Logging.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
