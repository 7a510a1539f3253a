package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/glimte/mmate-amqp/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// checkExchange is predeclared by every RabbitMQ broker
const checkExchange = "amq.direct"

// ConnectionChecker reports whether the manager's connection can still
// carry work. It dials if no connection exists yet.
type ConnectionChecker struct {
	manager *rabbitmq.ConnectionManager
	logger  *slog.Logger
}

// NewConnectionChecker creates a connection health checker
func NewConnectionChecker(manager *rabbitmq.ConnectionManager, logger *slog.Logger) *ConnectionChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionChecker{
		manager: manager,
		logger:  logger,
	}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

// Check verifies amq.direct, which every RabbitMQ vhost predeclares, on
// a short-lived check channel. A connection that is up but cannot
// complete the round trip is degraded rather than unhealthy.
func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	cfg := c.manager.Config()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"endpoint": cfg.SanitizedURI(),
			"vhost":    cfg.Vhost,
			"tls":      cfg.UsesTLS(),
		},
	}
	err := verify(ctx, c.manager, contracts.Direct(checkExchange, contracts.WithPassive(true)), c.logger)

	var unreachable *checkError
	switch {
	case err == nil:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("broker answered on %s", checkExchange)
		result.Details["open_channels"] = len(c.manager.Channels())
	case errors.As(err, &unreachable):
		result.Status = StatusUnhealthy
		result.Message = unreachable.stage
		result.Error = unreachable.Err.Error()
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("connected, but verifying %s failed", checkExchange)
		result.Error = err.Error()
	}

	result.Duration = time.Since(result.Timestamp)
	return result
}

// ExchangeChecker checks that a named exchange exists on the broker
type ExchangeChecker struct {
	exchange string
	manager  *rabbitmq.ConnectionManager
}

// NewExchangeChecker creates an exchange existence checker
func NewExchangeChecker(exchange string, manager *rabbitmq.ConnectionManager) *ExchangeChecker {
	return &ExchangeChecker{
		exchange: exchange,
		manager:  manager,
	}
}

func (c *ExchangeChecker) Name() string {
	return fmt.Sprintf("exchange_%s", c.exchange)
}

// Check passively declares the exchange. A missing exchange is unhealthy
// whatever the cause, since publishes to it would fail.
func (c *ExchangeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"exchange": c.exchange},
	}

	// Kind is not compared by a passive declare
	err := verify(ctx, c.manager, contracts.Direct(c.exchange, contracts.WithPassive(true)), slog.Default())
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Exchange %s not accessible", c.exchange)
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Exchange %s is accessible", c.exchange)
	}

	result.Duration = time.Since(start)
	return result
}

// checkError marks a failure to reach the point of issuing the declare
type checkError struct {
	stage string
	Err   error
}

func (e *checkError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.Err)
}

func (e *checkError) Unwrap() error {
	return e.Err
}

// verify declares ex on a short-lived channel opened straight on the
// connection. A failed passive declare closes the channel it runs on, so
// the check never touches registered channels and is never registered
// itself. Its logical id may coincide with one a caller later requests;
// the transport allows that, since only registered ids must be unique.
func verify(ctx context.Context, manager *rabbitmq.ConnectionManager, ex contracts.Exchange, logger *slog.Logger) error {
	conn, err := manager.GetConnection(ctx)
	if err != nil {
		return &checkError{stage: "broker unreachable", Err: err}
	}
	if conn.IsClosed() {
		return &checkError{stage: "connection dropped", Err: amqp.ErrClosed}
	}

	ch, err := conn.OpenChannel(rabbitmq.AnyChannel)
	if err != nil {
		return &checkError{stage: "no channel available", Err: err}
	}
	defer func() {
		if err := ch.Close(); err != nil {
			logger.Debug("check channel close failed",
				"exchange", ex.Name,
				"error", err)
		}
	}()

	return ch.DeclareExchange(ex)
}
