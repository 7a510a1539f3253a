package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Connection errors
	ErrManagerClosed = errors.New("rabbitmq: connection manager is closed")

	// Channel errors
	ErrChannelIDConflict = errors.New("rabbitmq: channel id already registered")
	ErrInvalidChannelID  = errors.New("rabbitmq: transport returned an invalid channel id")
	ErrUnflushedBatch    = errors.New("rabbitmq: channel closed with unflushed batched messages")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a failure to establish the broker connection.
// It is fatal to the ConnectionManager that returned it.
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel allocation or registration failure
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID uint16    // Requested or assigned channel id, 0 when none
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %d: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// DeclarationError represents an exchange declaration rejected by the broker
type DeclarationError struct {
	Exchange  string    // Exchange name
	Kind      string    // Exchange type
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *DeclarationError) Error() string {
	return fmt.Sprintf("rabbitmq declaration error: failed to declare %s exchange '%s': %v",
		e.Kind, e.Exchange, e.Err)
}

func (e *DeclarationError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Mandatory  bool      // Whether mandatory flag was set
	Batched    bool      // Whether the message went through the batch path
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s (mandatory=%v, batched=%v): %v",
		e.Exchange, e.RoutingKey, e.Mandatory, e.Batched, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the error leaves the ConnectionManager unusable.
// Callers must discard the manager and build a new one.
func IsFatal(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
