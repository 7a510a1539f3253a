package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Delivery modes for Properties.DeliveryMode
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// Properties holds the AMQP basic properties sent with a message
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         map[string]interface{}
	DeliveryMode    uint8 // 1 = transient, 2 = persistent
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// DefaultProperties returns the properties given to raw payloads
func DefaultProperties() Properties {
	return Properties{
		ContentType:  "text/plain",
		DeliveryMode: Persistent,
	}
}

// Envelope wraps a payload with its broker-level properties
type Envelope struct {
	Body       []byte
	Properties Properties
}

// NewEnvelope creates an envelope. Body and headers are copied.
func NewEnvelope(body []byte, props Properties) Envelope {
	b := make([]byte, len(body))
	copy(b, body)

	if props.Headers != nil {
		h := make(map[string]interface{}, len(props.Headers))
		for k, v := range props.Headers {
			h[k] = v
		}
		props.Headers = h
	}

	return Envelope{Body: b, Properties: props}
}

// ToEnvelope normalizes a message value into an Envelope.
// Envelopes pass through unchanged; string, []byte and json.RawMessage
// are wrapped with DefaultProperties.
func ToEnvelope(message interface{}) (Envelope, error) {
	switch m := message.(type) {
	case Envelope:
		return m, nil
	case *Envelope:
		if m == nil {
			return Envelope{}, fmt.Errorf("%w: nil envelope", ErrUnsupportedPayload)
		}
		return *m, nil
	case []byte:
		return NewEnvelope(m, DefaultProperties()), nil
	case json.RawMessage:
		env := NewEnvelope(m, DefaultProperties())
		env.Properties.ContentType = "application/json"
		return env, nil
	case string:
		return NewEnvelope([]byte(m), DefaultProperties()), nil
	default:
		return Envelope{}, fmt.Errorf("%w: %T", ErrUnsupportedPayload, message)
	}
}
