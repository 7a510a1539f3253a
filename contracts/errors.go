package contracts

import "errors"

var (
	// ErrUnsupportedPayload is returned when a message value cannot be turned into an Envelope
	ErrUnsupportedPayload = errors.New("contracts: unsupported message payload")
)
