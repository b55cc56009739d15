package chat

import "errors"

var (
	// ErrInvalidRecipient is returned when a send has no receiver or targets self.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrNotConnected is returned when the transport is down at send time.
	ErrNotConnected = errors.New("not connected")
	// ErrSendRejected is returned when the server refuses a send.
	ErrSendRejected = errors.New("send rejected")
	// ErrMalformedPush marks inbound events without any usable identifier.
	ErrMalformedPush = errors.New("malformed push")
	// ErrFetchSuperseded marks history responses for a conversation that is no longer open.
	ErrFetchSuperseded = errors.New("fetch superseded")
	ErrUnknownMessage  = errors.New("unknown message")
	ErrRetryExhausted  = errors.New("retry attempts exhausted")
)
