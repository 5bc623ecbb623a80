package p2p

import "errors"

var (
	ErrMalformedHandshake = errors.New("malformed handshake")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrTypeInvalid        = errors.New("message type invalid")
	ErrConnectionLost     = errors.New("connection lost")
)
