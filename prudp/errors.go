package prudp

import "errors"

var (
	ErrSocketClosed      = errors.New("prudp: socket closed")
	ErrRouterClosed      = errors.New("prudp: router closed")
	ErrConnectionClosed  = errors.New("prudp: connection closed")
	ErrNotEstablished    = errors.New("prudp: connection not established")
	ErrPortInUse         = errors.New("prudp: virtual port already registered")
	ErrMessageTooLarge   = errors.New("prudp: message too large")
	ErrMissingAccessKey  = errors.New("prudp: access key required")
	ErrMissingSignature  = errors.New("prudp: connect without connection signature")
	ErrSignatureMismatch = errors.New("prudp: signature mismatch")
)
