package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotStarted       = errors.New("client is not started")
	ErrAlreadyStarted   = errors.New("client is already started")
	ErrInvalidConfig    = errors.New("invalid client configuration")
	ErrBootstrapTimeout = errors.New("initial dump not received")
)
