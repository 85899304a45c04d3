package relay

import (
	"errors"
	"fmt"

	"speech-relay-service/internal/service/stt"
)

// Error classes. Only ErrConnection ends a relay; every other class is
// isolated to the operation that produced it.
var (
	ErrConnection         = errors.New("provider connection failed")
	ErrTransientSend      = errors.New("send failed")
	ErrProviderProtocol   = stt.ErrProtocol
	ErrDownstreamDispatch = errors.New("downstream dispatch failed")
	ErrClientDisconnect   = errors.New("client disconnected")
)

// errEndRequested stops the loop when the client sends {"event":"end"}.
var errEndRequested = errors.New("client requested end of stream")

// ConnectionError is a provider connect/auth failure or an unrecoverable
// provider stream error. It matches ErrConnection.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// IsFatal reports whether err should end the relay with an error notification.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnection)
}
