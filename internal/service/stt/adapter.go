// Package stt defines the interface for streaming Speech-to-Text adapters.
package stt

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrProtocol marks a malformed or unexpected provider payload. The event is
// dropped and the stream continues.
var ErrProtocol = errors.New("provider protocol error")

// SessionInfo is reported once the provider acknowledges the session.
type SessionInfo struct {
	SessionID string
	ExpiresAt time.Time // zero when the provider does not expire sessions
}

// Result is one transcript update.
type Result struct {
	Text    string
	IsFinal bool

	// Channel is the provider-reported channel index, nil when omitted.
	Channel *int

	// Start and End are provider-relative seconds. HasTiming is false when
	// the provider did not report a time range.
	Start     float64
	End       float64
	HasTiming bool
}

// Usage is reported when the provider terminates the session.
type Usage struct {
	AudioDurationSeconds   float64
	SessionDurationSeconds float64
}

// Callback receives provider events. It may be invoked from any goroutine,
// including synchronously from Start, and must not block.
type Callback interface {
	OnBegin(info SessionInfo)
	OnTranscript(r Result)
	OnTermination(u Usage)
	// OnError reports a provider failure. fatal is true when the stream
	// cannot continue.
	OnError(err error, fatal bool)
}

// Adapter defines the interface for streaming STT providers.
type Adapter interface {
	// Start opens the provider stream and begins delivering events to cb.
	Start(ctx context.Context, cb Callback) error

	// SendAudio forwards one raw audio chunk.
	SendAudio(ctx context.Context, audio []byte) error

	// Terminate sends the provider's end-of-stream message, if it has one.
	Terminate(ctx context.Context) error

	// Done is closed once the provider has stopped delivering events.
	Done() <-chan struct{}

	// Close releases the connection. Safe to call more than once.
	Close() error

	// Name identifies the provider for logs and metrics.
	Name() string
}

// Options parameterize a provider session.
type Options struct {
	APIKey       string
	URL          string
	SampleRateHz int
	Encoding     string
	Channels     int
	LanguageCode string
	Model        string
	Endpointing  int
	DialTimeout  time.Duration
}

// Factory builds an adapter for one relay session.
type Factory func(ctx context.Context, opts Options) (Adapter, error)

var factories = map[string]Factory{}

// Register makes a provider available to New. Provider packages call it
// from init.
func Register(name string, f Factory) {
	factories[name] = f
}

// New builds the adapter registered under name.
func New(ctx context.Context, name string, opts Options) (Adapter, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown stt provider %q", name)
	}
	return f(ctx, opts)
}

// ProtocolError wraps a payload problem so callers can match ErrProtocol.
func ProtocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Closed returns an already-closed channel, for adapters that never started.
func Closed() <-chan struct{} {
	return closed
}
