package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"speech-relay-service/internal/models"
	"speech-relay-service/internal/observability/metrics"
	"speech-relay-service/internal/service/stt"
)

// DefaultCloseGrace bounds how long Close waits for the provider to
// acknowledge the termination message.
const DefaultCloseGrace = 500 * time.Millisecond

// ConnState is the provider connection state of a Session.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the string representation of the state.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Session owns one provider connection.
//
// State transitions:
//
//	DISCONNECTED ──Connect──→ CONNECTING ──Begin──→ CONNECTED
//	      ↑                                            │
//	      └──────────────Termination───────────────────┘
//	any ──Close──→ CLOSING ──→ CLOSED
//
// Audio is forwarded only while CONNECTED. Only the relay loop sends audio,
// so the provider socket has one writer at a time.
type Session struct {
	adapter stt.Adapter
	grace   time.Duration
	log     zerolog.Logger
	metrics *metrics.Metrics

	state     atomic.Int32
	closeOnce sync.Once

	mu        sync.Mutex
	sessionID string
	expiresAt time.Time
}

// NewSession wraps adapter. A non-positive grace uses DefaultCloseGrace.
func NewSession(adapter stt.Adapter, grace time.Duration, log zerolog.Logger, m *metrics.Metrics) *Session {
	if grace <= 0 {
		grace = DefaultCloseGrace
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Session{
		adapter: adapter,
		grace:   grace,
		log:     log,
		metrics: m,
	}
}

// State returns the current connection state.
func (s *Session) State() ConnState {
	return ConnState(s.state.Load())
}

// Provider returns the adapter name.
func (s *Session) Provider() string {
	return s.adapter.Name()
}

// SessionID returns the provider-assigned session id, empty until Begin.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// ExpiresAt returns the provider session expiry, zero if none was reported.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// Connect opens the provider stream and delivers its events to cb. It is a
// no-op unless the session is DISCONNECTED. Failures are *ConnectionError
// and leave the session DISCONNECTED; there is no built-in retry.
func (s *Session) Connect(ctx context.Context, cb stt.Callback) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return nil
	}

	err := s.adapter.Start(ctx, cb)
	s.metrics.RecordProviderConnect(s.adapter.Name(), err)
	if err != nil {
		s.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		return &ConnectionError{Provider: s.adapter.Name(), Err: err}
	}

	s.log.Info().Str("sttProvider", s.adapter.Name()).Msg("Provider stream opened")
	return nil
}

// MarkConnected records the provider acknowledgement.
func (s *Session) MarkConnected(begin models.SessionBegin) bool {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return false
	}
	s.mu.Lock()
	s.sessionID = begin.SessionID
	s.expiresAt = begin.ExpiresAt
	s.mu.Unlock()
	return true
}

// MarkDisconnected records that the provider ended its session.
func (s *Session) MarkDisconnected() {
	s.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected))
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
}

// SendAudio forwards one chunk while CONNECTED. Otherwise the chunk is
// dropped; stale audio is never buffered. A failed send is ErrTransientSend.
func (s *Session) SendAudio(ctx context.Context, audio []byte) error {
	state := s.State()
	if state != StateConnected {
		s.metrics.RecordAudioDropped(state.String())
		s.log.Debug().
			Str("state", state.String()).
			Int("bytes", len(audio)).
			Msg("Audio dropped, provider not connected")
		return nil
	}

	if err := s.adapter.SendAudio(ctx, audio); err != nil {
		s.metrics.RecordAudioDropped("send_error")
		return fmt.Errorf("%w: audio: %v", ErrTransientSend, err)
	}
	s.metrics.RecordAudioForwarded(len(audio))
	return nil
}

// Close sends the provider's termination message, waits up to the grace
// interval for the provider to finish, then releases the connection. The
// session always ends CLOSED; release failures are logged, never returned.
// Safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		prev := ConnState(s.state.Swap(int32(StateClosing)))

		if prev == StateConnected || prev == StateConnecting {
			if err := s.adapter.Terminate(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Provider termination message failed")
			} else {
				timer := time.NewTimer(s.grace)
				select {
				case <-s.adapter.Done():
				case <-timer.C:
					s.log.Debug().Dur("grace", s.grace).Msg("Provider did not finish within grace period")
				case <-ctx.Done():
				}
				timer.Stop()
			}
		}

		if err := s.adapter.Close(); err != nil {
			s.log.Debug().Err(err).Msg("Provider close returned error")
		}
		s.state.Store(int32(StateClosed))
	})
}
