// Package assemblyai provides an AssemblyAI v3 streaming adapter.
package assemblyai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speech-relay-service/internal/observability/logging"
	"speech-relay-service/internal/service/stt"
	"speech-relay-service/internal/service/stt/wsstream"
)

// ProviderName is the registry key for this adapter.
const ProviderName = "assemblyai"

// DefaultURL is the v3 realtime endpoint.
const DefaultURL = "wss://streaming.assemblyai.com/v3/ws"

func init() {
	stt.Register(ProviderName, func(_ context.Context, opts stt.Options) (stt.Adapter, error) {
		return New(opts), nil
	})
}

// message is the union of the v3 server messages the relay consumes.
type message struct {
	Type string `json:"type"`

	// Begin
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`

	// Turn
	Transcript      string `json:"transcript"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	EndOfTurn       bool   `json:"end_of_turn"`
	Words           []word `json:"words"`

	// Termination
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`

	// Error
	Error string `json:"error"`
}

type word struct {
	Start int64  `json:"start"` // ms
	End   int64  `json:"end"`   // ms
	Text  string `json:"text"`
}

// Adapter implements stt.Adapter over the AssemblyAI v3 websocket.
type Adapter struct {
	opts stt.Options
	log  zerolog.Logger

	mu   sync.Mutex
	conn *wsstream.Conn
	cb   stt.Callback
}

// New creates an unconnected adapter.
func New(opts stt.Options) *Adapter {
	return &Adapter{
		opts: opts,
		log:  logging.WithProvider(ProviderName),
	}
}

// Name implements stt.Adapter.
func (a *Adapter) Name() string { return ProviderName }

// BuildURL returns the endpoint with the negotiated query parameters.
func BuildURL(opts stt.Options) (string, error) {
	base := opts.URL
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid assemblyai url: %w", err)
	}
	q := u.Query()
	rate := opts.SampleRateHz
	if rate == 0 {
		rate = 16000
	}
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("encoding", encoding(opts.Encoding))
	q.Set("format_turns", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func encoding(enc string) string {
	switch strings.ToUpper(enc) {
	case "MULAW", "PCM_MULAW":
		return "pcm_mulaw"
	default:
		return "pcm_s16le"
	}
}

// Start dials the provider and starts the receive goroutine.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	endpoint, err := BuildURL(a.opts)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", a.opts.APIKey)

	conn, err := wsstream.Dial(ctx, wsstream.Config{
		URL:         endpoint,
		Header:      header,
		DialTimeout: a.opts.DialTimeout,
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.conn = conn
	a.cb = cb
	a.mu.Unlock()

	conn.Start(a.handle, func(err error, expected bool) {
		if expected {
			a.log.Debug().Err(err).Msg("AssemblyAI stream closed")
			return
		}
		cb.OnError(fmt.Errorf("assemblyai receive: %w", err), true)
	})

	a.log.Info().Str("url", endpoint).Msg("Connected to AssemblyAI v3 API")
	return nil
}

func (a *Adapter) handle(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		a.cb.OnError(stt.ProtocolError("undecodable message: %v", err), false)
		return
	}

	switch msg.Type {
	case "Begin":
		info := stt.SessionInfo{SessionID: msg.ID}
		if msg.ExpiresAt > 0 {
			info.ExpiresAt = time.Unix(msg.ExpiresAt, 0)
		}
		a.cb.OnBegin(info)

	case "Turn":
		if msg.Transcript == "" {
			return
		}
		r := stt.Result{
			Text:    msg.Transcript,
			IsFinal: msg.TurnIsFormatted,
		}
		if n := len(msg.Words); n > 0 {
			r.Start = float64(msg.Words[0].Start) / 1000
			r.End = float64(msg.Words[n-1].End) / 1000
			r.HasTiming = true
		}
		a.cb.OnTranscript(r)

	case "Termination":
		a.cb.OnTermination(stt.Usage{
			AudioDurationSeconds:   msg.AudioDurationSeconds,
			SessionDurationSeconds: msg.SessionDurationSeconds,
		})

	case "":
		if msg.Error != "" {
			a.cb.OnError(fmt.Errorf("assemblyai: %s", msg.Error), false)
			return
		}
		a.cb.OnError(stt.ProtocolError("message without type"), false)

	default:
		a.cb.OnError(stt.ProtocolError("unexpected message type %q", msg.Type), false)
	}
}

// SendAudio forwards raw PCM as a binary frame.
func (a *Adapter) SendAudio(_ context.Context, audio []byte) error {
	conn := a.current()
	if conn == nil {
		return wsstream.ErrNotConnected
	}
	return conn.WriteBinary(audio)
}

// Terminate asks the provider to flush and end the session.
func (a *Adapter) Terminate(_ context.Context) error {
	conn := a.current()
	if conn == nil {
		return nil
	}
	conn.MarkClosing()
	return conn.WriteJSON(map[string]string{"type": "Terminate"})
}

// Done is closed when the provider socket has stopped receiving.
func (a *Adapter) Done() <-chan struct{} {
	conn := a.current()
	if conn == nil {
		return stt.Closed()
	}
	return conn.Done()
}

// Close releases the socket.
func (a *Adapter) Close() error {
	conn := a.current()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (a *Adapter) current() *wsstream.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}
