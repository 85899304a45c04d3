// Package deepgram provides a Deepgram live transcription adapter with
// optional multichannel recognition.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"speech-relay-service/internal/observability/logging"
	"speech-relay-service/internal/service/stt"
	"speech-relay-service/internal/service/stt/wsstream"
)

// ProviderName is the registry key for this adapter.
const ProviderName = "deepgram"

// DefaultURL is the live listen endpoint.
const DefaultURL = "wss://api.deepgram.com/v1/listen"

const requestIDHeader = "dg-request-id"

func init() {
	stt.Register(ProviderName, func(_ context.Context, opts stt.Options) (stt.Adapter, error) {
		return New(opts), nil
	})
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type message struct {
	Type string `json:"type"`

	// Results
	ChannelIndex []int   `json:"channel_index"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	Channel      *struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`

	// Metadata
	RequestID string `json:"request_id"`
	Channels  int    `json:"channels"`

	// Error
	Description string `json:"description"`
	Message     string `json:"message"`
}

// Adapter implements stt.Adapter over the Deepgram listen websocket.
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

// BuildURL returns the listen endpoint with the negotiated query parameters.
func BuildURL(opts stt.Options) (string, error) {
	base := opts.URL
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram url: %w", err)
	}

	rate := opts.SampleRateHz
	if rate == 0 {
		rate = 16000
	}
	channels := opts.Channels
	if channels < 1 {
		channels = 1
	}
	model := opts.Model
	if model == "" {
		model = "nova-3"
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", encoding(opts.Encoding))
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", strconv.Itoa(channels))
	if channels > 1 {
		q.Set("multichannel", "true")
	}
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	if opts.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(opts.Endpointing))
	}
	if opts.LanguageCode != "" {
		q.Set("language", opts.LanguageCode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func encoding(enc string) string {
	switch strings.ToUpper(enc) {
	case "MULAW":
		return "mulaw"
	case "FLAC":
		return "flac"
	case "OGG_OPUS", "OPUS":
		return "opus"
	default:
		return "linear16"
	}
}

// Start dials Deepgram. Deepgram has no begin message, so the request id from
// the handshake is reported as the session acknowledgement.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	endpoint, err := BuildURL(a.opts)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+a.opts.APIKey)

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

	cb.OnBegin(stt.SessionInfo{SessionID: conn.ResponseHeader().Get(requestIDHeader)})

	conn.Start(a.handle, func(err error, expected bool) {
		if expected {
			a.log.Debug().Err(err).Msg("Deepgram socket closed")
			return
		}
		cb.OnError(fmt.Errorf("deepgram receive: %w", err), true)
	})

	a.log.Info().Int("channels", a.opts.Channels).Msg("Deepgram connection established")
	return nil
}

func (a *Adapter) handle(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		a.cb.OnError(stt.ProtocolError("undecodable message: %v", err), false)
		return
	}

	switch msg.Type {
	case "Results":
		if msg.Channel == nil || len(msg.Channel.Alternatives) == 0 {
			return
		}
		text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		if text == "" {
			return
		}
		r := stt.Result{
			Text:      text,
			IsFinal:   msg.IsFinal,
			Start:     msg.Start,
			End:       msg.Start + msg.Duration,
			HasTiming: msg.Duration > 0 || msg.Start > 0,
		}
		if len(msg.ChannelIndex) > 0 {
			ch := msg.ChannelIndex[0]
			r.Channel = &ch
		}
		a.cb.OnTranscript(r)

	case "Metadata":
		a.cb.OnTermination(stt.Usage{AudioDurationSeconds: msg.Duration})

	case "SpeechStarted", "UtteranceEnd":
		// Turn boundaries are derived from the silence window instead.

	case "Error":
		a.cb.OnError(fmt.Errorf("deepgram: %s %s", msg.Description, msg.Message), false)

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

// Terminate sends CloseStream so Deepgram flushes and reports metadata.
func (a *Adapter) Terminate(_ context.Context) error {
	conn := a.current()
	if conn == nil {
		return nil
	}
	conn.MarkClosing()
	return conn.WriteJSON(map[string]string{"type": "CloseStream"})
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
