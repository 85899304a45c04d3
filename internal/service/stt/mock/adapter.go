// Package mock provides a mock STT adapter for testing without cloud credentials.
// It simulates realistic speech-to-text behavior with progressive partial transcripts
// followed by exactly one final transcript per utterance.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"speech-relay-service/internal/service/stt"
)

// ProviderName is the registry key for this adapter.
const ProviderName = "mock"

func init() {
	stt.Register(ProviderName, func(_ context.Context, opts stt.Options) (stt.Adapter, error) {
		return New(opts), nil
	})
}

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials []string // Progressive partial transcripts
	Final    string   // Final transcript text
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials: []string{"I want", "I want to", "I want to cancel"},
		Final:    "I want to cancel my subscription",
	},
	{
		Partials: []string{"Yes", "Yes please"},
		Final:    "Yes please go ahead",
	},
	{
		Partials: []string{"Can you", "Can you help", "Can you help me with"},
		Final:    "Can you help me with my account",
	},
	{
		Partials: []string{"I've been", "I've been waiting", "I've been waiting for"},
		Final:    "I've been waiting for over an hour",
	},
	{
		Partials: []string{"Thank you"},
		Final:    "Thank you very much",
	},
}

// Adapter implements stt.Adapter with scripted responses.
// Every audio frame advances the script by one step: the partials of the
// current utterance in order, then its final, then the next utterance.
// With more than one channel, consecutive utterances alternate channels.
type Adapter struct {
	opts       stt.Options
	utterances []SimulatedUtterance

	mu           sync.Mutex
	cb           stt.Callback
	started      time.Time
	bytes        int
	utterance    int
	partialIndex int
	done         chan struct{}
	terminated   bool
	closed       bool
}

// New creates a mock adapter that plays DefaultUtterances.
func New(opts stt.Options) *Adapter {
	return NewWithScript(opts, DefaultUtterances)
}

// NewWithScript creates a mock adapter that plays the given utterances.
func NewWithScript(opts stt.Options, utterances []SimulatedUtterance) *Adapter {
	return &Adapter{
		opts:       opts,
		utterances: utterances,
		done:       make(chan struct{}),
	}
}

// Name implements stt.Adapter.
func (a *Adapter) Name() string { return ProviderName }

// Start acknowledges the session immediately.
func (a *Adapter) Start(_ context.Context, cb stt.Callback) error {
	a.mu.Lock()
	a.cb = cb
	a.started = time.Now()
	a.mu.Unlock()

	cb.OnBegin(stt.SessionInfo{SessionID: uuid.NewString()})
	return nil
}

// SendAudio advances the script by one step.
func (a *Adapter) SendAudio(_ context.Context, audio []byte) error {
	a.mu.Lock()
	if a.cb == nil || a.terminated || a.closed || len(a.utterances) == 0 {
		a.mu.Unlock()
		return nil
	}
	a.bytes += len(audio)
	r := a.step()
	cb := a.cb
	a.mu.Unlock()

	cb.OnTranscript(r)
	return nil
}

// step must be called with mu held.
func (a *Adapter) step() stt.Result {
	utt := a.utterances[a.utterance%len(a.utterances)]
	r := stt.Result{}
	if a.opts.Channels > 1 {
		ch := a.utterance % a.opts.Channels
		r.Channel = &ch
	}

	if a.partialIndex < len(utt.Partials) {
		r.Text = utt.Partials[a.partialIndex]
		a.partialIndex++
		return r
	}

	r.Text = utt.Final
	r.IsFinal = true
	a.utterance++
	a.partialIndex = 0
	return r
}

// Terminate reports usage and ends the event stream.
func (a *Adapter) Terminate(_ context.Context) error {
	a.mu.Lock()
	if a.terminated || a.closed || a.cb == nil {
		a.mu.Unlock()
		return nil
	}
	a.terminated = true
	cb := a.cb
	usage := stt.Usage{
		AudioDurationSeconds:   a.audioSeconds(),
		SessionDurationSeconds: time.Since(a.started).Seconds(),
	}
	a.mu.Unlock()

	cb.OnTermination(usage)
	close(a.done)
	return nil
}

// audioSeconds assumes 16-bit samples. Must be called with mu held.
func (a *Adapter) audioSeconds() float64 {
	rate := a.opts.SampleRateHz
	if rate == 0 {
		rate = 16000
	}
	channels := a.opts.Channels
	if channels < 1 {
		channels = 1
	}
	return float64(a.bytes) / float64(2*rate*channels)
}

// Done is closed after Terminate or Close.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Close ends the mock session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	if !a.terminated {
		close(a.done)
	}
	return nil
}
