// Package bridge moves provider callbacks onto the relay loop goroutine.
//
// Adapters invoke stt.Callback from their own receive goroutines. The Bridge
// is the only thing those goroutines touch: each callback is decoded into a
// models.TranscriptEvent and appended to an unbounded queue. The relay loop
// waits on Ready and drains the queue in arrival order.
package bridge

import (
	"errors"
	"sync"
	"time"

	"speech-relay-service/internal/models"
	"speech-relay-service/internal/service/demux"
	"speech-relay-service/internal/service/stt"
)

// Bridge implements stt.Callback. Producers never block.
type Bridge struct {
	resolver demux.Resolver
	now      func() time.Time

	mu     sync.Mutex
	queue  []models.TranscriptEvent
	closed bool
	ready  chan struct{}
}

// New creates a bridge that tags events with roles from resolver.
func New(resolver demux.Resolver) *Bridge {
	if resolver == nil {
		resolver = demux.Fixed(models.RolePrimary)
	}
	return &Bridge{
		resolver: resolver,
		now:      time.Now,
		ready:    make(chan struct{}, 1),
	}
}

// OnBegin implements stt.Callback.
func (b *Bridge) OnBegin(info stt.SessionInfo) {
	b.push(models.TranscriptEvent{
		Kind: models.KindSessionBegin,
		Begin: models.SessionBegin{
			SessionID: info.SessionID,
			ExpiresAt: info.ExpiresAt,
		},
	})
}

// OnTranscript implements stt.Callback.
func (b *Bridge) OnTranscript(r stt.Result) {
	ev := models.TranscriptEvent{
		Kind:    models.KindPartial,
		Role:    b.resolver.Resolve(r.Channel),
		Channel: r.Channel,
		Text:    r.Text,
	}
	if r.IsFinal {
		ev.Kind = models.KindFinal
	}
	if r.HasTiming {
		ev.TimeRange = models.TimeRange{Start: r.Start, End: r.End}
	} else {
		ev.TimeRange = models.WallClockRange(b.now())
	}
	b.push(ev)
}

// OnTermination implements stt.Callback.
func (b *Bridge) OnTermination(u stt.Usage) {
	b.push(models.TranscriptEvent{
		Kind: models.KindTermination,
		Usage: models.Usage{
			AudioDurationSeconds:   u.AudioDurationSeconds,
			SessionDurationSeconds: u.SessionDurationSeconds,
		},
	})
}

// OnError implements stt.Callback.
func (b *Bridge) OnError(err error, fatal bool) {
	if err == nil {
		err = errors.New("unknown provider error")
	}
	b.push(models.TranscriptEvent{
		Kind:  models.KindError,
		Err:   err,
		Fatal: fatal,
	})
}

func (b *Bridge) push(ev models.TranscriptEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Ready receives a value after one or more events were queued.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Drain removes and returns every queued event in arrival order.
func (b *Bridge) Drain() []models.TranscriptEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}

// Len returns the number of queued events.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops accepting events and discards whatever is still queued.
// It returns the number of discarded events. Safe to call more than once.
func (b *Bridge) Close() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queue)
	b.queue = nil
	b.closed = true
	return n
}
