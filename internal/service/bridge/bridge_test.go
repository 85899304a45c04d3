package bridge

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"speech-relay-service/internal/models"
	"speech-relay-service/internal/service/demux"
	"speech-relay-service/internal/service/stt"
)

func intPtr(i int) *int { return &i }

func TestBridge_DecodesEvents(t *testing.T) {
	b := New(demux.NewTable("primary", "secondary"))
	expires := time.Unix(1700000000, 0)

	b.OnBegin(stt.SessionInfo{SessionID: "s1", ExpiresAt: expires})
	b.OnTranscript(stt.Result{Text: "hel", Channel: intPtr(1)})
	b.OnTranscript(stt.Result{Text: "hello", IsFinal: true, Start: 0.5, End: 1.5, HasTiming: true})
	b.OnTermination(stt.Usage{AudioDurationSeconds: 3, SessionDurationSeconds: 4})
	b.OnError(errors.New("boom"), true)

	events := b.Drain()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}

	wantKinds := []models.EventKind{
		models.KindSessionBegin, models.KindPartial, models.KindFinal,
		models.KindTermination, models.KindError,
	}
	for i, k := range wantKinds {
		if events[i].Kind != k {
			t.Errorf("event %d: expected %v, got %v", i, k, events[i].Kind)
		}
	}

	if events[0].Begin.SessionID != "s1" || !events[0].Begin.ExpiresAt.Equal(expires) {
		t.Errorf("unexpected begin payload: %+v", events[0].Begin)
	}
	if events[1].Role != models.RoleSecondary {
		t.Errorf("expected channel 1 to resolve to secondary, got %v", events[1].Role)
	}
	if events[2].Role != models.RolePrimary {
		t.Errorf("expected missing channel to default to primary, got %v", events[2].Role)
	}
	if events[2].TimeRange != (models.TimeRange{Start: 0.5, End: 1.5}) {
		t.Errorf("expected provider time range, got %+v", events[2].TimeRange)
	}
	if events[3].Usage.AudioDurationSeconds != 3 {
		t.Errorf("unexpected usage: %+v", events[3].Usage)
	}
	if !events[4].Fatal || events[4].Err == nil {
		t.Errorf("expected fatal error event, got %+v", events[4])
	}
}

func TestBridge_WallClockFallback(t *testing.T) {
	b := New(nil)
	b.now = func() time.Time { return time.Unix(100, 0) }

	b.OnTranscript(stt.Result{Text: "untimed"})

	ev := b.Drain()[0]
	if ev.TimeRange.Start != 100 || ev.TimeRange.End != 100 {
		t.Errorf("expected wall clock range at 100, got %+v", ev.TimeRange)
	}
	if ev.Role != models.RolePrimary {
		t.Errorf("expected default primary role, got %v", ev.Role)
	}
}

func TestBridge_ReadySignal(t *testing.T) {
	b := New(nil)

	select {
	case <-b.Ready():
		t.Fatal("ready before any event")
	default:
	}

	// Several pushes coalesce into one wakeup
	b.OnTranscript(stt.Result{Text: "a"})
	b.OnTranscript(stt.Result{Text: "b"})

	select {
	case <-b.Ready():
	case <-time.After(time.Second):
		t.Fatal("expected ready signal")
	}
	if n := len(b.Drain()); n != 2 {
		t.Errorf("expected 2 events, got %d", n)
	}
	if b.Len() != 0 {
		t.Errorf("expected empty queue after drain, got %d", b.Len())
	}
}

func TestBridge_ProducersNeverBlock(t *testing.T) {
	b := New(nil)
	done := make(chan struct{})

	go func() {
		for i := 0; i < 10000; i++ {
			b.OnTranscript(stt.Result{Text: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked without a consumer")
	}
	if b.Len() != 10000 {
		t.Errorf("expected 10000 queued events, got %d", b.Len())
	}
}

func TestBridge_PreservesOrderPerProducer(t *testing.T) {
	b := New(demux.NewTable("primary", "secondary"))
	const perProducer = 500

	var wg sync.WaitGroup
	for ch := 0; ch < 2; ch++ {
		wg.Add(1)
		go func(ch int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.OnTranscript(stt.Result{Text: fmt.Sprint(i), Channel: intPtr(ch), IsFinal: true})
			}
		}(ch)
	}
	wg.Wait()

	next := map[models.Role]int{}
	for _, ev := range b.Drain() {
		want := fmt.Sprint(next[ev.Role])
		if ev.Text != want {
			t.Fatalf("role %s: expected %s, got %s", ev.Role, want, ev.Text)
		}
		next[ev.Role]++
	}
	if next[models.RolePrimary] != perProducer || next[models.RoleSecondary] != perProducer {
		t.Errorf("unexpected counts: %v", next)
	}
}

func TestBridge_CloseDiscards(t *testing.T) {
	b := New(nil)
	b.OnTranscript(stt.Result{Text: "a", IsFinal: true})
	b.OnTranscript(stt.Result{Text: "b", IsFinal: true})

	if n := b.Close(); n != 2 {
		t.Errorf("expected 2 discarded events, got %d", n)
	}

	// Late callbacks after close are dropped
	b.OnTranscript(stt.Result{Text: "late"})
	if b.Len() != 0 {
		t.Errorf("expected no events after close, got %d", b.Len())
	}

	if n := b.Close(); n != 0 {
		t.Errorf("expected second close to discard nothing, got %d", n)
	}
}

func TestBridge_NilError(t *testing.T) {
	b := New(nil)
	b.OnError(nil, false)

	ev := b.Drain()[0]
	if ev.Err == nil {
		t.Error("expected placeholder error")
	}
}
