package assemblyai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"speech-relay-service/internal/service/stt"
)

type testCallback struct {
	mu           sync.Mutex
	begins       []stt.SessionInfo
	results      []stt.Result
	terminations []stt.Usage
	errors       []error
	fatal        []bool
}

func (c *testCallback) OnBegin(info stt.SessionInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.begins = append(c.begins, info)
}

func (c *testCallback) OnTranscript(r stt.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *testCallback) OnTermination(u stt.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminations = append(c.terminations, u)
}

func (c *testCallback) OnError(err error, fatal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
	c.fatal = append(c.fatal, fatal)
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name     string
		opts     stt.Options
		encoding string
		rate     string
	}{
		{"defaults", stt.Options{}, "pcm_s16le", "16000"},
		{"mulaw", stt.Options{Encoding: "MULAW", SampleRateHz: 8000}, "pcm_mulaw", "8000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := BuildURL(tt.opts)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			u, _ := url.Parse(raw)
			if u.Host != "streaming.assemblyai.com" {
				t.Errorf("unexpected host %q", u.Host)
			}
			q := u.Query()
			if q.Get("encoding") != tt.encoding {
				t.Errorf("expected encoding %s, got %s", tt.encoding, q.Get("encoding"))
			}
			if q.Get("sample_rate") != tt.rate {
				t.Errorf("expected sample_rate %s, got %s", tt.rate, q.Get("sample_rate"))
			}
			if q.Get("format_turns") != "true" {
				t.Error("expected format_turns=true")
			}
		})
	}
}

func TestHandle_Messages(t *testing.T) {
	cb := &testCallback{}
	a := New(stt.Options{})
	a.cb = cb

	a.handle([]byte(`{"type":"Begin","id":"sess-1","expires_at":1700000000}`))
	a.handle([]byte(`{"type":"Turn","transcript":"hello","turn_is_formatted":false}`))
	a.handle([]byte(`{"type":"Turn","transcript":"","turn_is_formatted":false}`))
	a.handle([]byte(`{"type":"Turn","transcript":"Hello world.","turn_is_formatted":true,"words":[{"start":100,"end":400,"text":"Hello"},{"start":500,"end":1200,"text":"world."}]}`))
	a.handle([]byte(`{"type":"Termination","audio_duration_seconds":3.5,"session_duration_seconds":4}`))

	if len(cb.begins) != 1 || cb.begins[0].SessionID != "sess-1" {
		t.Fatalf("unexpected begins: %+v", cb.begins)
	}
	if !cb.begins[0].ExpiresAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("unexpected expires_at: %v", cb.begins[0].ExpiresAt)
	}

	if len(cb.results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(cb.results))
	}
	if cb.results[0].IsFinal || cb.results[0].HasTiming {
		t.Errorf("expected untimed partial, got %+v", cb.results[0])
	}
	final := cb.results[1]
	if !final.IsFinal || final.Text != "Hello world." {
		t.Errorf("unexpected final: %+v", final)
	}
	if final.Start != 0.1 || final.End != 1.2 {
		t.Errorf("expected range 0.1-1.2, got %v-%v", final.Start, final.End)
	}

	if len(cb.terminations) != 1 || cb.terminations[0].AudioDurationSeconds != 3.5 {
		t.Errorf("unexpected terminations: %+v", cb.terminations)
	}
	if len(cb.errors) != 0 {
		t.Errorf("unexpected errors: %v", cb.errors)
	}
}

func TestHandle_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		protocol bool
	}{
		{"malformed", `{not json`, true},
		{"unknown type", `{"type":"Mystery"}`, true},
		{"no type", `{}`, true},
		{"provider error", `{"error":"rate limited"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := &testCallback{}
			a := New(stt.Options{})
			a.cb = cb

			a.handle([]byte(tt.payload))

			if len(cb.errors) != 1 {
				t.Fatalf("expected 1 error, got %d", len(cb.errors))
			}
			if cb.fatal[0] {
				t.Error("expected non-fatal error")
			}
			if got := errors.Is(cb.errors[0], stt.ErrProtocol); got != tt.protocol {
				t.Errorf("errors.Is(ErrProtocol) = %v, want %v", got, tt.protocol)
			}
		})
	}
}

func TestAdapter_StartSendTerminate(t *testing.T) {
	var upgrader websocket.Upgrader
	received := make(chan string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "key-123" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"Begin","id":"s1"}`))
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				received <- "audio:" + string(data)
				continue
			}
			received <- string(data)
			if strings.Contains(string(data), "Terminate") {
				c.WriteMessage(websocket.TextMessage, []byte(`{"type":"Termination","audio_duration_seconds":1}`))
				c.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	defer srv.Close()

	cb := &testCallback{}
	a := New(stt.Options{APIKey: "key-123", URL: "ws" + strings.TrimPrefix(srv.URL, "http")})

	if err := a.Start(context.Background(), cb); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Close()

	if err := a.SendAudio(context.Background(), []byte("pcm")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Terminate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{"audio:pcm", `{"type":"Terminate"}`} {
		select {
		case got := <-received:
			if got != want {
				t.Errorf("expected %q, got %q", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("adapter did not finish")
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.begins) != 1 || len(cb.terminations) != 1 {
		t.Errorf("expected begin and termination, got %d/%d", len(cb.begins), len(cb.terminations))
	}
	if len(cb.errors) != 0 {
		t.Errorf("expected no errors on graceful close, got %v", cb.errors)
	}
}

func TestAdapter_NotStarted(t *testing.T) {
	a := New(stt.Options{})

	if err := a.SendAudio(context.Background(), []byte("x")); err == nil {
		t.Error("expected error sending before start")
	}
	if err := a.Terminate(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Error("expected Done to be closed for an unstarted adapter")
	}
	if err := a.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
