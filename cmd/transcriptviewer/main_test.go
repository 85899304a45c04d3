package main

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"speech-relay-service/internal/events"
	"speech-relay-service/internal/models"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		env  events.Envelope
		want string
	}{
		{
			"turn",
			events.Envelope{EventType: events.EventTypeTurnFinalized, Role: models.RoleSecondary, TurnID: "s-turn-1", ContextKey: "kb", Text: "hello"},
			"[secondary] TURN s-turn-1 key=kb: hello",
		},
		{
			"partial truncated",
			events.Envelope{EventType: events.EventTypePartial, Role: models.RolePrimary, Text: strings.Repeat("a", 70)},
			"[primary] ... " + strings.Repeat("a", 60) + "...",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describe(tt.env); got != tt.want {
				t.Errorf("describe() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := newHub()
	srv := httptest.NewServer(wsHandler(hub))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("viewer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.broadcast(events.Envelope{EventType: events.EventTypePartial, Text: "hi"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Envelope
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Text != "hi" || got.EventType != events.EventTypePartial {
		t.Errorf("unexpected event: %+v", got)
	}
}
