package events

import (
	"time"

	"github.com/google/uuid"

	"speech-relay-service/internal/models"
)

// Event types carried in the envelope.
const (
	EventTypePartial       = "relay.transcript.partial"
	EventTypeTurnFinalized = "relay.turn.finalized"
)

// Envelope is the JSON value written to Kafka.
type Envelope struct {
	EventType      string           `json:"eventType"`
	EventID        string           `json:"eventId"`
	SessionID      string           `json:"sessionId"`
	ContextKey     string           `json:"contextKey,omitempty"`
	Role           models.Role      `json:"role"`
	TurnID         string           `json:"turnId,omitempty"`
	Text           string           `json:"text"`
	IsFinal        bool             `json:"isFinal"`
	TimestampRange models.TimeRange `json:"timestampRange"`
	Timestamp      int64            `json:"timestamp"` // unix ms
}

// NewPartialEvent wraps one partial transcript.
func NewPartialEvent(sessionID string, ev models.TranscriptEvent) Envelope {
	return Envelope{
		EventType:      EventTypePartial,
		EventID:        uuid.NewString(),
		SessionID:      sessionID,
		Role:           ev.Role,
		Text:           ev.Text,
		TimestampRange: ev.TimeRange,
		Timestamp:      time.Now().UnixMilli(),
	}
}

// NewTurnEvent wraps one finalized turn.
func NewTurnEvent(turn models.FinalizedTurn, contextKey string) Envelope {
	ts := turn.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return Envelope{
		EventType:      EventTypeTurnFinalized,
		EventID:        uuid.NewString(),
		SessionID:      turn.SessionID,
		ContextKey:     contextKey,
		Role:           turn.Role,
		TurnID:         turn.TurnID,
		Text:           turn.Text,
		IsFinal:        true,
		TimestampRange: turn.TimeRange,
		Timestamp:      ts,
	}
}
