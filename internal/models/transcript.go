// Package models defines the data structures exchanged between the provider
// adapters, the relay loop, the client and the downstream sinks.
package models

import (
	"fmt"
	"time"
)

// Role is a logical speaker identity.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// EventKind tags the payload carried by a TranscriptEvent.
type EventKind int

const (
	KindSessionBegin EventKind = iota
	KindPartial
	KindFinal
	KindTermination
	KindError
)

// String returns the string representation of the kind.
func (k EventKind) String() string {
	switch k {
	case KindSessionBegin:
		return "SESSION_BEGIN"
	case KindPartial:
		return "PARTIAL"
	case KindFinal:
		return "FINAL"
	case KindTermination:
		return "TERMINATION"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", k)
	}
}

// TimeRange is a start/end pair in seconds.
// Provider-relative when the provider supplies it, unix wall-clock otherwise.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// WallClockRange returns a zero-length range at the given instant.
func WallClockRange(t time.Time) TimeRange {
	s := float64(t.UnixNano()) / float64(time.Second)
	return TimeRange{Start: s, End: s}
}

// SessionBegin is the payload of a KindSessionBegin event.
type SessionBegin struct {
	SessionID string
	ExpiresAt time.Time
}

// Usage is the payload of a KindTermination event.
type Usage struct {
	AudioDurationSeconds   float64
	SessionDurationSeconds float64
}

// TranscriptEvent is one provider-emitted unit, decoded once at the bridge
// boundary. Exactly one of the payload fields is meaningful per Kind.
type TranscriptEvent struct {
	Kind      EventKind
	Role      Role
	Channel   *int
	Text      string
	TimeRange TimeRange

	Begin SessionBegin
	Usage Usage
	Err   error
	Fatal bool
}

// FinalizedTurn is handed downstream once per silence window per role.
type FinalizedTurn struct {
	TurnID    string    `json:"turnId"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	TimeRange TimeRange `json:"timestampRange"`
	Timestamp int64     `json:"timestamp"`
}

// DeliveryResult is what the downstream retrieval collaborator returns.
type DeliveryResult struct {
	Transcript     string `json:"transcript"`
	Context        any    `json:"context,omitempty"`
	LLMResponse    any    `json:"llm_response,omitempty"`
	SerperResponse any    `json:"serper_response,omitempty"`
}
