package models

// Outbound message types sent to the client.
const (
	MessageReady      = "ready"
	MessagePartial    = "partial"
	MessageFinal      = "final"
	MessageComplete   = "complete"
	MessageTerminated = "terminated"
	MessageError      = "error"
)

// Ready is sent once the relay has opened the provider session.
type Ready struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
	Role      Role   `json:"role,omitempty"`
}

// TranscriptNotification carries partials and finalized turns to the client.
type TranscriptNotification struct {
	Type           string    `json:"type"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	IsFinal        bool      `json:"isFinal"`
	TurnID         string    `json:"turnId,omitempty"`
	TimestampRange TimeRange `json:"timestampRange"`
}

// Complete carries the downstream result for a finalized turn.
type Complete struct {
	Type           string `json:"type"`
	Role           Role   `json:"role"`
	TurnID         string `json:"turnId"`
	Transcript     string `json:"transcript"`
	Context        any    `json:"context,omitempty"`
	LLMResponse    any    `json:"llm_response,omitempty"`
	SerperResponse any    `json:"serper_response,omitempty"`
}

// Terminated tells the client the provider closed its session.
type Terminated struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audioDurationSeconds"`
	SessionDurationSeconds float64 `json:"sessionDurationSeconds"`
}

// ErrorNotification is the best-effort message sent before a fatal close.
type ErrorNotification struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Mode  string `json:"mode,omitempty"`
	Role  Role   `json:"role,omitempty"`
}

// ControlMessage is an inbound UTF-8 JSON control frame.
type ControlMessage struct {
	Event      string `json:"event,omitempty"`
	IndexName  string `json:"index_name,omitempty"`
	ContextKey string `json:"context_key,omitempty"`
}

// Key returns the downstream context key carried by the message, if any.
func (c ControlMessage) Key() string {
	if c.IndexName != "" {
		return c.IndexName
	}
	return c.ContextKey
}

// IsEnd reports whether the client asked to end the stream.
func (c ControlMessage) IsEnd() bool {
	return c.Event == "end"
}
