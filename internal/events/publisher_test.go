package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"

	"speech-relay-service/internal/models"
	"speech-relay-service/internal/observability/metrics"
)

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writerPartial != nil {
				t.Error("expected nil partial writer when disabled")
			}
			if p.writerFinal != nil {
				t.Error("expected nil final writer when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	cfg := &Config{
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		TopicPartial: "test.partial",
		TopicFinal:   "test.final",
		Principal:    "test-principal",
	}

	p := New(cfg)

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicPartial != "test.partial" {
		t.Errorf("expected topic partial 'test.partial', got %s", p.topicPartial)
	}
	if p.topicFinal != "test.final" {
		t.Errorf("expected topic final 'test.final', got %s", p.topicFinal)
	}
}

func TestPublisher_PublishPartial_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})

	event := map[string]string{"text": "test partial"}
	err := p.PublishPartial(context.Background(), "test-key", event)

	if err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_PublishFinal_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})

	event := map[string]string{"text": "test final"}
	err := p.PublishFinal(context.Background(), "test-key", event)

	if err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_PublishPartial_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false})

	// Create an unmarshalable value (channel)
	event := make(chan int)
	err := p.PublishPartial(context.Background(), "test-key", event)

	if err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublisher_PublishFinal_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false})

	// Create an unmarshalable value (channel)
	event := make(chan int)
	err := p.PublishFinal(context.Background(), "test-key", event)

	if err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublisher_Close_NoWriters(t *testing.T) {
	p := New(&Config{Enabled: false})

	err := p.Close()
	if err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}

func TestPublisher_Close_NilPublisher(t *testing.T) {
	p := &Publisher{
		writerPartial: nil,
		writerFinal:   nil,
	}

	err := p.Close()
	if err != nil {
		t.Errorf("expected no error closing publisher with nil writers, got %v", err)
	}
}


func TestPublisher_PublishPartial_ValidEvent(t *testing.T) {
	p := New(&Config{
		Enabled:      false,
		TopicPartial: "test.partial",
		Principal:    "test-svc",
	})

	event := NewPartialEvent("sess-123", models.TranscriptEvent{
		Kind: models.KindPartial,
		Role: models.RolePrimary,
		Text: "hello world",
	})

	err := p.PublishPartial(context.Background(), "sess-123", event)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestPublisher_PublishFinal_ValidEvent(t *testing.T) {
	p := New(&Config{
		Enabled:    false,
		TopicFinal: "test.final",
		Principal:  "test-svc",
	})

	event := NewTurnEvent(models.FinalizedTurn{
		TurnID:    "sess-123-turn-1",
		SessionID: "sess-123",
		Role:      models.RolePrimary,
		Text:      "hello world",
	}, "docs")

	err := p.PublishFinal(context.Background(), "sess-123", event)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func enabledPublisher(partial, final *fakeWriter) (*Publisher, *metrics.Metrics) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return &Publisher{
		writerPartial: partial,
		writerFinal:   final,
		principal:     "svc-test",
		topicPartial:  "t.partial",
		topicFinal:    "t.final",
		enabled:       true,
		metrics:       m,
	}, m
}

func TestPublisher_PublishFinal_WritesMessage(t *testing.T) {
	partial, final := &fakeWriter{}, &fakeWriter{}
	p, m := enabledPublisher(partial, final)

	turn := models.FinalizedTurn{TurnID: "s-turn-1", SessionID: "s", Role: models.RoleSecondary, Text: "done"}
	if err := p.PublishFinal(context.Background(), "s", NewTurnEvent(turn, "idx")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(partial.msgs) != 0 {
		t.Errorf("expected nothing on partial topic, got %d", len(partial.msgs))
	}
	if len(final.msgs) != 1 {
		t.Fatalf("expected 1 message on final topic, got %d", len(final.msgs))
	}

	msg := final.msgs[0]
	if string(msg.Key) != "s" {
		t.Errorf("expected key 's', got %q", msg.Key)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["principal"] != "svc-test" || headers["eventType"] != "t.final" {
		t.Errorf("unexpected headers: %v", headers)
	}

	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if env.EventType != EventTypeTurnFinalized || env.ContextKey != "idx" || env.Text != "done" || !env.IsFinal {
		t.Errorf("unexpected envelope: %+v", env)
	}

	if got := testutil.ToFloat64(m.KafkaPublishTotal.WithLabelValues("t.final", "final")); got != 1 {
		t.Errorf("expected 1 publish recorded, got %v", got)
	}
}

func TestPublisher_PublishPartial_WriteError(t *testing.T) {
	partial := &fakeWriter{err: errors.New("broker down")}
	p, m := enabledPublisher(partial, &fakeWriter{})

	err := p.PublishPartial(context.Background(), "s", map[string]string{"text": "x"})
	if err == nil {
		t.Fatal("expected write error")
	}
	if got := testutil.ToFloat64(m.KafkaPublishErrors.WithLabelValues("t.partial", "partial")); got != 1 {
		t.Errorf("expected 1 publish error recorded, got %v", got)
	}
}

func TestPublisher_Close_ClosesWriters(t *testing.T) {
	partial, final := &fakeWriter{}, &fakeWriter{}
	p, _ := enabledPublisher(partial, final)

	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !partial.closed || !final.closed {
		t.Error("expected both writers closed")
	}
	if !p.Enabled() {
		t.Error("expected enabled publisher")
	}
}

func TestNewTurnEvent_DefaultsTimestamp(t *testing.T) {
	env := NewTurnEvent(models.FinalizedTurn{Text: "x"}, "")
	if env.Timestamp == 0 {
		t.Error("expected timestamp to be filled")
	}
	if env.EventID == "" {
		t.Error("expected event id")
	}

	env = NewTurnEvent(models.FinalizedTurn{Text: "x", Timestamp: 42}, "")
	if env.Timestamp != 42 {
		t.Errorf("expected turn timestamp to be kept, got %d", env.Timestamp)
	}
}
