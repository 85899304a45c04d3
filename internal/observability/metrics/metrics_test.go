package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionLifecycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSessionStart("dual")
	m.RecordSessionStart("single")
	if got := testutil.ToFloat64(m.SessionsActive); got != 2 {
		t.Errorf("expected 2 active sessions, got %v", got)
	}

	m.RecordSessionEnd(true, 1.5)
	m.RecordSessionEnd(false, 0.2)
	if got := testutil.ToFloat64(m.SessionsActive); got != 0 {
		t.Errorf("expected 0 active sessions, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsSuccess); got != 1 {
		t.Errorf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsFailed); got != 1 {
		t.Errorf("expected 1 failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("dual")); got != 1 {
		t.Errorf("expected 1 dual session, got %v", got)
	}
}

func TestRecordersWithErrors(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	boom := errors.New("boom")

	m.RecordProviderConnect("deepgram", nil)
	m.RecordProviderConnect("deepgram", boom)
	m.RecordDispatch("retrieval", boom, 0.1)
	m.RecordKafkaPublish("relay.turn.finalized", "final", nil, 0.01)
	m.RecordClientUpgrade("single", nil)
	m.RecordClientUpgrade("single", boom)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"connects", m.ProviderConnects.WithLabelValues("deepgram"), 2},
		{"connect errors", m.ProviderConnectErrors.WithLabelValues("deepgram"), 1},
		{"dispatches", m.DispatchTotal.WithLabelValues("retrieval"), 1},
		{"dispatch errors", m.DispatchErrors.WithLabelValues("retrieval"), 1},
		{"kafka publishes", m.KafkaPublishTotal.WithLabelValues("relay.turn.finalized", "final"), 1},
		{"kafka errors", m.KafkaPublishErrors.WithLabelValues("relay.turn.finalized", "final"), 0},
		{"upgrades ok", m.ClientUpgrades.WithLabelValues("single", "ok"), 1},
		{"upgrades failed", m.ClientUpgrades.WithLabelValues("single", "error"), 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAudioAndTurnCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAudioForwarded(3200)
	m.RecordAudioForwarded(800)
	m.RecordAudioDropped("CONNECTING")
	m.RecordTimerReset("primary")
	m.RecordTurnFinalized("primary")
	m.RecordTurnDropped("termination")
	m.RecordEvent("FINAL")
	m.RecordControlFrame("end")

	if got := testutil.ToFloat64(m.AudioBytesForwarded); got != 4000 {
		t.Errorf("expected 4000 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.AudioFramesForwarded); got != 2 {
		t.Errorf("expected 2 frames, got %v", got)
	}
	if got := testutil.CollectAndCount(m.TurnsDropped); got != 1 {
		t.Errorf("expected 1 dropped-turn series, got %d", got)
	}
	if got := testutil.ToFloat64(m.TranscriptEvents.WithLabelValues("FINAL")); got != 1 {
		t.Errorf("expected 1 FINAL event, got %v", got)
	}
}
