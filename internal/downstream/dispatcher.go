// Package downstream delivers finalized turns to the collaborators that act
// on them: the retrieval service, Kafka and Redis subscribers.
package downstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speech-relay-service/internal/models"
	"speech-relay-service/internal/observability/logging"
	"speech-relay-service/internal/observability/metrics"
)

// Dispatcher hands one finalized turn downstream. contextKey selects the
// index or topic the turn belongs to.
type Dispatcher interface {
	Handle(ctx context.Context, turn models.FinalizedTurn, contextKey string) (models.DeliveryResult, error)
	Name() string
}

// LogOnly is used when no downstream is configured. It echoes the transcript.
type LogOnly struct {
	log zerolog.Logger
}

func NewLogOnly() *LogOnly {
	return &LogOnly{log: logging.WithComponent("downstream")}
}

func (l *LogOnly) Name() string { return "log" }

func (l *LogOnly) Handle(_ context.Context, turn models.FinalizedTurn, contextKey string) (models.DeliveryResult, error) {
	l.log.Info().
		Str("turnId", turn.TurnID).
		Str("role", string(turn.Role)).
		Str("contextKey", contextKey).
		Str("text", turn.Text).
		Msg("Finalized turn")
	return models.DeliveryResult{Transcript: turn.Text}, nil
}

// Fanout returns the primary dispatcher's result. Secondary sinks run
// concurrently with it; their failures are logged and never returned.
type Fanout struct {
	primary     Dispatcher
	secondaries []Dispatcher
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

// NewFanout builds a fanout. A nil primary falls back to LogOnly.
func NewFanout(m *metrics.Metrics, primary Dispatcher, secondaries ...Dispatcher) *Fanout {
	if primary == nil {
		primary = NewLogOnly()
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Fanout{
		primary:     primary,
		secondaries: secondaries,
		metrics:     m,
		log:         logging.WithComponent("downstream"),
	}
}

func (f *Fanout) Name() string { return "fanout" }

// Sinks lists the names of every configured sink, primary first.
func (f *Fanout) Sinks() []string {
	names := []string{f.primary.Name()}
	for _, s := range f.secondaries {
		names = append(names, s.Name())
	}
	return names
}

func (f *Fanout) Handle(ctx context.Context, turn models.FinalizedTurn, contextKey string) (models.DeliveryResult, error) {
	var wg sync.WaitGroup
	for _, s := range f.secondaries {
		wg.Add(1)
		go func(s Dispatcher) {
			defer wg.Done()
			if _, err := f.call(ctx, s, turn, contextKey); err != nil {
				f.log.Warn().
					Err(err).
					Str("sink", s.Name()).
					Str("turnId", turn.TurnID).
					Msg("Secondary sink failed")
			}
		}(s)
	}

	res, err := f.call(ctx, f.primary, turn, contextKey)
	wg.Wait()
	return res, err
}

func (f *Fanout) call(ctx context.Context, d Dispatcher, turn models.FinalizedTurn, contextKey string) (models.DeliveryResult, error) {
	start := time.Now()
	res, err := d.Handle(ctx, turn, contextKey)
	f.metrics.RecordDispatch(d.Name(), err, time.Since(start).Seconds())
	return res, err
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	var errs []error
	for _, d := range append([]Dispatcher{f.primary}, f.secondaries...) {
		if c, ok := d.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
