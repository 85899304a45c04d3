package downstream

import (
	"context"

	"speech-relay-service/internal/events"
	"speech-relay-service/internal/models"
)

// FinalPublisher is satisfied by *events.Publisher.
type FinalPublisher interface {
	PublishFinal(ctx context.Context, key string, event any) error
}

// KafkaSink publishes finalized turns on the final-turn topic, keyed by
// session so one conversation stays on one partition.
type KafkaSink struct {
	publisher FinalPublisher
}

func NewKafkaSink(p FinalPublisher) *KafkaSink {
	return &KafkaSink{publisher: p}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Handle(ctx context.Context, turn models.FinalizedTurn, contextKey string) (models.DeliveryResult, error) {
	if err := k.publisher.PublishFinal(ctx, turn.SessionID, events.NewTurnEvent(turn, contextKey)); err != nil {
		return models.DeliveryResult{}, err
	}
	return models.DeliveryResult{Transcript: turn.Text}, nil
}
