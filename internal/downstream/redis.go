package downstream

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"speech-relay-service/internal/events"
	"speech-relay-service/internal/models"
)

// DefaultChannelPrefix is used when no prefix is configured.
const DefaultChannelPrefix = "relay:turns"

const defaultContextKey = "default"

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return goredis.NewClient(opts), nil
}

// RedisSink PUBLISHes each finalized turn on <prefix>:<contextKey>.
type RedisSink struct {
	client goredis.UniversalClient
	prefix string
}

func NewRedisSink(client goredis.UniversalClient, prefix string) *RedisSink {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (r *RedisSink) Name() string { return "redis" }

// Channel returns the pub/sub channel for contextKey.
func (r *RedisSink) Channel(contextKey string) string {
	if contextKey == "" {
		contextKey = defaultContextKey
	}
	return r.prefix + ":" + contextKey
}

func (r *RedisSink) Handle(ctx context.Context, turn models.FinalizedTurn, contextKey string) (models.DeliveryResult, error) {
	payload, err := json.Marshal(events.NewTurnEvent(turn, contextKey))
	if err != nil {
		return models.DeliveryResult{}, fmt.Errorf("marshal turn: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(contextKey), payload).Err(); err != nil {
		return models.DeliveryResult{}, fmt.Errorf("redis publish: %w", err)
	}
	return models.DeliveryResult{Transcript: turn.Text}, nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
