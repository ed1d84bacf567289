package orchestrate

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisNotifier publishes saga lifecycle events to a Redis stream so other
// services can react to saga progress. Publishing is fire and forget: a
// publish failure is logged and the execution continues.
type RedisNotifier struct {
	client *redis.Client
	stream string
	log    zerolog.Logger
}

// NewRedisNotifier constructs a notifier publishing to the named stream.
func NewRedisNotifier(client *redis.Client, stream string, log zerolog.Logger) *RedisNotifier {
	if stream == "" {
		stream = "saga:events"
	}
	return &RedisNotifier{client: client, stream: stream, log: log}
}

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, note Notification) {
	data, err := json.Marshal(note)
	if err != nil {
		n.log.Error().Err(err).Str("event", note.Event).Msg("marshal saga event")
		return
	}
	err = n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		n.log.Error().
			Err(err).
			Str("stream", n.stream).
			Str("event", note.Event).
			Msg("publish saga event")
	}
}
