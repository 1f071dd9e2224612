package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes progress events to a per-user Redis channel so
// external consumers (the API layer, dashboards) can subscribe. Publish
// failures are logged and swallowed: notification must never propagate
// errors back into indexing.
type RedisPublisher struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewRedisPublisher wraps an existing Redis connection.
func NewRedisPublisher(rdb *redis.Client, log *slog.Logger) *RedisPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &RedisPublisher{rdb: rdb, log: log}
}

func progressChannel(userID string) string {
	return "indexer:progress:" + userID
}

// Publish sends the event as JSON, bounded by a short timeout.
func (p *RedisPublisher) Publish(ev ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("encode progress event failed", "user", ev.UserID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.rdb.Publish(ctx, progressChannel(ev.UserID), data).Err(); err != nil {
		p.log.Warn("publish progress event failed", "user", ev.UserID, "error", err)
	}
}
