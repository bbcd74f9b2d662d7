package notification

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker records that a notification's email has been handed off, so a
// retried publish never mails twice.
type Marker interface {
	Claim(ctx context.Context, notificationID string) (bool, error)
	Release(ctx context.Context, notificationID string) error
}

const markerTTL = 24 * time.Hour

type RedisMarker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisMarker(client *redis.Client) *RedisMarker {
	return &RedisMarker{client: client, ttl: markerTTL}
}

func markerKey(id string) string { return "notif:mailed:" + id }

func (m *RedisMarker) Claim(ctx context.Context, notificationID string) (bool, error) {
	return m.client.SetNX(ctx, markerKey(notificationID), time.Now().UTC().Format(time.RFC3339), m.ttl).Result()
}

func (m *RedisMarker) Release(ctx context.Context, notificationID string) error {
	return m.client.Del(ctx, markerKey(notificationID)).Err()
}
