package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher fans events out over a Redis pub/sub channel. Subscribers
// that miss a message miss it; the outbox row still records delivery.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects a Redis client and verifies the connection.
func NewRedisPublisher(ctx context.Context, addr, password string, dbIndex int, channel string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbIndex,
	})
	if errPing := client.Ping(ctx).Err(); errPing != nil {
		_ = client.Close()
		return nil, fmt.Errorf("events: redis ping: %w", errPing)
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

// Publish sends one event to the configured channel.
func (p *RedisPublisher) Publish(ctx context.Context, eventType, key string, payload []byte) error {
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
