package events

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// RedisPublisher 基于 Redis PUBLISH 的跨进程发布
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, message []byte) error {
	return p.client.Publish(ctx, channel, message).Err()
}
