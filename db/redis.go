package db

import (
	"context"
	"fmt"
	"time"

	"roomcast/config"

	"github.com/go-redis/redis/v8"
)

// ConnectRedis 创建 Redis 连接并做一次 PING
//
// 状态存储、跨进程发布订阅和网关的订阅端共用这一个客户端。
func ConnectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// 测试连接
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// CheckRedis 读写一个临时 key，确认连接可用
func CheckRedis(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	const probeKey = "roomcast:healthcheck"
	if err := client.Set(ctx, probeKey, "ok", time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to set Redis key: %w", err)
	}
	val, err := client.Get(ctx, probeKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get Redis key: %w", err)
	}
	if val != "ok" {
		return fmt.Errorf("unexpected value from Redis: got %s", val)
	}
	if err := client.Del(ctx, probeKey).Err(); err != nil {
		return fmt.Errorf("failed to delete Redis key: %w", err)
	}
	return nil
}
