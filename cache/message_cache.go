package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"roomcast/model"

	"github.com/go-redis/redis/v8"
)

// AddMessage 追加聊天消息，Timestamp 同时作为分数
func (s *Store) AddMessage(ctx context.Context, roomID string, msg model.ChatMessage) error {
	if err := s.ready(); err != nil {
		return err
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = nowMillis()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.client.ZAdd(ctx, fmt.Sprintf(roomMessagesKey, roomID), &redis.Z{
		Score:  float64(msg.Timestamp),
		Member: string(data),
	}).Err()
}

// GetMessages 全部消息（按时间升序）
func (s *Store) GetMessages(ctx context.Context, roomID string) []model.ChatMessage {
	return zrangeSince[model.ChatMessage](ctx, s, fmt.Sprintf(roomMessagesKey, roomID), "-inf")
}

// GetMessagesSince 时间戳之后（不含）的消息
func (s *Store) GetMessagesSince(ctx context.Context, roomID string, since int64) []model.ChatMessage {
	return zrangeSince[model.ChatMessage](ctx, s, fmt.Sprintf(roomMessagesKey, roomID), exclusive(since))
}

// MessageCount 消息条数
func (s *Store) MessageCount(ctx context.Context, roomID string) int64 {
	if err := s.ready(); err != nil {
		return 0
	}
	n, err := s.client.ZCard(ctx, fmt.Sprintf(roomMessagesKey, roomID)).Result()
	if err != nil {
		return 0
	}
	return n
}

// ClearMessages 整体删除聊天记录，消息本身从不单条修改
func (s *Store) ClearMessages(ctx context.Context, roomID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.Del(ctx, fmt.Sprintf(roomMessagesKey, roomID)).Err()
}
