package cache

import (
	"context"
	"fmt"
	"time"

	"roomcast/logger"
	"roomcast/model"

	"github.com/go-redis/redis/v8"
)

// SaveUser 写入全局用户记录（per-field，最后写入者生效）
func (s *Store) SaveUser(ctx context.Context, user *model.User) error {
	if err := s.ready(); err != nil {
		return err
	}
	if user.UserID == "" {
		return fmt.Errorf("user id is empty")
	}
	fields := map[string]interface{}{
		"userId":       user.UserID,
		"username":     user.Username,
		"connectionId": user.ConnectionID,
		"isDj":         boolString(user.IsDj),
		"status":       string(user.Status),
	}
	return s.client.HSet(ctx, fmt.Sprintf(userKey, user.UserID), fields).Err()
}

// SetUserFields 更新用户的部分字段
func (s *Store) SetUserFields(ctx context.Context, userID string, fields map[string]interface{}) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.HSet(ctx, fmt.Sprintf(userKey, userID), hashFields(fields)).Err()
}

// GetUser 读取用户记录，不存在时返回 nil
func (s *Store) GetUser(ctx context.Context, userID string) *model.User {
	if err := s.ready(); err != nil {
		return nil
	}
	fields, err := s.client.HGetAll(ctx, fmt.Sprintf(userKey, userID)).Result()
	if err != nil {
		logger.Warn("store: get user failed", logger.User(userID), logger.ErrorField(err))
		return nil
	}
	if len(fields) == 0 {
		return nil
	}
	return &model.User{
		UserID:       userID,
		Username:     fields["username"],
		ConnectionID: fields["connectionId"],
		IsDj:         parseBool(fields["isDj"]),
		Status:       model.UserStatus(fields["status"]),
	}
}

// GetUsers 批量读取用户，缺失的跳过
func (s *Store) GetUsers(ctx context.Context, userIDs []string) []model.User {
	users := make([]model.User, 0, len(userIDs))
	if len(userIDs) == 0 {
		return users
	}
	if err := s.ready(); err != nil {
		return users
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, fmt.Sprintf(userKey, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("store: get users failed", logger.Int("count", len(userIDs)), logger.ErrorField(err))
		return users
	}
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		users = append(users, model.User{
			UserID:       userIDs[i],
			Username:     fields["username"],
			ConnectionID: fields["connectionId"],
			IsDj:         parseBool(fields["isDj"]),
			Status:       model.UserStatus(fields["status"]),
		})
	}
	return users
}

// RoomUsers 房间在线用户，附带按房间计算的角色标记
func (s *Store) RoomUsers(ctx context.Context, room *model.Room) []model.User {
	if room == nil {
		return []model.User{}
	}
	users := s.GetUsers(ctx, s.GetOnlineUserIDs(ctx, room.ID))
	return s.decorateUsers(ctx, room, users)
}

// RoomUserHistory 曾经加入过房间的用户
func (s *Store) RoomUserHistory(ctx context.Context, room *model.Room) []model.User {
	if room == nil {
		return []model.User{}
	}
	users := s.GetUsers(ctx, s.GetUserHistoryIDs(ctx, room.ID))
	return s.decorateUsers(ctx, room, users)
}

func (s *Store) decorateUsers(ctx context.Context, room *model.Room, users []model.User) []model.User {
	deputies := make(map[string]struct{})
	for _, id := range s.GetDeputyDjIDs(ctx, room.ID) {
		deputies[id] = struct{}{}
	}
	for i := range users {
		_, users[i].IsDeputyDj = deputies[users[i].UserID]
		users[i].IsAdmin = model.IsRoomAdmin(room, users[i].UserID)
	}
	return users
}

// ExpireUser 给用户记录设置宽限期
func (s *Store) ExpireUser(ctx context.Context, userID string, ttl time.Duration) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.Expire(ctx, fmt.Sprintf(userKey, userID), ttl).Err()
}

// PersistUser 用户重新上线时取消宽限期
func (s *Store) PersistUser(ctx context.Context, userID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.Persist(ctx, fmt.Sprintf(userKey, userID)).Err()
}
