package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"roomcast/logger"
	"roomcast/model"

	"github.com/go-redis/redis/v8"
)

// ========== 房间记录 ==========

func roomToFields(room *model.Room) map[string]interface{} {
	mediaCfg := ""
	if len(room.MediaSourceConfig) > 0 {
		data, _ := json.Marshal(room.MediaSourceConfig)
		mediaCfg = string(data)
	}
	return map[string]interface{}{
		"id":                      room.ID,
		"title":                   room.Title,
		"type":                    string(room.Type),
		"creator":                 room.CreatorID,
		"password":                room.Password,
		"fetchMeta":               boolString(room.FetchMeta),
		"announceNowPlaying":      boolString(room.AnnounceNowPlaying),
		"announceUsernameChanges": boolString(room.AnnounceUsernameChanges),
		"deputizeOnJoin":          boolString(room.DeputizeOnJoin),
		"showQueueCount":          boolString(room.ShowQueueCount),
		"showQueueTracks":         boolString(room.ShowQueueTracks),
		"persistent":              boolString(room.Persistent),
		"extraInfo":               room.ExtraInfo,
		"artwork":                 room.ArtworkURL,
		"playbackControllerId":    room.PlaybackControllerID,
		"metadataSourceId":        room.MetadataSourceID,
		"mediaSourceId":           room.MediaSourceID,
		"mediaSourceConfig":       mediaCfg,
		"lastMetadataError":       room.LastMetadataError,
		"lastMediaError":          room.LastMediaError,
		"createdAt":               room.CreatedAt,
	}
}

func roomFromFields(fields map[string]string) *model.Room {
	room := &model.Room{
		ID:                      fields["id"],
		Title:                   fields["title"],
		Type:                    model.RoomType(fields["type"]),
		CreatorID:               fields["creator"],
		Password:                fields["password"],
		FetchMeta:               parseBool(fields["fetchMeta"]),
		AnnounceNowPlaying:      parseBool(fields["announceNowPlaying"]),
		AnnounceUsernameChanges: parseBool(fields["announceUsernameChanges"]),
		DeputizeOnJoin:          parseBool(fields["deputizeOnJoin"]),
		ShowQueueCount:          parseBool(fields["showQueueCount"]),
		ShowQueueTracks:         parseBool(fields["showQueueTracks"]),
		Persistent:              parseBool(fields["persistent"]),
		ExtraInfo:               fields["extraInfo"],
		ArtworkURL:              fields["artwork"],
		PlaybackControllerID:    fields["playbackControllerId"],
		MetadataSourceID:        fields["metadataSourceId"],
		MediaSourceID:           fields["mediaSourceId"],
		LastMetadataError:       fields["lastMetadataError"],
		LastMediaError:          fields["lastMediaError"],
		CreatedAt:               parseInt64(fields["createdAt"]),
	}
	if v := fields["mediaSourceConfig"]; v != "" {
		_ = json.Unmarshal([]byte(v), &room.MediaSourceConfig)
	}
	return room
}

// SaveRoom 写入房间记录并登记到房间表和房主的房间列表
func (s *Store) SaveRoom(ctx context.Context, room *model.Room) error {
	if err := s.ready(); err != nil {
		return err
	}
	if room.ID == "" {
		return fmt.Errorf("room id is empty")
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, fmt.Sprintf(roomDetailsKey, room.ID), roomToFields(room))
	pipe.SAdd(ctx, roomRegistryKey, room.ID)
	if room.CreatorID != "" {
		pipe.SAdd(ctx, fmt.Sprintf(userRoomsKey, room.CreatorID), room.ID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetRoom 读取房间完整记录，不存在或出错时返回 nil
func (s *Store) GetRoom(ctx context.Context, roomID string) *model.Room {
	if err := s.ready(); err != nil {
		return nil
	}
	fields, err := s.client.HGetAll(ctx, fmt.Sprintf(roomDetailsKey, roomID)).Result()
	if err != nil {
		logger.Warn("store: get room failed", logger.Room(roomID), logger.ErrorField(err))
		return nil
	}
	if len(fields) == 0 || fields["id"] == "" {
		return nil
	}
	return roomFromFields(fields)
}

// SetRoomFields 单字段写入（错误信息、开关等），字段存在与否不做校验
func (s *Store) SetRoomFields(ctx context.Context, roomID string, fields map[string]interface{}) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.HSet(ctx, fmt.Sprintf(roomDetailsKey, roomID), hashFields(fields)).Err()
}

// ListRoomIDs 房间表中的全部 ID
func (s *Store) ListRoomIDs(ctx context.Context) []string {
	return s.membersOrEmpty(ctx, roomRegistryKey)
}

// RoomKeys 房间前缀下的所有 key
func (s *Store) RoomKeys(ctx context.Context, roomID string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.scanKeys(ctx, fmt.Sprintf(roomKeyPattern, roomID))
}

// DeleteRoom 删除房间全部 key，并从房间表和房主列表中移除
func (s *Store) DeleteRoom(ctx context.Context, roomID, creatorID string) error {
	keys, err := s.RoomKeys(ctx, roomID)
	if err != nil {
		return fmt.Errorf("scan room keys: %w", err)
	}

	pipe := s.client.Pipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.SRem(ctx, roomRegistryKey, roomID)
	if creatorID != "" {
		pipe.SRem(ctx, fmt.Sprintf(userRoomsKey, creatorID), roomID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// RoomTTL 探测房间是否已设置过期：hasTTL=false 表示持久（或不存在）
func (s *Store) RoomTTL(ctx context.Context, roomID string) (time.Duration, bool, error) {
	if err := s.ready(); err != nil {
		return 0, false, err
	}
	ttl, err := s.client.TTL(ctx, fmt.Sprintf(roomDetailsKey, roomID)).Result()
	if err != nil {
		return 0, false, err
	}
	// go-redis 用 -1 表示无过期，-2 表示 key 不存在
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

// ExpireRoom 给房间每个 key 设置过期时间
func (s *Store) ExpireRoom(ctx context.Context, roomID string, ttl time.Duration) error {
	keys, err := s.RoomKeys(ctx, roomID)
	if err != nil {
		return fmt.Errorf("scan room keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Expire(ctx, key, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// PersistRoom 清除房间所有 key 的过期时间
func (s *Store) PersistRoom(ctx context.Context, roomID string) error {
	keys, err := s.RoomKeys(ctx, roomID)
	if err != nil {
		return fmt.Errorf("scan room keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Persist(ctx, key)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ========== 房主的房间列表 ==========

func (s *Store) AddUserRoom(ctx context.Context, userID, roomID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.SAdd(ctx, fmt.Sprintf(userRoomsKey, userID), roomID).Err()
}

func (s *Store) RemoveUserRoom(ctx context.Context, userID, roomID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.SRem(ctx, fmt.Sprintf(userRoomsKey, userID), roomID).Err()
}

// GetUserRooms 用户创建的、仍然活跃的房间
func (s *Store) GetUserRooms(ctx context.Context, userID string) []string {
	return s.membersOrEmpty(ctx, fmt.Sprintf(userRoomsKey, userID))
}

// ========== 在线 / 输入中 / 副 DJ / 历史 ==========

func (s *Store) addMember(ctx context.Context, key, member string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.SAdd(ctx, key, member).Err()
}

func (s *Store) removeMember(ctx context.Context, key, member string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.SRem(ctx, key, member).Err()
}

func (s *Store) isMember(ctx context.Context, key, member string) bool {
	if err := s.ready(); err != nil {
		return false
	}
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		logger.Warn("store: sismember failed", logger.String("key", key), logger.ErrorField(err))
		return false
	}
	return ok
}

func (s *Store) AddOnlineUser(ctx context.Context, roomID, userID string) error {
	return s.addMember(ctx, fmt.Sprintf(roomOnlineKey, roomID), userID)
}

func (s *Store) RemoveOnlineUser(ctx context.Context, roomID, userID string) error {
	return s.removeMember(ctx, fmt.Sprintf(roomOnlineKey, roomID), userID)
}

func (s *Store) IsUserOnline(ctx context.Context, roomID, userID string) bool {
	return s.isMember(ctx, fmt.Sprintf(roomOnlineKey, roomID), userID)
}

func (s *Store) GetOnlineUserIDs(ctx context.Context, roomID string) []string {
	return s.membersOrEmpty(ctx, fmt.Sprintf(roomOnlineKey, roomID))
}

// OnlineCount 在线人数，出错时返回 0
func (s *Store) OnlineCount(ctx context.Context, roomID string) int64 {
	if err := s.ready(); err != nil {
		return 0
	}
	n, err := s.client.SCard(ctx, fmt.Sprintf(roomOnlineKey, roomID)).Result()
	if err != nil {
		logger.Warn("store: online count failed", logger.Room(roomID), logger.ErrorField(err))
		return 0
	}
	return n
}

func (s *Store) AddTypingUser(ctx context.Context, roomID, userID string) error {
	return s.addMember(ctx, fmt.Sprintf(roomTypingKey, roomID), userID)
}

func (s *Store) RemoveTypingUser(ctx context.Context, roomID, userID string) error {
	return s.removeMember(ctx, fmt.Sprintf(roomTypingKey, roomID), userID)
}

func (s *Store) GetTypingUserIDs(ctx context.Context, roomID string) []string {
	return s.membersOrEmpty(ctx, fmt.Sprintf(roomTypingKey, roomID))
}

func (s *Store) AddDeputyDj(ctx context.Context, roomID, userID string) error {
	return s.addMember(ctx, fmt.Sprintf(roomDeputyKey, roomID), userID)
}

func (s *Store) RemoveDeputyDj(ctx context.Context, roomID, userID string) error {
	return s.removeMember(ctx, fmt.Sprintf(roomDeputyKey, roomID), userID)
}

func (s *Store) IsDeputyDj(ctx context.Context, roomID, userID string) bool {
	return s.isMember(ctx, fmt.Sprintf(roomDeputyKey, roomID), userID)
}

func (s *Store) GetDeputyDjIDs(ctx context.Context, roomID string) []string {
	return s.membersOrEmpty(ctx, fmt.Sprintf(roomDeputyKey, roomID))
}

func (s *Store) AddUserHistory(ctx context.Context, roomID, userID string) error {
	return s.addMember(ctx, fmt.Sprintf(roomHistoryKey, roomID), userID)
}

func (s *Store) GetUserHistoryIDs(ctx context.Context, roomID string) []string {
	return s.membersOrEmpty(ctx, fmt.Sprintf(roomHistoryKey, roomID))
}

// ========== 后台任务记账 ==========

// GetJobState 读取任务记账，缺失字段为零值
func (s *Store) GetJobState(ctx context.Context, roomID string) model.JobState {
	if err := s.ready(); err != nil {
		return model.JobState{}
	}
	fields, err := s.client.HGetAll(ctx, fmt.Sprintf(roomJobsKey, roomID)).Result()
	if err != nil {
		logger.Warn("store: get job state failed", logger.Room(roomID), logger.ErrorField(err))
		return model.JobState{}
	}
	return model.JobState{
		LastRefreshedAt: parseInt64(fields["lastRefreshedAt"]),
		LastQueueSyncAt: parseInt64(fields["lastQueueSyncAt"]),
		EmptySince:      parseInt64(fields["emptySince"]),
		PollingPaused:   parseBool(fields["pollingPaused"]),
	}
}

// SetJobFields 写入任务记账字段，布尔值自动转字符串
func (s *Store) SetJobFields(ctx context.Context, roomID string, fields map[string]interface{}) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.HSet(ctx, fmt.Sprintf(roomJobsKey, roomID), hashFields(fields)).Err()
}

// ========== 插件配置 ==========

// GetPluginConfig 读取插件在房间中的配置（JSON），未配置时返回空字符串
func (s *Store) GetPluginConfig(ctx context.Context, roomID, plugin string) string {
	if err := s.ready(); err != nil {
		return ""
	}
	v, err := s.client.HGet(ctx, fmt.Sprintf(roomPluginCfgKey, roomID), plugin).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("store: get plugin config failed", logger.Room(roomID),
				logger.String("plugin", plugin), logger.ErrorField(err))
		}
		return ""
	}
	return v
}

// SetPluginConfig 写入插件配置
func (s *Store) SetPluginConfig(ctx context.Context, roomID, plugin string, cfg any) error {
	if err := s.ready(); err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal plugin config: %w", err)
	}
	return s.client.HSet(ctx, fmt.Sprintf(roomPluginCfgKey, roomID), plugin, string(data)).Err()
}

// GetPluginConfigs 房间全部插件配置（插件名 -> JSON）
func (s *Store) GetPluginConfigs(ctx context.Context, roomID string) map[string]string {
	if err := s.ready(); err != nil {
		return map[string]string{}
	}
	cfgs, err := s.client.HGetAll(ctx, fmt.Sprintf(roomPluginCfgKey, roomID)).Result()
	if err != nil {
		logger.Warn("store: get plugin configs failed", logger.Room(roomID), logger.ErrorField(err))
		return map[string]string{}
	}
	return cfgs
}

// UnregisterRoom 房间记录已过期时从房间表中移除
func (s *Store) UnregisterRoom(ctx context.Context, roomID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.SRem(ctx, roomRegistryKey, roomID).Err()
}
