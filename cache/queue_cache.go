package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"roomcast/logger"
	"roomcast/model"

	"github.com/go-redis/redis/v8"
)

// ========== 待播队列 ==========

// EnqueueTrack 以曲目 ID 为键写入队列，已存在时返回 false 且不覆盖
func (s *Store) EnqueueTrack(ctx context.Context, roomID string, item model.QueueItem) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if item.Track.ID == "" {
		return false, fmt.Errorf("track id is empty")
	}
	if item.AddedAt == 0 {
		item.AddedAt = nowMillis()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("marshal queue item: %w", err)
	}
	return s.client.HSetNX(ctx, fmt.Sprintf(roomQueueKey, roomID), item.Track.ID, string(data)).Result()
}

// IsQueued 曲目是否已在队列中
func (s *Store) IsQueued(ctx context.Context, roomID, trackID string) bool {
	if err := s.ready(); err != nil {
		return false
	}
	ok, err := s.client.HExists(ctx, fmt.Sprintf(roomQueueKey, roomID), trackID).Result()
	if err != nil {
		logger.Warn("store: hexists queue failed", logger.Room(roomID), logger.ErrorField(err))
		return false
	}
	return ok
}

// RemoveFromQueue 按曲目 ID 删除，返回实际删除的条数
func (s *Store) RemoveFromQueue(ctx context.Context, roomID string, trackIDs ...string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if len(trackIDs) == 0 {
		return 0, nil
	}
	return s.client.HDel(ctx, fmt.Sprintf(roomQueueKey, roomID), trackIDs...).Result()
}

// GetQueue 队列按加入时间排序
func (s *Store) GetQueue(ctx context.Context, roomID string) []model.QueueItem {
	if err := s.ready(); err != nil {
		return []model.QueueItem{}
	}
	raw, err := s.client.HVals(ctx, fmt.Sprintf(roomQueueKey, roomID)).Result()
	if err != nil {
		logger.Warn("store: get queue failed", logger.Room(roomID), logger.ErrorField(err))
		return []model.QueueItem{}
	}
	items := decodeList[model.QueueItem](raw)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].AddedAt == items[j].AddedAt {
			return items[i].Track.ID < items[j].Track.ID
		}
		return items[i].AddedAt < items[j].AddedAt
	})
	return items
}

// QueueTrackIDs 队列中全部曲目 ID，读取失败时返回 error 以便调用方区分“空”与“不可用”
func (s *Store) QueueTrackIDs(ctx context.Context, roomID string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.client.HKeys(ctx, fmt.Sprintf(roomQueueKey, roomID)).Result()
}

// QueueLength 队列长度
func (s *Store) QueueLength(ctx context.Context, roomID string) int64 {
	if err := s.ready(); err != nil {
		return 0
	}
	n, err := s.client.HLen(ctx, fmt.Sprintf(roomQueueKey, roomID)).Result()
	if err != nil {
		return 0
	}
	return n
}

func (s *Store) ClearQueue(ctx context.Context, roomID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.Del(ctx, fmt.Sprintf(roomQueueKey, roomID)).Err()
}

// ========== 播放记录 ==========

// AddToPlaylist 追加播放记录，PlayedAt 为排序键
func (s *Store) AddToPlaylist(ctx context.Context, roomID string, item model.QueueItem) error {
	if err := s.ready(); err != nil {
		return err
	}
	if item.PlayedAt == 0 {
		item.PlayedAt = nowMillis()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal playlist item: %w", err)
	}
	return s.client.ZAdd(ctx, fmt.Sprintf(roomPlaylistKey, roomID), &redis.Z{
		Score:  float64(item.PlayedAt),
		Member: string(data),
	}).Err()
}

// GetPlaylist 全部播放记录（按时间升序）
func (s *Store) GetPlaylist(ctx context.Context, roomID string) []model.QueueItem {
	return zrangeSince[model.QueueItem](ctx, s, fmt.Sprintf(roomPlaylistKey, roomID), "-inf")
}

// GetPlaylistSince 时间戳之后（不含）的播放记录，用于断线后增量同步
func (s *Store) GetPlaylistSince(ctx context.Context, roomID string, since int64) []model.QueueItem {
	return zrangeSince[model.QueueItem](ctx, s, fmt.Sprintf(roomPlaylistKey, roomID), exclusive(since))
}

// LastPlayed 最近一条播放记录
func (s *Store) LastPlayed(ctx context.Context, roomID string) *model.QueueItem {
	if err := s.ready(); err != nil {
		return nil
	}
	raw, err := s.client.ZRevRange(ctx, fmt.Sprintf(roomPlaylistKey, roomID), 0, 0).Result()
	if err != nil || len(raw) == 0 {
		return nil
	}
	items := decodeList[model.QueueItem](raw)
	if len(items) == 0 {
		return nil
	}
	return &items[0]
}

func (s *Store) ClearPlaylist(ctx context.Context, roomID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.Del(ctx, fmt.Sprintf(roomPlaylistKey, roomID)).Err()
}

// exclusive ZRANGEBYSCORE 的开区间下界
func exclusive(since int64) string {
	if since <= 0 {
		return "-inf"
	}
	return "(" + strconv.FormatInt(since, 10)
}

// zrangeSince 按分数从 min 到 +inf 读取有序集合并解码
func zrangeSince[T any](ctx context.Context, s *Store, key, min string) []T {
	if err := s.ready(); err != nil {
		return []T{}
	}
	raw, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		logger.Warn("store: zrangebyscore failed", logger.String("key", key), logger.ErrorField(err))
		return []T{}
	}
	return decodeList[T](raw)
}
