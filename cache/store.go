package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"roomcast/logger"

	"github.com/go-redis/redis/v8"
)

const (
	roomRegistryKey   = "rooms"                     // Set: 所有房间 ID
	roomDetailsKey    = "room:%s:details"           // Hash: 房间字段
	roomOnlineKey     = "room:%s:online_users"      // Set: 在线用户
	roomTypingKey     = "room:%s:typing"            // Set: 正在输入的用户
	roomDeputyKey     = "room:%s:deputy_djs"        // Set: 副 DJ
	roomHistoryKey    = "room:%s:user_history"      // Set: 曾经加入过的用户
	roomQueueKey      = "room:%s:queue"             // Hash: trackID -> QueueItem JSON
	roomPlaylistKey   = "room:%s:playlist"          // Sorted Set: 已播放记录，score=playedAt
	roomMessagesKey   = "room:%s:messages"          // Sorted Set: 聊天记录，score=timestamp
	roomCurrentKey    = "room:%s:current"           // Hash: 当前播放投影
	roomJobsKey       = "room:%s:jobs"              // Hash: 后台任务记账
	roomPluginCfgKey  = "room:%s:plugin_configs"    // Hash: pluginName -> config JSON
	roomKeyPattern    = "room:%s:*"                 // 房间全部 key
	userKey           = "user:%s"                   // Hash: 用户记录
	userRoomsKey      = "user:%s:rooms"             // Set: 用户创建的房间
	reactionBodyKey   = "room:%s:reaction:%s"       // Hash: 回应内容
	reactionTypeKey   = "room:%s:reactions:%s"      // Set: 按类型索引
	reactionTargetKey = "room:%s:reactions:%s:%s"   // Set: 按对象索引
	pluginIndexKey    = "room:%s:plugins:%s"        // Set: 插件写过的 key
	pluginDataKey     = "room:%s:plugins:%s:%s"     // 插件数据
	scanBatch         = 200
)

// Store 共享状态存储：基于 Redis 的分实体读写
//
// 读操作失败时记录日志并返回安全默认值（nil / 空切片），写操作返回 error。
type Store struct {
	client *redis.Client
}

// NewStore 创建状态存储
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client 底层 Redis 客户端（发布订阅使用同一个连接池）
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) ready() error {
	if s == nil || s.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return nil
}

// RoomKey 房间 key 前缀下的具体 key，供任务/测试探测使用
func RoomKey(roomID, part string) string {
	return fmt.Sprintf("room:%s:%s", roomID, part)
}

// boolString 布尔值以 "true"/"false" 字符串落库
func boolString(b bool) string {
	return strconv.FormatBool(b)
}

// parseBool 读取时显式还原布尔值
func parseBool(v string) bool {
	return v == "true" || v == "1"
}

func parseInt64(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// scanKeys 用 SCAN 遍历匹配的 key，避免 KEYS 阻塞
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// hashFields 复制一份待写字段，布尔值转成 "true"/"false"；不修改调用方的 map
func hashFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if b, ok := v.(bool); ok {
			out[k] = boolString(b)
			continue
		}
		out[k] = v
	}
	return out
}

// membersOrEmpty SMEMBERS 的安全包装
func (s *Store) membersOrEmpty(ctx context.Context, key string) []string {
	if err := s.ready(); err != nil {
		return []string{}
	}
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		logger.Warn("store: smembers failed", logger.String("key", key), logger.ErrorField(err))
		return []string{}
	}
	return members
}

// decodeList 解析一组 JSON 成员，损坏的条目跳过
func decodeList[T any](raw []string) []T {
	items := make([]T, 0, len(raw))
	for _, data := range raw {
		var item T
		if err := json.Unmarshal([]byte(data), &item); err == nil {
			items = append(items, item)
		}
	}
	return items
}
