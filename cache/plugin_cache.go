package cache

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"roomcast/logger"

	"github.com/go-redis/redis/v8"
)

// ScoredMember 有序集合成员
type ScoredMember struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// PluginStorage (房间, 插件) 范围内的键值/计数/有序集合存储
//
// 每次写入都把 key 记到索引集合里，Cleanup 按索引删除，保证插件清理时不遗留数据。
type PluginStorage struct {
	store  *Store
	roomID string
	plugin string
}

// PluginStorage 创建插件存储句柄
func (s *Store) PluginStorage(roomID, plugin string) *PluginStorage {
	return &PluginStorage{store: s, roomID: roomID, plugin: plugin}
}

// 插件名转义后不含 ':'，避免 ("lua", "x:y") 与 ("lua:x", "y") 落到同一个 key
func (p *PluginStorage) key(k string) string {
	return fmt.Sprintf(pluginDataKey, p.roomID, url.QueryEscape(p.plugin), k)
}

func (p *PluginStorage) indexKey() string {
	return fmt.Sprintf(pluginIndexKey, p.roomID, url.QueryEscape(p.plugin))
}

// Get 读取字符串值，不存在时 ok=false
func (p *PluginStorage) Get(ctx context.Context, k string) (string, bool) {
	if p.store.ready() != nil {
		return "", false
	}
	v, err := p.store.client.Get(ctx, p.key(k)).Result()
	if err != nil {
		if err != redis.Nil {
			p.warn("get", k, err)
		}
		return "", false
	}
	return v, true
}

// Set 写入字符串值，ttl<=0 表示不过期
func (p *PluginStorage) Set(ctx context.Context, k, v string, ttl time.Duration) error {
	if err := p.store.ready(); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	pipe := p.store.client.TxPipeline()
	pipe.Set(ctx, p.key(k), v, ttl)
	pipe.SAdd(ctx, p.indexKey(), k)
	_, err := pipe.Exec(ctx)
	return err
}

// Incr 计数器加 delta，返回新值
func (p *PluginStorage) Incr(ctx context.Context, k string, delta int64) (int64, error) {
	if err := p.store.ready(); err != nil {
		return 0, err
	}
	pipe := p.store.client.TxPipeline()
	incr := pipe.IncrBy(ctx, p.key(k), delta)
	pipe.SAdd(ctx, p.indexKey(), k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Del 删除 key
func (p *PluginStorage) Del(ctx context.Context, k string) error {
	if err := p.store.ready(); err != nil {
		return err
	}
	pipe := p.store.client.TxPipeline()
	pipe.Del(ctx, p.key(k))
	pipe.SRem(ctx, p.indexKey(), k)
	_, err := pipe.Exec(ctx)
	return err
}

// ZIncrBy 有序集合成员加分
func (p *PluginStorage) ZIncrBy(ctx context.Context, k, member string, delta float64) (float64, error) {
	if err := p.store.ready(); err != nil {
		return 0, err
	}
	pipe := p.store.client.TxPipeline()
	score := pipe.ZIncrBy(ctx, p.key(k), delta, member)
	pipe.SAdd(ctx, p.indexKey(), k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return score.Val(), nil
}

// ZTop 分数最高的 n 个成员
func (p *PluginStorage) ZTop(ctx context.Context, k string, n int64) []ScoredMember {
	out := []ScoredMember{}
	if p.store.ready() != nil || n <= 0 {
		return out
	}
	zs, err := p.store.client.ZRevRangeWithScores(ctx, p.key(k), 0, n-1).Result()
	if err != nil {
		p.warn("ztop", k, err)
		return out
	}
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out
}

// SAdd 集合写入，返回新加入的成员数。
// 返回 1 说明调用方是第一个写入者，可以用来原子地“占用”一个对象。
func (p *PluginStorage) SAdd(ctx context.Context, k string, members ...string) (int64, error) {
	if err := p.store.ready(); err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	pipe := p.store.client.TxPipeline()
	added := pipe.SAdd(ctx, p.key(k), vals...)
	pipe.SAdd(ctx, p.indexKey(), k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return added.Val(), nil
}

// SRem 从集合移除成员
func (p *PluginStorage) SRem(ctx context.Context, k string, members ...string) error {
	if err := p.store.ready(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return p.store.client.SRem(ctx, p.key(k), vals...).Err()
}

// SIsMember 集合成员判断
func (p *PluginStorage) SIsMember(ctx context.Context, k, member string) bool {
	if p.store.ready() != nil {
		return false
	}
	ok, err := p.store.client.SIsMember(ctx, p.key(k), member).Result()
	if err != nil {
		p.warn("sismember", k, err)
		return false
	}
	return ok
}

// Keys 插件写过且尚未删除的 key（不含前缀）
func (p *PluginStorage) Keys(ctx context.Context) []string {
	return p.store.membersOrEmpty(ctx, p.indexKey())
}

// Cleanup 删除插件在该房间写过的全部数据
func (p *PluginStorage) Cleanup(ctx context.Context) error {
	if err := p.store.ready(); err != nil {
		return err
	}
	keys, err := p.store.client.SMembers(ctx, p.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("read plugin key index: %w", err)
	}
	full := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		full = append(full, p.key(k))
	}
	full = append(full, p.indexKey())
	return p.store.client.Del(ctx, full...).Err()
}

func (p *PluginStorage) warn(op, k string, err error) {
	logger.Warn("plugin storage: "+op+" failed",
		logger.Room(p.roomID), logger.String("plugin", p.plugin),
		logger.String("key", k), logger.ErrorField(err))
}
