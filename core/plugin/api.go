package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"roomcast/cache"
	"roomcast/model"
)

// Host 插件需要借用的服务层能力，由应用装配时绑定
type Host interface {
	SkipTrack(ctx context.Context, roomID, trackID string) (bool, error)
	SendSystemMessage(ctx context.Context, roomID, content string, meta *model.MessageMeta) error
}

// hostRef 运行时与各 API 共享的 Host 引用，允许在插件激活后再绑定
type hostRef struct {
	mu   sync.RWMutex
	host Host
}

func (h *hostRef) get() Host {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.host
}

func (h *hostRef) set(host Host) {
	h.mu.Lock()
	h.host = host
	h.mu.Unlock()
}

// API 插件能看到的受限接口，所有操作都限定在所属房间
type API struct {
	roomID string
	plugin string
	store  *cache.Store
	host   *hostRef
}

// RoomID 所属房间
func (a *API) RoomID() string { return a.roomID }

// NowPlaying 当前播放
func (a *API) NowPlaying(ctx context.Context) *model.NowPlaying {
	return a.store.GetNowPlaying(ctx, a.roomID)
}

// Reactions 按条件读取回应
func (a *API) Reactions(ctx context.Context, filter model.ReactionFilter) []model.Reaction {
	return a.store.FilterReactions(ctx, a.roomID, filter)
}

// Users 在线用户，status 为空时返回全部
func (a *API) Users(ctx context.Context, status model.UserStatus) []model.User {
	room := a.store.GetRoom(ctx, a.roomID)
	users := a.store.RoomUsers(ctx, room)
	if status == "" {
		return users
	}
	out := make([]model.User, 0, len(users))
	for _, u := range users {
		if u.Status == status {
			out = append(out, u)
		}
	}
	return out
}

// SkipTrack 请求跳过 trackID；该曲目已不是当前播放时拒绝（返回 false, nil）
func (a *API) SkipTrack(ctx context.Context, trackID string) (bool, error) {
	if trackID == "" || a.store.CurrentTrackID(ctx, a.roomID) != trackID {
		return false, nil
	}
	host := a.host.get()
	if host == nil {
		return false, fmt.Errorf("plugin host not bound")
	}
	return host.SkipTrack(ctx, a.roomID, trackID)
}

// SendSystemMessage 以系统身份发送聊天消息
func (a *API) SendSystemMessage(ctx context.Context, content string, meta *model.MessageMeta) error {
	host := a.host.get()
	if host == nil {
		return fmt.Errorf("plugin host not bound")
	}
	return host.SendSystemMessage(ctx, a.roomID, content, meta)
}

// Config 把插件在该房间的配置解码到 v，未配置时返回 false
func (a *API) Config(ctx context.Context, v any) (bool, error) {
	raw := a.store.GetPluginConfig(ctx, a.roomID, a.plugin)
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode config for %s: %w", a.plugin, err)
	}
	return true, nil
}

// SetConfig 写入插件配置
func (a *API) SetConfig(ctx context.Context, cfg any) error {
	return a.store.SetPluginConfig(ctx, a.roomID, a.plugin, cfg)
}
