package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"roomcast/logger"
	"roomcast/model"
)

// CredentialStore 持久化的服务凭证
type CredentialStore interface {
	GetCredentials(ctx context.Context, userID, service string) (*model.ServiceAuthentication, error)
	SaveCredentials(ctx context.Context, cred *model.ServiceAuthentication) error
}

// 工厂在每次解析时用调用方的凭证创建实例
type (
	PlaybackFactory func(creds *Credentials) (PlaybackController, error)
	MetadataFactory func(creds *Credentials) (MetadataSource, error)
	MediaFactory    func() (MediaSource, error)
)

// Registry 按房间上的适配器 ID 解析三类适配器
type Registry struct {
	creds CredentialStore

	mu       sync.RWMutex
	playback map[string]PlaybackFactory
	metadata map[string]MetadataFactory
	media    map[string]MediaFactory
}

// NewRegistry 创建注册表；creds 可以为 nil（只使用无需凭证的适配器）
func NewRegistry(creds CredentialStore) *Registry {
	return &Registry{
		creds:    creds,
		playback: make(map[string]PlaybackFactory),
		metadata: make(map[string]MetadataFactory),
		media:    make(map[string]MediaFactory),
	}
}

func (r *Registry) RegisterPlayback(id string, f PlaybackFactory) {
	r.mu.Lock()
	r.playback[id] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterMetadata(id string, f MetadataFactory) {
	r.mu.Lock()
	r.metadata[id] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterMedia(id string, f MediaFactory) {
	r.mu.Lock()
	r.media[id] = f
	r.mu.Unlock()
}

// IDs 已注册的适配器 ID，按类别
func (r *Registry) IDs() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"playback": sortedKeys(r.playback),
		"metadata": sortedKeys(r.metadata),
		"media":    sortedKeys(r.media),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Credentials 解析凭证：显式给出 userID 时用该用户，否则用房主
func (r *Registry) Credentials(ctx context.Context, room *model.Room, service, userID string) *Credentials {
	if room == nil || r.creds == nil {
		return nil
	}
	uid := userID
	if uid == "" {
		uid = room.CreatorID
	}
	auth, err := r.creds.GetCredentials(ctx, uid, service)
	if err != nil {
		logger.Warn("adapter: load credentials failed",
			logger.Room(room.ID), logger.User(uid), logger.String("service", service), logger.ErrorField(err))
		return nil
	}
	if auth == nil {
		return nil
	}
	return &Credentials{
		UserID:       auth.UserID,
		Service:      auth.Service,
		AccessToken:  auth.AccessToken,
		RefreshToken: auth.RefreshToken,
		ExpiresAt:    auth.ExpiresAt,
	}
}

// PlaybackFor 房间的播放控制器；未配置或创建失败时返回 nil
func (r *Registry) PlaybackFor(ctx context.Context, room *model.Room, userID string) PlaybackController {
	if room == nil || room.PlaybackControllerID == "" {
		return nil
	}
	r.mu.RLock()
	f, ok := r.playback[room.PlaybackControllerID]
	r.mu.RUnlock()
	if !ok {
		logger.Warn("adapter: unknown playback controller",
			logger.Room(room.ID), logger.String("adapter", room.PlaybackControllerID))
		return nil
	}
	creds := r.Credentials(ctx, room, room.PlaybackControllerID, userID)
	pc, err := safeBuild(func() (PlaybackController, error) { return f(creds) })
	if err != nil {
		logger.Warn("adapter: playback controller unavailable",
			logger.Room(room.ID), logger.String("adapter", room.PlaybackControllerID), logger.ErrorField(err))
		return nil
	}
	return pc
}

// MetadataFor 房间的元数据源；访客操作（如搜索）默认使用房主凭证
func (r *Registry) MetadataFor(ctx context.Context, room *model.Room, userID string) MetadataSource {
	if room == nil || room.MetadataSourceID == "" {
		return nil
	}
	r.mu.RLock()
	f, ok := r.metadata[room.MetadataSourceID]
	r.mu.RUnlock()
	if !ok {
		logger.Warn("adapter: unknown metadata source",
			logger.Room(room.ID), logger.String("adapter", room.MetadataSourceID))
		return nil
	}
	creds := r.Credentials(ctx, room, room.MetadataSourceID, userID)
	ms, err := safeBuild(func() (MetadataSource, error) { return f(creds) })
	if err != nil {
		logger.Warn("adapter: metadata source unavailable",
			logger.Room(room.ID), logger.String("adapter", room.MetadataSourceID), logger.ErrorField(err))
		return nil
	}
	return ms
}

// MediaFor 房间的媒体源
func (r *Registry) MediaFor(ctx context.Context, room *model.Room) MediaSource {
	if room == nil || room.MediaSourceID == "" {
		return nil
	}
	r.mu.RLock()
	f, ok := r.media[room.MediaSourceID]
	r.mu.RUnlock()
	if !ok {
		logger.Warn("adapter: unknown media source",
			logger.Room(room.ID), logger.String("adapter", room.MediaSourceID))
		return nil
	}
	ms, err := safeBuild(f)
	if err != nil {
		logger.Warn("adapter: media source unavailable",
			logger.Room(room.ID), logger.String("adapter", room.MediaSourceID), logger.ErrorField(err))
		return nil
	}
	return ms
}

// RefresherFor 服务的凭证刷新能力（从已注册的适配器里找）
func (r *Registry) RefresherFor(service string) CredentialRefresher {
	r.mu.RLock()
	pf, hasPlayback := r.playback[service]
	mf, hasMetadata := r.metadata[service]
	r.mu.RUnlock()

	if hasPlayback {
		if pc, err := safeBuild(func() (PlaybackController, error) { return pf(nil) }); err == nil {
			if cr, ok := pc.(CredentialRefresher); ok {
				return cr
			}
		}
	}
	if hasMetadata {
		if ms, err := safeBuild(func() (MetadataSource, error) { return mf(nil) }); err == nil {
			if cr, ok := ms.(CredentialRefresher); ok {
				return cr
			}
		}
	}
	return nil
}

// CredentialStore 凭证存储
func (r *Registry) CredentialStore() CredentialStore { return r.creds }

func safeBuild[T any](f func() (T, error)) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("adapter constructor panicked: %v", rec)
		}
	}()
	v, err = f()
	if err == nil && any(v) == nil {
		err = fmt.Errorf("adapter constructor returned nil")
	}
	return v, err
}
