package jobs

import (
	"context"
	"fmt"

	"roomcast/cache"
	"roomcast/core/adapter"
	"roomcast/core/events"
	"roomcast/core/service"
	"roomcast/logger"
	"roomcast/model"
)

// RefreshJobName 凭证刷新任务名
const RefreshJobName = "credential-refresh"

// RefreshJob 刷新房主在房间所用服务上的凭证
type RefreshJob struct {
	store    *cache.Store
	adapters *adapter.Registry
	playback *service.PlaybackService
	emitter  service.Emitter
	opts     Options
}

// NewRefreshJob 创建凭证刷新任务
func NewRefreshJob(store *cache.Store, adapters *adapter.Registry, playback *service.PlaybackService, emitter service.Emitter, opts Options) *RefreshJob {
	return &RefreshJob{store: store, adapters: adapters, playback: playback, emitter: emitter, opts: opts.withDefaults()}
}

func (j *RefreshJob) Name() string { return RefreshJobName }

func (j *RefreshJob) Run(ctx context.Context, roomID string) error {
	room := j.store.GetRoom(ctx, roomID)
	if room == nil {
		return nil
	}
	creds := j.adapters.CredentialStore()
	if creds == nil {
		return nil
	}

	state := j.store.GetJobState(ctx, roomID)
	stale := j.opts.nowMillis()-state.LastRefreshedAt > j.opts.TokenRefreshMaxAge.Milliseconds()

	refreshed := false
	for _, svc := range roomServices(room) {
		auth, err := creds.GetCredentials(ctx, room.CreatorID, svc)
		if err != nil {
			return fmt.Errorf("load %s credentials: %w", svc, err)
		}
		if auth == nil || auth.RefreshToken == "" {
			continue
		}
		if !stale && !auth.NeedsRefresh() {
			continue
		}
		refresher := j.adapters.RefresherFor(svc)
		if refresher == nil {
			continue
		}
		if err := j.refresh(ctx, room, refresher, auth); err != nil {
			return err
		}
		refreshed = true
	}

	if refreshed || stale {
		return j.store.SetJobFields(ctx, roomID, map[string]interface{}{"lastRefreshedAt": j.opts.nowMillis()})
	}
	return nil
}

func (j *RefreshJob) refresh(ctx context.Context, room *model.Room, refresher adapter.CredentialRefresher, auth *model.ServiceAuthentication) error {
	next, err := refresher.RefreshCredentials(ctx, &adapter.Credentials{
		UserID:       auth.UserID,
		Service:      auth.Service,
		AccessToken:  auth.AccessToken,
		RefreshToken: auth.RefreshToken,
		ExpiresAt:    auth.ExpiresAt,
	})
	if err != nil {
		j.playback.RecordAdapterError(ctx, room, familyOf(room, auth.Service), err)
		return fmt.Errorf("refresh %s credentials: %w", auth.Service, err)
	}

	auth.AccessToken = next.AccessToken
	if next.RefreshToken != "" {
		auth.RefreshToken = next.RefreshToken
	}
	auth.ExpiresAt = next.ExpiresAt
	if err := j.adapters.CredentialStore().SaveCredentials(ctx, auth); err != nil {
		return fmt.Errorf("save %s credentials: %w", auth.Service, err)
	}

	if room.LastMetadataError != "" && auth.Service == room.MetadataSourceID {
		j.playback.ClearAdapterError(ctx, room, service.FamilyMetadata)
	}
	logger.Info("credentials refreshed", logger.Job(RefreshJobName), logger.Room(room.ID),
		logger.User(auth.UserID), logger.String("service", auth.Service))
	if j.emitter != nil {
		j.emitter.Emit(ctx, room.ID, events.TokenRefreshed, events.TokenRefreshedPayload{
			UserID:    auth.UserID,
			Service:   auth.Service,
			ExpiresAt: auth.ExpiresAt.UnixMilli(),
		})
	}
	return nil
}

// roomServices 房间绑定的、可能持有凭证的服务（去重）
func roomServices(room *model.Room) []string {
	var out []string
	for _, id := range []string{room.PlaybackControllerID, room.MetadataSourceID} {
		if id != "" && (len(out) == 0 || out[0] != id) {
			out = append(out, id)
		}
	}
	return out
}

func familyOf(room *model.Room, svc string) string {
	if svc == room.MetadataSourceID {
		return service.FamilyMetadata
	}
	return service.FamilyPlayback
}
