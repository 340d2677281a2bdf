package service

import (
	"context"
	"encoding/json"
	"strings"

	"roomcast/core/auth"
	"roomcast/core/events"
	"roomcast/logger"
	"roomcast/model"
)

// AdminService 房主专属操作
type AdminService struct {
	deps  *Deps
	rooms *RoomService
}

// RoomSettings 设置读取结果；PluginConfigs 只对房主返回
type RoomSettings struct {
	Room          *model.PublicRoom          `json:"room"`
	PluginConfigs map[string]json.RawMessage `json:"pluginConfigs,omitempty"`
}

// GetSettings 读取房间设置，非房主永远拿不到密码
func (s *AdminService) GetSettings(ctx context.Context, actor Actor, roomID string) Result {
	room, res := s.deps.loadRoom(ctx, roomID)
	if res != nil {
		return *res
	}
	settings := RoomSettings{Room: View(room, actor.UserID)}
	if model.IsRoomAdmin(room, actor.UserID) {
		settings.PluginConfigs = make(map[string]json.RawMessage)
		for name, raw := range s.deps.Store.GetPluginConfigs(ctx, room.ID) {
			if json.Valid([]byte(raw)) {
				settings.PluginConfigs[name] = json.RawMessage(raw)
			}
		}
	}
	return ok(settings)
}

// UpdateSettings 更新房间设置并同步插件
func (s *AdminService) UpdateSettings(ctx context.Context, actor Actor, roomID string, patch model.RoomSettingsPatch) Result {
	room, res := s.deps.requireAdmin(ctx, actor, roomID)
	if res != nil {
		return *res
	}
	previous := *room
	patch.ApplyTo(room)
	room.Title = strings.TrimSpace(room.Title)
	if room.Title == "" {
		return badRequest("title is required")
	}
	if patch.Password != nil {
		if *patch.Password == "" {
			room.Password = ""
		} else {
			hash, err := auth.HashPassword(*patch.Password)
			if err != nil {
				logger.Error("admin: hash password failed", logger.Room(room.ID), logger.ErrorField(err))
				return internal("could not set password")
			}
			room.Password = hash
		}
	}

	store := s.deps.Store
	if err := store.SaveRoom(ctx, room); err != nil {
		logger.Error("admin: save settings failed", logger.Room(room.ID), logger.ErrorField(err))
		return internal("could not save settings")
	}
	if room.Persistent && !previous.Persistent {
		if err := s.rooms.Persist(ctx, room); err != nil {
			logger.Warn("admin: persist room failed", logger.Room(room.ID), logger.ErrorField(err))
		}
	}
	for name, cfg := range patch.PluginConfigs {
		if err := store.SetPluginConfig(ctx, room.ID, name, cfg); err != nil {
			logger.Warn("admin: save plugin config failed", logger.Room(room.ID), logger.Plugin(name), logger.ErrorField(err))
		}
	}
	if s.deps.Plugins != nil {
		s.deps.Plugins.SyncRoomPlugins(ctx, room.ID, room, &previous)
	}

	logger.Info("room settings updated", logger.Room(room.ID))
	s.deps.emit(ctx, room.ID, events.RoomSettingsUpdated, events.RoomPayload{Room: room.Sanitized()})
	return ok(View(room, actor.UserID))
}

// Kick 踢出用户
func (s *AdminService) Kick(ctx context.Context, actor Actor, roomID, userID string) Result {
	room, res := s.deps.requireAdmin(ctx, actor, roomID)
	if res != nil {
		return *res
	}
	if userID == "" || userID == actor.UserID {
		return badRequest("invalid user")
	}
	store := s.deps.Store
	kicked := store.GetUser(ctx, userID)
	if kicked == nil {
		return notFound("user not found")
	}
	if err := store.RemoveOnlineUser(ctx, room.ID, userID); err != nil {
		logger.Error("admin: kick failed", logger.Room(room.ID), logger.User(userID), logger.ErrorField(err))
		return internal("could not kick user")
	}
	if err := store.RemoveTypingUser(ctx, room.ID, userID); err != nil {
		logger.Warn("admin: clear typing failed", logger.Room(room.ID), logger.ErrorField(err))
	}
	if err := store.RemoveDeputyDj(ctx, room.ID, userID); err != nil {
		logger.Warn("admin: revoke deputy failed", logger.Room(room.ID), logger.ErrorField(err))
	}

	logger.Info("user kicked", logger.Room(room.ID), logger.User(userID))
	users := store.RoomUsers(ctx, room)
	s.deps.emit(ctx, room.ID, events.UserKicked, events.UsersPayload{User: kicked, Users: users})
	s.deps.emit(ctx, room.ID, events.UserLeft, events.UsersPayload{User: kicked, Users: users})
	return ok(nil)
}

// ClearPlaylist 清空播放记录
func (s *AdminService) ClearPlaylist(ctx context.Context, actor Actor, roomID string) Result {
	room, res := s.deps.requireAdmin(ctx, actor, roomID)
	if res != nil {
		return *res
	}
	if err := s.deps.Store.ClearPlaylist(ctx, room.ID); err != nil {
		logger.Error("admin: clear playlist failed", logger.Room(room.ID), logger.ErrorField(err))
		return internal("could not clear playlist")
	}
	s.deps.emit(ctx, room.ID, events.PlaylistCleared, events.PlaylistPayload{Playlist: []model.QueueItem{}})
	return ok(nil)
}

// ClearQueue 清空待播队列（不影响外部播放器里已有的曲目）
func (s *AdminService) ClearQueue(ctx context.Context, actor Actor, roomID string) Result {
	room, res := s.deps.requireAdmin(ctx, actor, roomID)
	if res != nil {
		return *res
	}
	if err := s.deps.Store.ClearQueue(ctx, room.ID); err != nil {
		logger.Error("admin: clear queue failed", logger.Room(room.ID), logger.ErrorField(err))
		return internal("could not clear queue")
	}
	s.deps.emit(ctx, room.ID, events.QueueChanged, events.QueuePayload{Queue: []model.QueueItem{}})
	return ok(nil)
}

// DeleteRoom 删除房间
func (s *AdminService) DeleteRoom(ctx context.Context, actor Actor, roomID string) Result {
	room, res := s.deps.requireAdmin(ctx, actor, roomID)
	if res != nil {
		return *res
	}
	if err := s.rooms.Delete(ctx, room); err != nil {
		logger.Error("admin: delete room failed", logger.Room(room.ID), logger.ErrorField(err))
		return internal("could not delete room")
	}
	return ok(nil)
}
