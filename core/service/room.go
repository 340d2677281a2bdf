package service

import (
	"context"
	"fmt"
	"strings"

	"roomcast/core/auth"
	"roomcast/core/events"
	"roomcast/logger"
	"roomcast/model"

	"github.com/google/uuid"
)

// RoomService 房间创建、读取、删除和增量同步
type RoomService struct {
	deps *Deps
}

// CreateRoomInput 创建房间请求
type CreateRoomInput struct {
	Title    string                   `json:"title"`
	Type     model.RoomType           `json:"type"`
	Password string                   `json:"password,omitempty"`
	Settings *model.RoomSettingsPatch `json:"settings,omitempty"`
}

// View 按读者身份投影房间：房主拿到完整记录，其他人拿到脱敏记录
func View(room *model.Room, userID string) *model.PublicRoom {
	if room == nil {
		return nil
	}
	if model.IsRoomAdmin(room, userID) {
		return &model.PublicRoom{Room: *room, PasswordProtected: room.HasPassword()}
	}
	return room.Sanitized()
}

// Create 创建房间
func (s *RoomService) Create(ctx context.Context, actor Actor, in CreateRoomInput) Result {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return badRequest("title is required")
	}
	if in.Type == "" {
		in.Type = model.RoomTypeJukebox
	}
	if in.Type != model.RoomTypeJukebox && in.Type != model.RoomTypeRadio {
		return badRequest(fmt.Sprintf("unknown room type %q", in.Type))
	}

	room := &model.Room{
		ID:                 uuid.NewString(),
		Title:              title,
		Type:               in.Type,
		CreatorID:          actor.UserID,
		FetchMeta:          true,
		AnnounceNowPlaying: true,
		ShowQueueCount:     true,
		CreatedAt:          nowMillis(),
	}
	if in.Settings != nil {
		in.Settings.ApplyTo(room)
		room.Title = title
	}
	if in.Password != "" {
		hash, err := auth.HashPassword(in.Password)
		if err != nil {
			logger.Error("room: hash password failed", logger.ErrorField(err))
			return internal("could not set password")
		}
		room.Password = hash
	}

	if err := s.deps.Store.SaveRoom(ctx, room); err != nil {
		logger.Error("room: create failed", logger.Room(room.ID), logger.ErrorField(err))
		return internal("could not create room")
	}
	if in.Settings != nil {
		for name, cfg := range in.Settings.PluginConfigs {
			if err := s.deps.Store.SetPluginConfig(ctx, room.ID, name, cfg); err != nil {
				logger.Warn("room: save plugin config failed", logger.Room(room.ID), logger.Plugin(name), logger.ErrorField(err))
			}
		}
	}
	if s.deps.Plugins != nil {
		s.deps.Plugins.SyncRoomPlugins(ctx, room.ID, room, nil)
	}

	logger.Info("room created", logger.Room(room.ID), logger.User(actor.UserID), logger.String("type", string(room.Type)))
	s.deps.emit(ctx, room.ID, events.RoomCreated, events.RoomPayload{Room: room.Sanitized()})
	return ok(View(room, actor.UserID))
}

// Get 完整房间记录（内部使用）
func (s *RoomService) Get(ctx context.Context, roomID string) *model.Room {
	return s.deps.Store.GetRoom(ctx, roomID)
}

// GetFor 按读者身份读取房间
func (s *RoomService) GetFor(ctx context.Context, roomID, userID string) *model.PublicRoom {
	return View(s.deps.Store.GetRoom(ctx, roomID), userID)
}

// Persist 房主回来时取消房间的过期并重新登记到房主的房间列表
func (s *RoomService) Persist(ctx context.Context, room *model.Room) error {
	if err := s.deps.Store.PersistRoom(ctx, room.ID); err != nil {
		return fmt.Errorf("persist room keys: %w", err)
	}
	if err := s.deps.Store.AddUserRoom(ctx, room.CreatorID, room.ID); err != nil {
		return fmt.Errorf("restore creator room list: %w", err)
	}
	return nil
}

// Delete 删除房间：插件清理、删除全部 key、移出登记表
func (s *RoomService) Delete(ctx context.Context, room *model.Room) error {
	if s.deps.Plugins != nil {
		if err := s.deps.Plugins.CleanupRoom(ctx, room.ID); err != nil {
			logger.Warn("room: plugin cleanup failed", logger.Room(room.ID), logger.ErrorField(err))
		}
	}
	if err := s.deps.Store.DeleteRoom(ctx, room.ID, room.CreatorID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	logger.Info("room deleted", logger.Room(room.ID))
	s.deps.emit(ctx, room.ID, events.RoomDeleted, map[string]string{"roomId": room.ID})
	return nil
}

// SinceRequest 断线重连后的增量同步请求（毫秒时间戳，0 表示全部）
type SinceRequest struct {
	MessagesSince int64 `json:"messagesSince"`
	PlaylistSince int64 `json:"playlistSince"`
}

// Snapshot 房间当前状态，消息和播放记录按时间戳增量
func (s *RoomService) Snapshot(ctx context.Context, room *model.Room, userID string, since SinceRequest) *model.RoomSnapshot {
	store := s.deps.Store
	snap := &model.RoomSnapshot{
		Room:       View(room, userID),
		Users:      store.RoomUsers(ctx, room),
		Messages:   store.GetMessagesSince(ctx, room.ID, since.MessagesSince),
		Playlist:   store.GetPlaylistSince(ctx, room.ID, since.PlaylistSince),
		NowPlaying: store.GetNowPlaying(ctx, room.ID),
		Reactions:  store.GetReactions(ctx, room.ID),
		Queue:      []model.QueueItem{},
	}
	if room.ShowQueueTracks || model.IsRoomAdmin(room, userID) {
		snap.Queue = store.GetQueue(ctx, room.ID)
	}
	return snap
}

// LatestSince 客户端主动拉取自某个快照以来的数据
func (s *RoomService) LatestSince(ctx context.Context, actor Actor, roomID string, since SinceRequest) Result {
	room, res := s.deps.loadRoom(ctx, roomID)
	if res != nil {
		return *res
	}
	return ok(s.Snapshot(ctx, room, actor.UserID, since))
}

// LobbyEntry 大厅列表中的一个房间
type LobbyEntry struct {
	Room       *model.PublicRoom `json:"room"`
	UserCount  int64             `json:"userCount"`
	NowPlaying *model.NowPlaying `json:"nowPlaying,omitempty"`
}

// Lobby 全部房间的摘要
func (s *RoomService) Lobby(ctx context.Context) []LobbyEntry {
	store := s.deps.Store
	entries := []LobbyEntry{}
	for _, id := range store.ListRoomIDs(ctx) {
		room := store.GetRoom(ctx, id)
		if room == nil {
			continue
		}
		entries = append(entries, LobbyEntry{
			Room:       room.Sanitized(),
			UserCount:  store.OnlineCount(ctx, id),
			NowPlaying: store.GetNowPlaying(ctx, id),
		})
	}
	return entries
}
