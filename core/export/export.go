// Package export 房间完整状态的只读投影与渲染
package export

import (
	"context"
	"errors"
	"time"

	"roomcast/cache"
	"roomcast/logger"
	"roomcast/model"
)

// ErrRoomNotFound 房间不存在
var ErrRoomNotFound = errors.New("room not found")

// Augmenter 插件附加段落
type Augmenter interface {
	AugmentExport(ctx context.Context, roomID string, exp *model.RoomExport) map[string]model.ExportSection
}

// Builder 组装导出数据
type Builder struct {
	store   *cache.Store
	plugins Augmenter
}

// NewBuilder 创建导出构建器，plugins 可以为 nil
func NewBuilder(store *cache.Store, plugins Augmenter) *Builder {
	return &Builder{store: store, plugins: plugins}
}

// Build 读取房间全部状态；导出面向所有人，房间信息一律脱敏
func (b *Builder) Build(ctx context.Context, roomID string) (*model.RoomExport, error) {
	room := b.store.GetRoom(ctx, roomID)
	if room == nil {
		return nil, ErrRoomNotFound
	}

	exp := &model.RoomExport{
		Room:        room.Sanitized(),
		Users:       b.store.RoomUsers(ctx, room),
		UserHistory: b.store.RoomUserHistory(ctx, room),
		NowPlaying:  b.store.GetNowPlaying(ctx, roomID),
		Playlist:    b.store.GetPlaylist(ctx, roomID),
		Queue:       b.store.GetQueue(ctx, roomID),
		Messages:    b.store.GetMessages(ctx, roomID),
		Reactions:   b.store.GetReactions(ctx, roomID),
		ExportedAt:  time.Now().UnixMilli(),
	}
	if b.plugins != nil {
		if sections := b.plugins.AugmentExport(ctx, roomID, exp); len(sections) > 0 {
			exp.Plugins = sections
		}
	}
	logger.Debug("room exported", logger.Room(roomID),
		logger.Int("messages", len(exp.Messages)), logger.Int("playlist", len(exp.Playlist)))
	return exp, nil
}
