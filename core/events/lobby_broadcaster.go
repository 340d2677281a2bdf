package events

import (
	"context"
	"encoding/json"
	"fmt"

	"roomcast/model"
)

// LobbyUpdate 大厅频道上的精简摘要
type LobbyUpdate struct {
	RoomID     string            `json:"roomId"`
	UserCount  *int              `json:"userCount,omitempty"`
	NowPlaying *model.NowPlaying `json:"nowPlaying,omitempty"`
}

// LobbyBroadcaster 只关心播放变化和用户进出，汇总后发到共享的大厅频道，
// 大厅观察者不必订阅每个房间。
type LobbyBroadcaster struct {
	publisher Publisher
}

func NewLobbyBroadcaster(publisher Publisher) *LobbyBroadcaster {
	return &LobbyBroadcaster{publisher: publisher}
}

func (b *LobbyBroadcaster) Name() string { return "lobby" }

// Summarize 把事件转为大厅摘要，不关心的事件返回 false
func (b *LobbyBroadcaster) Summarize(roomID, event string, payload any) (LobbyUpdate, bool) {
	update := LobbyUpdate{RoomID: roomID}
	switch event {
	case TrackChanged:
		p, ok := payload.(TrackChangedPayload)
		if !ok {
			if pp, isPtr := payload.(*TrackChangedPayload); isPtr && pp != nil {
				p, ok = *pp, true
			}
		}
		if !ok {
			return update, false
		}
		update.NowPlaying = p.NowPlaying
	case UserJoined, UserLeft:
		p, ok := payload.(UsersPayload)
		if !ok {
			if pp, isPtr := payload.(*UsersPayload); isPtr && pp != nil {
				p, ok = *pp, true
			}
		}
		if !ok {
			return update, false
		}
		n := len(p.Users)
		update.UserCount = &n
	default:
		return update, false
	}
	return update, true
}

func (b *LobbyBroadcaster) Handle(ctx context.Context, roomID, event string, payload any) error {
	update, ok := b.Summarize(roomID, event, payload)
	if !ok {
		return nil
	}
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal lobby update: %w", err)
	}
	return b.publisher.Publish(ctx, LobbyChannel, data)
}
