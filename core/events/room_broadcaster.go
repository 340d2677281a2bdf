package events

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	roomChannelPrefix = "channel:room:"
	LobbyChannel      = "channel:lobby"
	// ClientChannelPattern 网关订阅的全部客户端频道
	ClientChannelPattern = "channel:*"
)

// RoomChannel 房间的客户端频道
func RoomChannel(roomID string) string {
	return roomChannelPrefix + roomID
}

// RoomIDFromChannel 从房间频道名还原房间 ID
func RoomIDFromChannel(channel string) (string, bool) {
	if len(channel) <= len(roomChannelPrefix) || channel[:len(roomChannelPrefix)] != roomChannelPrefix {
		return "", false
	}
	return channel[len(roomChannelPrefix):], true
}

// RoomBroadcaster 把每个事件原样转发到房间频道
type RoomBroadcaster struct {
	publisher Publisher
}

func NewRoomBroadcaster(publisher Publisher) *RoomBroadcaster {
	return &RoomBroadcaster{publisher: publisher}
}

func (b *RoomBroadcaster) Name() string { return "room" }

func (b *RoomBroadcaster) Handle(ctx context.Context, roomID, event string, payload any) error {
	if roomID == "" {
		return nil
	}
	data, err := json.Marshal(Envelope{Type: WireName(event), Data: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.publisher.Publish(ctx, RoomChannel(roomID), data)
}
