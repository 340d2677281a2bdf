// Package events 领域事件的唯一发射点，以及把事件投递给客户端频道的广播器。
package events

import (
	"strings"
	"unicode"
)

// 事件名（camelCase）。跨进程频道名由 ChannelName 推导。
const (
	RoomCreated         = "roomCreated"
	RoomSettingsUpdated = "roomSettingsUpdated"
	RoomDeleted         = "roomDeleted"

	UserJoined        = "userJoined"
	UserLeft          = "userLeft"
	UserKicked        = "userKicked"
	UserStatusChanged = "userStatusChanged"
	UsernameChanged   = "usernameChanged"
	TypingChanged     = "typingChanged"
	DjChanged         = "djChanged"

	MessageReceived = "messageReceived"
	MessagesCleared = "messagesCleared"

	TrackChanged    = "trackChanged"
	QueueChanged    = "queueChanged"
	PlaylistCleared = "playlistCleared"

	ReactionAdded   = "reactionAdded"
	ReactionRemoved = "reactionRemoved"

	ErrorOccurred  = "errorOccurred"
	TokenRefreshed = "tokenRefreshed"
)

const systemChannelPrefix = "SYSTEM:"

// ChannelName 事件名到跨进程频道名的纯函数映射：messageReceived -> SYSTEM:MESSAGE_RECEIVED
func ChannelName(event string) string {
	return systemChannelPrefix + WireName(event)
}

// WireName 事件名的 UPPER_SNAKE 形式，也是发给客户端的 type 字段
func WireName(event string) string {
	var b strings.Builder
	b.Grow(len(event) + 4)
	prevLower := false
	for _, r := range event {
		switch {
		case r == '-' || r == ' ' || r == '.':
			b.WriteByte('_')
			prevLower = false
			continue
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			prevLower = false
		default:
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Envelope 房间频道上的消息格式，客户端按 Type 过滤
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SystemMessage 发布到 SYSTEM:* 频道的内容
type SystemMessage struct {
	RoomID    string `json:"roomId"`
	Event     string `json:"event"`
	Data      any    `json:"data"`
	EmittedAt int64  `json:"emittedAt"`
}
