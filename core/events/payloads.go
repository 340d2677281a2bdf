package events

import "roomcast/model"

// UsersPayload 用户进出/状态变化时附带房间当前用户列表
type UsersPayload struct {
	User  *model.User  `json:"user,omitempty"`
	Users []model.User `json:"users"`
}

// TrackChangedPayload 当前播放变化；NowPlaying 为 nil 表示停止
type TrackChangedPayload struct {
	NowPlaying *model.NowPlaying `json:"nowPlaying"`
}

// QueuePayload 队列变化后的完整队列
type QueuePayload struct {
	Queue []model.QueueItem `json:"queue"`
}

// MessagePayload 新消息
type MessagePayload struct {
	Message model.ChatMessage `json:"message"`
}

// TypingPayload 正在输入的用户
type TypingPayload struct {
	TypingUsers []string `json:"typing"`
}

// ReactionsPayload 回应变化后的房间回应
type ReactionsPayload struct {
	Reaction  *model.Reaction     `json:"reaction,omitempty"`
	Reactions model.RoomReactions `json:"reactions"`
}

// RoomPayload 房间设置变化（已脱敏）
type RoomPayload struct {
	Room *model.PublicRoom `json:"room"`
}

// ErrorPayload 需要用户处理的错误（凭证过期、限流等）
type ErrorPayload struct {
	UserID  string `json:"userId,omitempty"`
	Kind    string `json:"kind"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// TokenRefreshedPayload 凭证刷新通知，不包含 token 本身
type TokenRefreshedPayload struct {
	UserID    string `json:"userId"`
	Service   string `json:"service"`
	ExpiresAt int64  `json:"expiresAt"`
}

// PlaylistPayload 播放记录变化
type PlaylistPayload struct {
	Playlist []model.QueueItem `json:"playlist"`
}
