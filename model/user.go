package model

// UserStatus 用户在房间中的活动状态
type UserStatus string

const (
	UserStatusListening     UserStatus = "listening"
	UserStatusParticipating UserStatus = "participating"
)

// SystemUserID 系统消息使用的保留身份
const SystemUserID = "system"

// User 全局用户记录（user:{id}）
//
// IsAdmin 不落库，读取时按房间计算；IsDeputyDj 同理来自房间的 deputy_djs 集合。
type User struct {
	UserID       string     `json:"userId"`
	Username     string     `json:"username"`
	ConnectionID string     `json:"connectionId,omitempty"`
	IsAdmin      bool       `json:"isAdmin"`
	IsDj         bool       `json:"isDj"`
	IsDeputyDj   bool       `json:"isDeputyDj"`
	Status       UserStatus `json:"status,omitempty"`
}

// UserRef 消息、队列等处引用的用户摘要
type UserRef struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Ref 转为引用
func (u *User) Ref() UserRef {
	return UserRef{UserID: u.UserID, Username: u.Username}
}
