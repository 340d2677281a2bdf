package model

// MessageMeta 系统消息等的结构化附加信息
type MessageMeta struct {
	Type   string `json:"type,omitempty"` // alert 等
	Status string `json:"status,omitempty"`
	Title  string `json:"title,omitempty"`
}

// ChatMessage 聊天消息，Timestamp（毫秒）既是排序键也是消息标识
type ChatMessage struct {
	Content   string       `json:"content"`
	Timestamp int64        `json:"timestamp"`
	User      UserRef      `json:"user"`
	Mentions  []string     `json:"mentions,omitempty"`
	Meta      *MessageMeta `json:"meta,omitempty"`
}

// IsSystem 是否为系统消息
func (m *ChatMessage) IsSystem() bool {
	return m.User.UserID == SystemUserID
}
