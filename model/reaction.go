package model

import "fmt"

// ReactionSubjectType 表情回应的对象类型
type ReactionSubjectType string

const (
	ReactionSubjectMessage ReactionSubjectType = "message"
	ReactionSubjectTrack   ReactionSubjectType = "track"
)

// Valid 是否是已知类型
func (t ReactionSubjectType) Valid() bool {
	return t == ReactionSubjectMessage || t == ReactionSubjectTrack
}

// ReactionSubject 回应对象：消息时间戳或曲目 ID
type ReactionSubject struct {
	Type ReactionSubjectType `json:"type"`
	ID   string              `json:"id"`
}

// Reaction 一条表情回应
type Reaction struct {
	Emoji   string          `json:"emoji"`
	UserID  string          `json:"userId"`
	Subject ReactionSubject `json:"subject"`
}

// Key 同一用户对同一对象的同一表情只存一份
func (r Reaction) Key() string {
	return fmt.Sprintf("%s:%s:%s:%s", r.Subject.Type, r.Subject.ID, r.Emoji, r.UserID)
}

// ReactionsBySubject subjectID -> 回应列表
type ReactionsBySubject map[string][]Reaction

// RoomReactions 房间全部回应，按类型分组
type RoomReactions struct {
	Message ReactionsBySubject `json:"message"`
	Track   ReactionsBySubject `json:"track"`
}

// ReactionFilter 插件读取回应时的过滤条件，空字段不过滤
type ReactionFilter struct {
	Type      ReactionSubjectType
	SubjectID string
	Emoji     string
	UserID    string
}

// Match 是否命中过滤条件
func (f ReactionFilter) Match(r Reaction) bool {
	if f.Type != "" && r.Subject.Type != f.Type {
		return false
	}
	if f.SubjectID != "" && r.Subject.ID != f.SubjectID {
		return false
	}
	if f.Emoji != "" && r.Emoji != f.Emoji {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	return true
}
