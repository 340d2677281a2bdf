package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"roomcast/core/events"
	"roomcast/logger"
	"roomcast/model"
)

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// MessageService 聊天与输入状态
type MessageService struct {
	deps *Deps
}

// ParseMentions 提取 @用户名，去重并保持出现顺序
func ParseMentions(content string) []string {
	var mentions []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			mentions = append(mentions, m[1])
		}
	}
	return mentions
}

// Submit 发送聊天消息
func (s *MessageService) Submit(ctx context.Context, actor Actor, roomID, content string) Result {
	content = strings.TrimSpace(content)
	if content == "" {
		return badRequest("message is empty")
	}
	if utf8.RuneCountInString(content) > s.deps.Settings.MaxMessageLen {
		return badRequest(fmt.Sprintf("message exceeds %d characters", s.deps.Settings.MaxMessageLen))
	}
	room, res := s.deps.loadRoom(ctx, roomID)
	if res != nil {
		return *res
	}

	user := actor.Ref()
	if u := s.deps.Store.GetUser(ctx, actor.UserID); u != nil && u.Username != "" {
		user.Username = u.Username
	}
	msg := model.ChatMessage{
		Content:   content,
		Timestamp: nowMillis(),
		User:      user,
		Mentions:  ParseMentions(content),
	}
	if err := s.deps.Store.AddMessage(ctx, room.ID, msg); err != nil {
		logger.Error("message: store failed", logger.Room(room.ID), logger.User(actor.UserID), logger.ErrorField(err))
		return internal("could not send message")
	}
	s.stopTyping(ctx, room.ID, actor.UserID)
	s.deps.emit(ctx, room.ID, events.MessageReceived, events.MessagePayload{Message: msg})
	return ok(msg)
}

// SendSystemMessage 以系统身份发消息（插件、播放公告、用户名变更）
func (s *MessageService) SendSystemMessage(ctx context.Context, roomID, content string, meta *model.MessageMeta) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("system message is empty")
	}
	msg := model.ChatMessage{
		Content:   content,
		Timestamp: nowMillis(),
		User:      model.UserRef{UserID: model.SystemUserID, Username: model.SystemUserID},
		Meta:      meta,
	}
	if err := s.deps.Store.AddMessage(ctx, roomID, msg); err != nil {
		return fmt.Errorf("store system message: %w", err)
	}
	s.deps.emit(ctx, roomID, events.MessageReceived, events.MessagePayload{Message: msg})
	return nil
}

// StartTyping 标记正在输入
func (s *MessageService) StartTyping(ctx context.Context, actor Actor, roomID string) Result {
	room, res := s.deps.loadRoom(ctx, roomID)
	if res != nil {
		return *res
	}
	if err := s.deps.Store.AddTypingUser(ctx, room.ID, actor.UserID); err != nil {
		logger.Warn("message: start typing failed", logger.Room(room.ID), logger.ErrorField(err))
		return internal("could not update typing state")
	}
	s.emitTyping(ctx, room.ID)
	return ok(nil)
}

// StopTyping 取消正在输入
func (s *MessageService) StopTyping(ctx context.Context, actor Actor, roomID string) Result {
	room, res := s.deps.loadRoom(ctx, roomID)
	if res != nil {
		return *res
	}
	s.stopTyping(ctx, room.ID, actor.UserID)
	return ok(nil)
}

func (s *MessageService) stopTyping(ctx context.Context, roomID, userID string) {
	if err := s.deps.Store.RemoveTypingUser(ctx, roomID, userID); err != nil {
		logger.Warn("message: stop typing failed", logger.Room(roomID), logger.ErrorField(err))
		return
	}
	s.emitTyping(ctx, roomID)
}

func (s *MessageService) emitTyping(ctx context.Context, roomID string) {
	s.deps.emit(ctx, roomID, events.TypingChanged, events.TypingPayload{
		TypingUsers: s.deps.Store.GetTypingUserIDs(ctx, roomID),
	})
}

// Clear 清空聊天记录（仅房主）
func (s *MessageService) Clear(ctx context.Context, actor Actor, roomID string) Result {
	room, res := s.deps.requireAdmin(ctx, actor, roomID)
	if res != nil {
		return *res
	}
	if err := s.deps.Store.ClearMessages(ctx, room.ID); err != nil {
		logger.Error("message: clear failed", logger.Room(room.ID), logger.ErrorField(err))
		return internal("could not clear messages")
	}
	s.deps.emit(ctx, room.ID, events.MessagesCleared, map[string]string{"roomId": room.ID})
	return ok(nil)
}
