package service

import (
	"context"

	"roomcast/core/events"
	"roomcast/logger"
	"roomcast/model"
)

// ActivityService 表情回应与用户状态
type ActivityService struct {
	deps *Deps
}

// ReactionInput 回应请求
type ReactionInput struct {
	Emoji   string                `json:"emoji"`
	Subject model.ReactionSubject `json:"subject"`
}

func (in ReactionInput) reaction(userID string) (model.Reaction, *Result) {
	if in.Emoji == "" || in.Subject.ID == "" || !in.Subject.Type.Valid() {
		r := badRequest("emoji and a message or track subject are required")
		return model.Reaction{}, &r
	}
	return model.Reaction{Emoji: in.Emoji, UserID: userID, Subject: in.Subject}, nil
}

// AddReaction 添加回应，重复添加不发事件
func (s *ActivityService) AddReaction(ctx context.Context, actor Actor, roomID string, in ReactionInput) Result {
	r, res := in.reaction(actor.UserID)
	if res != nil {
		return *res
	}
	if _, res := s.deps.loadRoom(ctx, roomID); res != nil {
		return *res
	}
	added, err := s.deps.Store.AddReaction(ctx, roomID, r)
	if err != nil {
		logger.Error("activity: add reaction failed", logger.Room(roomID), logger.ErrorField(err))
		return internal("could not add reaction")
	}
	reactions := s.deps.Store.GetReactions(ctx, roomID)
	if added {
		s.deps.emit(ctx, roomID, events.ReactionAdded, events.ReactionsPayload{Reaction: &r, Reactions: reactions})
	}
	return ok(reactions)
}

// RemoveReaction 删除回应
func (s *ActivityService) RemoveReaction(ctx context.Context, actor Actor, roomID string, in ReactionInput) Result {
	r, res := in.reaction(actor.UserID)
	if res != nil {
		return *res
	}
	if _, res := s.deps.loadRoom(ctx, roomID); res != nil {
		return *res
	}
	removed, err := s.deps.Store.RemoveReaction(ctx, roomID, r)
	if err != nil {
		logger.Error("activity: remove reaction failed", logger.Room(roomID), logger.ErrorField(err))
		return internal("could not remove reaction")
	}
	reactions := s.deps.Store.GetReactions(ctx, roomID)
	if removed {
		s.deps.emit(ctx, roomID, events.ReactionRemoved, events.ReactionsPayload{Reaction: &r, Reactions: reactions})
	}
	return ok(reactions)
}

// SetStatus 切换收听/参与状态
func (s *ActivityService) SetStatus(ctx context.Context, actor Actor, roomID string, status model.UserStatus) Result {
	if status != model.UserStatusListening && status != model.UserStatusParticipating {
		return badRequest("unknown status")
	}
	room, res := s.deps.loadRoom(ctx, roomID)
	if res != nil {
		return *res
	}
	if err := s.deps.Store.SetUserFields(ctx, actor.UserID, map[string]interface{}{"status": string(status)}); err != nil {
		logger.Error("activity: set status failed", logger.Room(roomID), logger.ErrorField(err))
		return internal("could not update status")
	}
	users := s.deps.Store.RoomUsers(ctx, room)
	s.deps.emit(ctx, roomID, events.UserStatusChanged, events.UsersPayload{User: findUser(users, actor.UserID), Users: users})
	return ok(nil)
}
