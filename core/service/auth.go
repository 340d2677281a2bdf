package service

import (
	"context"
	"fmt"
	"strings"

	"roomcast/core/auth"
	"roomcast/core/events"
	"roomcast/logger"
	"roomcast/model"
)

// AuthService 进出房间与用户身份
type AuthService struct {
	deps     *Deps
	rooms    *RoomService
	messages *MessageService
}

// JoinInput 加入房间请求
type JoinInput struct {
	RoomID   string       `json:"roomId"`
	Password string       `json:"password,omitempty"`
	Since    SinceRequest `json:"since"`
}

// Join 加入房间并返回快照
func (s *AuthService) Join(ctx context.Context, actor Actor, in JoinInput) Result {
	if actor.UserID == "" {
		return badRequest("user id is required")
	}
	room, res := s.deps.loadRoom(ctx, in.RoomID)
	if res != nil {
		return *res
	}
	isAdmin := model.IsRoomAdmin(room, actor.UserID)
	if !isAdmin && room.HasPassword() && !auth.CheckPasswordHash(in.Password, room.Password) {
		return forbidden("incorrect room password")
	}

	store := s.deps.Store
	username := strings.TrimSpace(actor.Username)
	if username == "" {
		if existing := store.GetUser(ctx, actor.UserID); existing != nil {
			username = existing.Username
		}
	}
	user := &model.User{
		UserID:       actor.UserID,
		Username:     username,
		ConnectionID: actor.ConnectionID,
		Status:       model.UserStatusParticipating,
	}
	if err := store.SaveUser(ctx, user); err != nil {
		logger.Error("auth: save user failed", logger.Room(room.ID), logger.User(actor.UserID), logger.ErrorField(err))
		return internal("could not join room")
	}
	if err := store.PersistUser(ctx, actor.UserID); err != nil {
		logger.Warn("auth: persist user failed", logger.User(actor.UserID), logger.ErrorField(err))
	}
	if err := store.AddOnlineUser(ctx, room.ID, actor.UserID); err != nil {
		logger.Warn("auth: add online user failed", logger.Room(room.ID), logger.ErrorField(err))
	}
	if err := store.AddUserHistory(ctx, room.ID, actor.UserID); err != nil {
		logger.Warn("auth: add user history failed", logger.Room(room.ID), logger.ErrorField(err))
	}
	if room.DeputizeOnJoin && !isAdmin {
		if err := store.AddDeputyDj(ctx, room.ID, actor.UserID); err != nil {
			logger.Warn("auth: deputize on join failed", logger.Room(room.ID), logger.ErrorField(err))
		}
	}

	if isAdmin {
		s.creatorReturned(ctx, room)
	}

	users := store.RoomUsers(ctx, room)
	joined := findUser(users, actor.UserID)
	logger.Info("user joined", logger.Room(room.ID), logger.User(actor.UserID), logger.Bool("admin", isAdmin))
	s.deps.emit(ctx, room.ID, events.UserJoined, events.UsersPayload{User: joined, Users: users})

	return ok(s.rooms.Snapshot(ctx, room, actor.UserID, in.Since))
}

// creatorReturned 房主回来：取消过期、恢复房间列表、恢复媒体轮询
func (s *AuthService) creatorReturned(ctx context.Context, room *model.Room) {
	if err := s.rooms.Persist(ctx, room); err != nil {
		logger.Warn("auth: persist room on creator return failed", logger.Room(room.ID), logger.ErrorField(err))
	}
	if err := s.deps.Store.SetJobFields(ctx, room.ID, map[string]interface{}{
		"emptySince":    0,
		"pollingPaused": false,
	}); err != nil {
		logger.Warn("auth: reset job state failed", logger.Room(room.ID), logger.ErrorField(err))
	}
}

// Leave 离开房间（断开连接时也会调用）
func (s *AuthService) Leave(ctx context.Context, actor Actor, roomID string) Result {
	room, res := s.deps.loadRoom(ctx, roomID)
	if res != nil {
		return *res
	}
	store := s.deps.Store
	if err := store.RemoveOnlineUser(ctx, room.ID, actor.UserID); err != nil {
		logger.Warn("auth: remove online user failed", logger.Room(room.ID), logger.ErrorField(err))
	}
	typing := store.GetTypingUserIDs(ctx, room.ID)
	if contains(typing, actor.UserID) {
		if err := store.RemoveTypingUser(ctx, room.ID, actor.UserID); err == nil {
			s.deps.emit(ctx, room.ID, events.TypingChanged, events.TypingPayload{
				TypingUsers: store.GetTypingUserIDs(ctx, room.ID),
			})
		}
	}

	// 不拥有任何房间的用户只保留一段宽限期
	if len(store.GetUserRooms(ctx, actor.UserID)) == 0 {
		if err := store.ExpireUser(ctx, actor.UserID, s.deps.Settings.UserGraceTTL); err != nil {
			logger.Warn("auth: expire user failed", logger.User(actor.UserID), logger.ErrorField(err))
		}
	}

	users := store.RoomUsers(ctx, room)
	left := &model.User{UserID: actor.UserID, Username: actor.Username}
	if u := store.GetUser(ctx, actor.UserID); u != nil {
		left = u
	}
	logger.Info("user left", logger.Room(room.ID), logger.User(actor.UserID))
	s.deps.emit(ctx, room.ID, events.UserLeft, events.UsersPayload{User: left, Users: users})
	return ok(nil)
}

// ChangeUsername 修改用户名，房间开启时发系统消息
func (s *AuthService) ChangeUsername(ctx context.Context, actor Actor, roomID, username string) Result {
	username = strings.TrimSpace(username)
	if username == "" {
		return badRequest("username is required")
	}
	room, res := s.deps.loadRoom(ctx, roomID)
	if res != nil {
		return *res
	}
	store := s.deps.Store
	previous := actor.Username
	if u := store.GetUser(ctx, actor.UserID); u != nil {
		previous = u.Username
	}
	if err := store.SetUserFields(ctx, actor.UserID, map[string]interface{}{"username": username}); err != nil {
		logger.Error("auth: change username failed", logger.User(actor.UserID), logger.ErrorField(err))
		return internal("could not change username")
	}

	users := store.RoomUsers(ctx, room)
	s.deps.emit(ctx, room.ID, events.UsernameChanged, events.UsersPayload{User: findUser(users, actor.UserID), Users: users})

	if room.AnnounceUsernameChanges && previous != "" && previous != username {
		content := fmt.Sprintf("%s changed their name to %s", previous, username)
		if err := s.messages.SendSystemMessage(ctx, room.ID, content, nil); err != nil {
			logger.Warn("auth: announce username change failed", logger.Room(room.ID), logger.ErrorField(err))
		}
	}
	return ok(map[string]string{"username": username})
}

func findUser(users []model.User, userID string) *model.User {
	for i := range users {
		if users[i].UserID == userID {
			u := users[i]
			return &u
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
