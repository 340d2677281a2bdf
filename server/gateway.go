package server

import (
	"context"
	"encoding/json"
	"net/http"

	"roomcast/core/service"
	"roomcast/logger"
	"roomcast/model"
)

// 客户端动作
const (
	ActionCreateRoom      = "CREATE_ROOM"
	ActionJoinRoom        = "JOIN_ROOM"
	ActionLeaveRoom       = "LEAVE_ROOM"
	ActionSubscribeLobby  = "SUBSCRIBE_LOBBY"
	ActionSendMessage     = "SEND_MESSAGE"
	ActionStartTyping     = "START_TYPING"
	ActionStopTyping      = "STOP_TYPING"
	ActionClearMessages   = "CLEAR_MESSAGES"
	ActionAddReaction     = "ADD_REACTION"
	ActionRemoveReaction  = "REMOVE_REACTION"
	ActionSetStatus       = "SET_STATUS"
	ActionChangeUsername  = "CHANGE_USERNAME"
	ActionQueueSong       = "QUEUE_SONG"
	ActionGetQueue        = "GET_QUEUE"
	ActionSearchTracks    = "SEARCH_TRACKS"
	ActionSkipTrack       = "SKIP_TRACK"
	ActionSavePlaylist    = "SAVE_PLAYLIST"
	ActionLibrary         = "LIBRARY"
	ActionToggleDeputyDj  = "TOGGLE_DEPUTY_DJ"
	ActionSetDj           = "SET_DJ"
	ActionGetSettings     = "GET_ROOM_SETTINGS"
	ActionUpdateSettings  = "SET_ROOM_SETTINGS"
	ActionKickUser        = "KICK_USER"
	ActionClearPlaylist   = "CLEAR_PLAYLIST"
	ActionClearQueue      = "CLEAR_QUEUE"
	ActionDeleteRoom      = "DELETE_ROOM"
	ActionGetLatestData   = "GET_LATEST_DATA"
	ActionResultType      = "ACTION_RESULT"
)

// Action 客户端发来的动作
type Action struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ActionResult 动作回执
type ActionResult struct {
	Type      string         `json:"type"`
	Action    string         `json:"action"`
	RequestID string         `json:"requestId,omitempty"`
	Data      service.Result `json:"data"`
}

// Gateway 把客户端动作路由到领域服务
type Gateway struct {
	svc *service.Services
	hub *Hub
}

// NewGateway 创建网关
func NewGateway(svc *service.Services, hub *Hub) *Gateway {
	return &Gateway{svc: svc, hub: hub}
}

// HandleRaw 解析并处理一条消息，结果回给发送者
func (g *Gateway) HandleRaw(ctx context.Context, c *Client, raw []byte) {
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil || a.Type == "" {
		c.SendJSON(ActionResult{Type: ActionResultType, Data: service.Result{
			Status: http.StatusBadRequest, Error: service.ErrBadRequest, Message: "invalid action",
		}})
		return
	}
	res := g.Handle(ctx, c, a)
	c.SendJSON(ActionResult{Type: ActionResultType, Action: a.Type, RequestID: a.RequestID, Data: res})
}

// Disconnect 连接断开时离开房间
func (g *Gateway) Disconnect(ctx context.Context, c *Client) {
	if roomID := g.hub.LeaveRoom(c); roomID != "" {
		g.svc.Auth.Leave(ctx, c.Actor(), roomID)
	}
}

type userTarget struct {
	UserID string `json:"userId"`
}

// Handle 路由动作；房间级动作使用连接当前所在的房间
func (g *Gateway) Handle(ctx context.Context, c *Client, a Action) service.Result {
	actor := c.Actor()
	roomID := c.RoomID()

	needRoom := func() (service.Result, bool) {
		if roomID == "" {
			return service.Result{Status: http.StatusBadRequest, Error: service.ErrBadRequest, Message: "join a room first"}, false
		}
		return service.Result{}, true
	}

	switch a.Type {
	case ActionCreateRoom:
		var in service.CreateRoomInput
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		return g.svc.Room.Create(ctx, actor, in)

	case ActionJoinRoom:
		var in service.JoinInput
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		res := g.svc.Auth.Join(ctx, actor, in)
		if res.OK() {
			if previous := g.hub.JoinRoom(c, in.RoomID); previous != "" && previous != in.RoomID {
				g.svc.Auth.Leave(ctx, actor, previous)
			}
		}
		return res

	case ActionLeaveRoom:
		if previous := g.hub.LeaveRoom(c); previous != "" {
			return g.svc.Auth.Leave(ctx, actor, previous)
		}
		return service.Result{Status: http.StatusOK}

	case ActionSubscribeLobby:
		var in struct {
			Subscribe bool `json:"subscribe"`
		}
		in.Subscribe = true
		if len(a.Data) > 0 {
			if res, ok := decode(a.Data, &in); !ok {
				return res
			}
		}
		g.hub.SetLobby(c, in.Subscribe)
		return service.Result{Status: http.StatusOK, Data: g.svc.Room.Lobby(ctx)}
	}

	if res, ok := needRoom(); !ok {
		return res
	}

	switch a.Type {
	case ActionSendMessage:
		var in struct {
			Content string `json:"content"`
		}
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		return g.svc.Message.Submit(ctx, actor, roomID, in.Content)
	case ActionStartTyping:
		return g.svc.Message.StartTyping(ctx, actor, roomID)
	case ActionStopTyping:
		return g.svc.Message.StopTyping(ctx, actor, roomID)
	case ActionClearMessages:
		return g.svc.Message.Clear(ctx, actor, roomID)

	case ActionAddReaction, ActionRemoveReaction:
		var in service.ReactionInput
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		if a.Type == ActionAddReaction {
			return g.svc.Activity.AddReaction(ctx, actor, roomID, in)
		}
		return g.svc.Activity.RemoveReaction(ctx, actor, roomID, in)
	case ActionSetStatus:
		var in struct {
			Status model.UserStatus `json:"status"`
		}
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		return g.svc.Activity.SetStatus(ctx, actor, roomID, in.Status)
	case ActionChangeUsername:
		var in struct {
			Username string `json:"username"`
		}
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		return g.svc.Auth.ChangeUsername(ctx, actor, roomID, in.Username)

	case ActionQueueSong:
		var in struct {
			TrackID string `json:"trackId"`
		}
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		return g.svc.DJ.Enqueue(ctx, actor, roomID, in.TrackID)
	case ActionGetQueue:
		return g.svc.DJ.Queue(ctx, actor, roomID)
	case ActionSearchTracks:
		var in struct {
			Query string `json:"query"`
		}
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		return g.svc.DJ.Search(ctx, actor, roomID, in.Query)
	case ActionSkipTrack:
		return g.svc.DJ.Skip(ctx, actor, roomID)
	case ActionSavePlaylist:
		var in struct {
			Name     string   `json:"name"`
			TrackIDs []string `json:"trackIds"`
		}
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		return g.svc.DJ.SavePlaylist(ctx, actor, roomID, in.Name, in.TrackIDs)
	case ActionLibrary:
		var in struct {
			Action   service.LibraryAction `json:"action"`
			TrackIDs []string              `json:"trackIds"`
		}
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		return g.svc.DJ.Library(ctx, actor, roomID, in.Action, in.TrackIDs)
	case ActionToggleDeputyDj:
		var in userTarget
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		return g.svc.DJ.ToggleDeputyDj(ctx, actor, roomID, in.UserID)
	case ActionSetDj:
		var in struct {
			IsDj bool `json:"isDj"`
		}
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		return g.svc.DJ.SetDj(ctx, actor, roomID, in.IsDj)

	case ActionGetSettings:
		return g.svc.Admin.GetSettings(ctx, actor, roomID)
	case ActionUpdateSettings:
		var in model.RoomSettingsPatch
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		return g.svc.Admin.UpdateSettings(ctx, actor, roomID, in)
	case ActionKickUser:
		var in userTarget
		if res, ok := decode(a.Data, &in); !ok {
			return res
		}
		return g.svc.Admin.Kick(ctx, actor, roomID, in.UserID)
	case ActionClearPlaylist:
		return g.svc.Admin.ClearPlaylist(ctx, actor, roomID)
	case ActionClearQueue:
		return g.svc.Admin.ClearQueue(ctx, actor, roomID)
	case ActionDeleteRoom:
		res := g.svc.Admin.DeleteRoom(ctx, actor, roomID)
		if res.OK() {
			g.hub.LeaveRoom(c)
		}
		return res

	case ActionGetLatestData:
		var in service.SinceRequest
		if len(a.Data) > 0 {
			if res, ok := decode(a.Data, &in); !ok {
				return res
			}
		}
		return g.svc.Room.LatestSince(ctx, actor, roomID, in)
	}

	logger.Debug("unknown action", logger.String("action", a.Type), logger.User(actor.UserID))
	return service.Result{Status: http.StatusBadRequest, Error: service.ErrBadRequest, Message: "unknown action " + a.Type}
}

func decode(data json.RawMessage, v any) (service.Result, bool) {
	if len(data) == 0 {
		return service.Result{Status: http.StatusBadRequest, Error: service.ErrBadRequest, Message: "missing data"}, false
	}
	if err := json.Unmarshal(data, v); err != nil {
		return service.Result{Status: http.StatusBadRequest, Error: service.ErrBadRequest, Message: "invalid data: " + err.Error()}, false
	}
	return service.Result{}, true
}
