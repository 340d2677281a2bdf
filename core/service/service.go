// Package service 房间领域服务：读写状态存储并通过 Emitter 发射事件。
//
// 客户端动作的结果一律以 Result 返回，存储错误只记录日志，不会穿过请求边界。
package service

import (
	"context"
	"net/http"
	"time"

	"roomcast/cache"
	"roomcast/core/adapter"
	"roomcast/model"
)

// Actor 发起动作的连接身份，由连接层显式传入
type Actor struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// Ref 用户引用
func (a Actor) Ref() model.UserRef {
	return model.UserRef{UserID: a.UserID, Username: a.Username}
}

// 错误标识
const (
	ErrBadRequest    = "BadRequest"
	ErrForbidden     = "Forbidden"
	ErrNotFound      = "NotFound"
	ErrAlreadyQueued = "AlreadyQueued"
	ErrUnsupported   = "Unsupported"
	ErrUpstream      = "UpstreamError"
	ErrInternal      = "InternalError"
)

// Result 动作结果
type Result struct {
	Status  int    `json:"status"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// OK 是否成功
func (r Result) OK() bool { return r.Status >= 200 && r.Status < 300 }

func ok(data any) Result { return Result{Status: http.StatusOK, Data: data} }

func fail(status int, code, message string) Result {
	return Result{Status: status, Error: code, Message: message}
}

func badRequest(message string) Result { return fail(http.StatusBadRequest, ErrBadRequest, message) }

func forbidden(message string) Result { return fail(http.StatusForbidden, ErrForbidden, message) }

func notFound(message string) Result { return fail(http.StatusNotFound, ErrNotFound, message) }

func internal(message string) Result { return fail(http.StatusInternalServerError, ErrInternal, message) }

func unsupported(capability string) Result {
	return fail(http.StatusNotImplemented, ErrUnsupported, capability+" is not supported by this room's adapter")
}

func upstream(err error) Result {
	r := fail(http.StatusBadGateway, ErrUpstream, err.Error())
	if ue, isUpstream := adapter.AsUpstream(err); isUpstream {
		r.Message = ue.Message
		r.Data = map[string]string{"kind": string(ue.Kind), "adapter": ue.Adapter}
	}
	return r
}

// Emitter 事件发射
type Emitter interface {
	Emit(ctx context.Context, roomID, event string, payload any)
}

// PluginRuntime 服务层用到的插件运行时能力
type PluginRuntime interface {
	SyncRoomPlugins(ctx context.Context, roomID string, room, previous *model.Room)
	CleanupRoom(ctx context.Context, roomID string) error
}

// Settings 服务层参数
type Settings struct {
	UserGraceTTL  time.Duration
	MaxMessageLen int
	SearchLimit   int
}

// Deps 服务共享的依赖
type Deps struct {
	Store    *cache.Store
	Emitter  Emitter
	Adapters *adapter.Registry
	Plugins  PluginRuntime
	Settings Settings
}

// Services 全部领域服务
type Services struct {
	Room     *RoomService
	Auth     *AuthService
	Message  *MessageService
	DJ       *DJService
	Admin    *AdminService
	Activity *ActivityService
	Playback *PlaybackService
}

// New 装配服务
func New(deps Deps) *Services {
	if deps.Settings.UserGraceTTL <= 0 {
		deps.Settings.UserGraceTTL = time.Hour
	}
	if deps.Settings.MaxMessageLen <= 0 {
		deps.Settings.MaxMessageLen = 2000
	}
	if deps.Settings.SearchLimit <= 0 {
		deps.Settings.SearchLimit = 10
	}
	d := &deps
	s := &Services{}
	s.Message = &MessageService{deps: d}
	s.Room = &RoomService{deps: d}
	s.Auth = &AuthService{deps: d, rooms: s.Room, messages: s.Message}
	s.Playback = &PlaybackService{deps: d, messages: s.Message}
	s.DJ = &DJService{deps: d, playback: s.Playback}
	s.Admin = &AdminService{deps: d, rooms: s.Room}
	s.Activity = &ActivityService{deps: d}
	return s
}

// PluginHost 插件运行时借用的服务能力
func (s *Services) PluginHost() *PluginHost {
	return &PluginHost{dj: s.DJ, messages: s.Message}
}

// PluginHost 实现 plugin.Host
type PluginHost struct {
	dj       *DJService
	messages *MessageService
}

func (h *PluginHost) SkipTrack(ctx context.Context, roomID, trackID string) (bool, error) {
	return h.dj.SkipTrack(ctx, roomID, trackID)
}

func (h *PluginHost) SendSystemMessage(ctx context.Context, roomID, content string, meta *model.MessageMeta) error {
	return h.messages.SendSystemMessage(ctx, roomID, content, meta)
}

// loadRoom 读取房间，不存在时返回 404 结果
func (d *Deps) loadRoom(ctx context.Context, roomID string) (*model.Room, *Result) {
	room := d.Store.GetRoom(ctx, roomID)
	if room == nil {
		r := notFound("room not found")
		return nil, &r
	}
	return room, nil
}

// requireAdmin 读取房间并校验管理员
func (d *Deps) requireAdmin(ctx context.Context, actor Actor, roomID string) (*model.Room, *Result) {
	room, res := d.loadRoom(ctx, roomID)
	if res != nil {
		return nil, res
	}
	if !model.IsRoomAdmin(room, actor.UserID) {
		r := forbidden("only the room creator can do that")
		return nil, &r
	}
	return room, nil
}

func (d *Deps) emit(ctx context.Context, roomID, event string, payload any) {
	if d.Emitter != nil {
		d.Emitter.Emit(ctx, roomID, event, payload)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
