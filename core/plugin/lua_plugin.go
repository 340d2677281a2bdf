package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"roomcast/logger"
	"roomcast/model"

	lua "github.com/yuin/gopher-lua"
)

// LuaOptions Lua 插件的资源限制
type LuaOptions struct {
	CallTimeout     time.Duration
	RegistryMaxSize int
}

// LuaPlugin 脚本插件：每个房间一个独立 VM
//
// 脚本约定：
//
//	function register()  on("messageReceived", function(payload) ... end) end
//	function cleanup() ... end   -- 可选
//
// 可用全局表 room（now_playing/users/send_message/skip/config）和
// storage（get/set/incr/del/zincr/ztop）。
type LuaPlugin struct {
	name  string
	proto *lua.FunctionProto
	opts  LuaOptions

	mu   sync.Mutex // LState 不是并发安全的
	L    *lua.LState
	pctx *Context
	ctx  context.Context // 当前调用的 ctx，仅在持有 mu 时有效
}

// NewLuaPlugin 基于已编译的脚本创建实例
func NewLuaPlugin(name string, proto *lua.FunctionProto, opts LuaOptions) *LuaPlugin {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Second
	}
	return &LuaPlugin{name: name, proto: proto, opts: opts}
}

func (p *LuaPlugin) Name() string { return p.name }

func (p *LuaPlugin) Register(ctx context.Context, pctx *Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pctx = pctx
	p.L = newSandboxedVM(p.opts.RegistryMaxSize)
	p.injectAPI()

	if err := p.call(ctx, func(L *lua.LState) error {
		L.Push(L.NewFunctionFromProto(p.proto))
		return L.PCall(0, lua.MultRet, nil)
	}); err != nil {
		p.L.Close()
		p.L = nil
		return fmt.Errorf("load script: %w", err)
	}

	if fn := p.L.GetGlobal("register"); fn != lua.LNil {
		if err := p.call(ctx, func(L *lua.LState) error {
			return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
		}); err != nil {
			p.L.Close()
			p.L = nil
			return fmt.Errorf("register(): %w", err)
		}
	}
	return nil
}

func (p *LuaPlugin) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.L == nil {
		return nil
	}
	defer func() {
		p.L.Close()
		p.L = nil
	}()

	fn := p.L.GetGlobal("cleanup")
	if fn == lua.LNil {
		return nil
	}
	return p.call(ctx, func(L *lua.LState) error {
		return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
	})
}

// busyKey 标记 ctx 来自该 VM 正在执行的调用：脚本里 send_message/skip
// 触发的事件会沿同一个 ctx 回到本插件，此时 VM 被占用，直接忽略。
type busyKey struct{ p *LuaPlugin }

// call 在超时 ctx 下运行一段 VM 操作；调用方必须持有 mu
func (p *LuaPlugin) call(ctx context.Context, fn func(L *lua.LState) error) error {
	callCtx, cancel := context.WithTimeout(context.WithValue(ctx, busyKey{p}, true), p.opts.CallTimeout)
	defer cancel()

	p.ctx = callCtx
	p.L.SetContext(callCtx)
	defer func() {
		p.L.RemoveContext()
		p.ctx = nil
	}()
	return fn(p.L)
}

func (p *LuaPlugin) injectAPI() {
	L := p.L

	L.SetGlobal("on", L.NewFunction(p.luaOn))

	room := L.NewTable()
	room.RawSetString("id", lua.LString(p.pctx.RoomID))
	room.RawSetString("now_playing", L.NewFunction(p.luaNowPlaying))
	room.RawSetString("users", L.NewFunction(p.luaUsers))
	room.RawSetString("send_message", L.NewFunction(p.luaSendMessage))
	room.RawSetString("skip", L.NewFunction(p.luaSkip))
	room.RawSetString("config", L.NewFunction(p.luaConfig))
	room.RawSetString("reactions", L.NewFunction(p.luaReactions))
	L.SetGlobal("room", room)

	storage := L.NewTable()
	storage.RawSetString("get", L.NewFunction(p.luaGet))
	storage.RawSetString("set", L.NewFunction(p.luaSet))
	storage.RawSetString("incr", L.NewFunction(p.luaIncr))
	storage.RawSetString("del", L.NewFunction(p.luaDel))
	storage.RawSetString("zincr", L.NewFunction(p.luaZIncr))
	storage.RawSetString("ztop", L.NewFunction(p.luaZTop))
	L.SetGlobal("storage", storage)

	logTbl := L.NewTable()
	logTbl.RawSetString("info", L.NewFunction(p.luaLogInfo))
	logTbl.RawSetString("warn", L.NewFunction(p.luaLogWarn))
	L.SetGlobal("log", logTbl)
}

// luaOn on(event, fn)：把 Lua 函数挂到插件的 Lifecycle 上
func (p *LuaPlugin) luaOn(L *lua.LState) int {
	event := L.CheckString(1)
	fn := L.CheckFunction(2)
	p.pctx.Lifecycle.On(event, func(ctx context.Context, payload any) error {
		if ctx.Value(busyKey{p}) != nil {
			logger.Debug("lua: skip re-entrant event", logger.Plugin(p.name), logger.Event(event))
			return nil
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.L == nil {
			return nil
		}
		return p.call(ctx, func(L *lua.LState) error {
			return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, toLua(L, payload))
		})
	})
	return 0
}

func (p *LuaPlugin) luaNowPlaying(L *lua.LState) int {
	L.Push(toLua(L, p.pctx.API.NowPlaying(p.ctx)))
	return 1
}

func (p *LuaPlugin) luaUsers(L *lua.LState) int {
	status := model.UserStatus(L.OptString(1, ""))
	L.Push(toLua(L, p.pctx.API.Users(p.ctx, status)))
	return 1
}

func (p *LuaPlugin) luaReactions(L *lua.LState) int {
	filter := model.ReactionFilter{
		Type:      model.ReactionSubjectType(L.OptString(1, "")),
		SubjectID: L.OptString(2, ""),
		Emoji:     L.OptString(3, ""),
	}
	L.Push(toLua(L, p.pctx.API.Reactions(p.ctx, filter)))
	return 1
}

func (p *LuaPlugin) luaSendMessage(L *lua.LState) int {
	content := L.CheckString(1)
	var meta *model.MessageMeta
	if t := L.OptString(2, ""); t != "" {
		meta = &model.MessageMeta{Type: t, Title: L.OptString(3, "")}
	}
	if err := p.pctx.API.SendSystemMessage(p.ctx, content, meta); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (p *LuaPlugin) luaSkip(L *lua.LState) int {
	ok, err := p.pctx.API.SkipTrack(p.ctx, L.CheckString(1))
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LBool(ok))
	return 1
}

func (p *LuaPlugin) luaConfig(L *lua.LState) int {
	var cfg map[string]any
	found, err := p.pctx.API.Config(p.ctx, &cfg)
	if err != nil || !found {
		L.Push(L.NewTable())
		return 1
	}
	L.Push(goToLua(L, cfg))
	return 1
}

func (p *LuaPlugin) luaGet(L *lua.LState) int {
	v, ok := p.pctx.Storage.Get(p.ctx, L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	// 表以 JSON 存储，读回时还原成表
	if len(v) > 0 && (v[0] == '{' || v[0] == '[') {
		var generic any
		if err := json.Unmarshal([]byte(v), &generic); err == nil {
			L.Push(goToLua(L, generic))
			return 1
		}
	}
	L.Push(lua.LString(v))
	return 1
}

func (p *LuaPlugin) luaSet(L *lua.LState) int {
	key := L.CheckString(1)
	val := L.CheckAny(2)
	ttl := time.Duration(L.OptInt(3, 0)) * time.Second
	raw := val.String()
	if tbl, ok := val.(*lua.LTable); ok {
		data, err := json.Marshal(luaToGo(tbl))
		if err != nil {
			L.RaiseError("storage.set: %v", err)
		}
		raw = string(data)
	}
	if err := p.pctx.Storage.Set(p.ctx, key, raw, ttl); err != nil {
		L.RaiseError("storage.set: %v", err)
	}
	return 0
}

func (p *LuaPlugin) luaIncr(L *lua.LState) int {
	n, err := p.pctx.Storage.Incr(p.ctx, L.CheckString(1), int64(L.OptInt(2, 1)))
	if err != nil {
		L.RaiseError("storage.incr: %v", err)
	}
	L.Push(lua.LNumber(n))
	return 1
}

func (p *LuaPlugin) luaDel(L *lua.LState) int {
	if err := p.pctx.Storage.Del(p.ctx, L.CheckString(1)); err != nil {
		L.RaiseError("storage.del: %v", err)
	}
	return 0
}

func (p *LuaPlugin) luaZIncr(L *lua.LState) int {
	score, err := p.pctx.Storage.ZIncrBy(p.ctx, L.CheckString(1), L.CheckString(2), float64(L.OptNumber(3, 1)))
	if err != nil {
		L.RaiseError("storage.zincr: %v", err)
	}
	L.Push(lua.LNumber(score))
	return 1
}

func (p *LuaPlugin) luaZTop(L *lua.LState) int {
	top := p.pctx.Storage.ZTop(p.ctx, L.CheckString(1), int64(L.OptInt(2, 10)))
	L.Push(toLua(L, top))
	return 1
}

func (p *LuaPlugin) luaLogInfo(L *lua.LState) int {
	logger.Info("lua: "+L.CheckString(1), logger.Room(p.pctx.RoomID), logger.Plugin(p.name))
	return 0
}

func (p *LuaPlugin) luaLogWarn(L *lua.LState) int {
	logger.Warn("lua: "+L.CheckString(1), logger.Room(p.pctx.RoomID), logger.Plugin(p.name))
	return 0
}
