package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"roomcast/model"
)

const counterScript = `
function register()
  on("messageReceived", function(payload)
    local n = storage.incr("messages")
    if payload.message.content == "hello" then
      room.send_message("hello back #" .. n)
    end
  end)
end

function cleanup()
  storage.set("cleaned", "yes")
end
`

func registerLua(t *testing.T, rt *Runtime, name, source string, timeout time.Duration) {
	t.Helper()
	proto, err := CompileLuaSource(name+".lua", source)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := rt.Registry().Register(name, func() Plugin {
		return NewLuaPlugin(name, proto, LuaOptions{CallTimeout: timeout})
	}); err != nil {
		t.Fatal(err)
	}
}

func TestLuaPluginHandlesEvents(t *testing.T) {
	rt, store, _ := newTestRuntime(t)
	host := &fakeHost{}
	rt.SetHost(host)
	ctx := context.Background()
	registerLua(t, rt, "lua:counter", counterScript, time.Second)

	if err := rt.InitializePluginForRoom(ctx, "r1", "lua:counter"); err != nil {
		t.Fatal(err)
	}
	payload := map[string]any{"message": map[string]any{"content": "hello"}}
	if err := rt.Dispatch(ctx, "r1", "messageReceived", payload); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if v, ok := store.PluginStorage("r1", "lua:counter").Get(ctx, "messages"); !ok || v != "1" {
		t.Fatalf("messages = %q, %v", v, ok)
	}
	if len(host.messages) != 1 || host.messages[0] != "hello back #1" {
		t.Fatalf("host messages = %v", host.messages)
	}
}

func TestLuaSandboxHidesUnsafeLibs(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	registerLua(t, rt, "lua:probe", `
function register()
  if os ~= nil or io ~= nil or require ~= nil or dofile ~= nil or loadstring ~= nil then
    error("unsafe globals visible")
  end
end
`, time.Second)
	if err := rt.InitializePluginForRoom(context.Background(), "r1", "lua:probe"); err != nil {
		t.Fatalf("sandbox probe failed: %v", err)
	}
}

func TestLuaRegisterTimeout(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	registerLua(t, rt, "lua:spin", `function register() while true do end end`, 50*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- rt.InitializePluginForRoom(context.Background(), "r1", "lua:spin") }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected timeout error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("register did not time out")
	}
	if rt.IsActive("r1", "lua:spin") {
		t.Fatal("timed out plugin must not be active")
	}
}

func TestLuaLoaderLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greeter.lua"), []byte(counterScript), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.lua"), []byte("function ("), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry()
	loader := NewLuaLoader(dir, reg, LuaOptions{})
	n, err := loader.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("loaded %d scripts, want 1", n)
	}
	if _, ok := reg.Get("lua:greeter"); !ok {
		t.Fatalf("registry = %v", reg.Names())
	}

	missing := NewLuaLoader(filepath.Join(dir, "nope"), reg, LuaOptions{})
	if n, err := missing.LoadAll(); err != nil || n != 0 {
		t.Fatalf("missing dir = %d, %v", n, err)
	}
}

func TestLuaStorageTables(t *testing.T) {
	rt, store, _ := newTestRuntime(t)
	registerLua(t, rt, "lua:prefs", `
function register()
  storage.set("prefs", {mode = "strict", words = {"a", "b"}})
  local prefs = storage.get("prefs")
  if prefs.mode ~= "strict" or prefs.words[2] ~= "b" then
    error("table did not survive storage")
  end
  storage.set("plain", "[not json")
  if storage.get("plain") ~= "[not json" then
    error("plain string changed")
  end
end
`, time.Second)
	ctx := context.Background()
	if err := rt.InitializePluginForRoom(ctx, "r1", "lua:prefs"); err != nil {
		t.Fatal(err)
	}
	if v, _ := store.PluginStorage("r1", "lua:prefs").Get(ctx, "prefs"); v != `{"mode":"strict","words":["a","b"]}` {
		t.Fatalf("stored prefs = %q", v)
	}
}

// dispatchingHost 把系统消息重新派发给运行时，和服务层的调用链一致
type dispatchingHost struct {
	rt *Runtime
	fakeHost
}

func (h *dispatchingHost) SendSystemMessage(ctx context.Context, roomID, content string, meta *model.MessageMeta) error {
	_ = h.fakeHost.SendSystemMessage(ctx, roomID, content, meta)
	payload := map[string]any{"message": map[string]any{"content": content}}
	return h.rt.Dispatch(ctx, roomID, "messageReceived", payload)
}

func TestLuaRegisterMayEmit(t *testing.T) {
	rt, store, _ := newTestRuntime(t)
	host := &dispatchingHost{rt: rt}
	rt.SetHost(host)
	ctx := context.Background()
	registerLua(t, rt, "lua:counter", counterScript, time.Second)
	registerLua(t, rt, "lua:greeter", `function register() room.send_message("hello") end`, time.Second)

	if err := rt.InitializePluginForRoom(ctx, "r1", "lua:counter"); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- rt.InitializePluginForRoom(ctx, "r1", "lua:greeter") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("initialize greeter: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("initialize blocked while register was sending a message")
	}

	// 已激活的 counter 收到了 greeter 注册时发出的消息并回复；自己的回复不会再回到自己
	if v, _ := store.PluginStorage("r1", "lua:counter").Get(ctx, "messages"); v != "1" {
		t.Fatalf("counter saw %q messages, want 1", v)
	}
	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.messages) != 2 || host.messages[0] != "hello" || host.messages[1] != "hello back #1" {
		t.Fatalf("messages = %v", host.messages)
	}
	if !rt.IsActive("r1", "lua:greeter") {
		t.Fatal("greeter should be active")
	}
}
