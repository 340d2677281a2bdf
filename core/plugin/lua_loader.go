package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"roomcast/logger"

	"github.com/fsnotify/fsnotify"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// LuaPrefix 脚本插件名前缀
const LuaPrefix = "lua:"

// LuaLoader 把插件目录里的 *.lua 编译后注册为插件，并监听目录热更新
type LuaLoader struct {
	dir      string
	registry *Registry
	opts     LuaOptions

	mu      sync.Mutex
	loaded  map[string]struct{}
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// NewLuaLoader 创建加载器（不自动开始监听）
func NewLuaLoader(dir string, registry *Registry, opts LuaOptions) *LuaLoader {
	return &LuaLoader{
		dir:      dir,
		registry: registry,
		opts:     opts,
		loaded:   make(map[string]struct{}),
		closed:   make(chan struct{}),
	}
}

// LoadAll 扫描目录并注册全部脚本，返回成功数量
func (l *LuaLoader) LoadAll() (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read plugin dir: %w", err)
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		if err := l.load(filepath.Join(l.dir, entry.Name())); err != nil {
			logger.Warn("lua: failed to compile", logger.String("file", entry.Name()), logger.ErrorField(err))
			continue
		}
		n++
	}
	logger.Info("lua: plugins loaded", logger.String("dir", l.dir), logger.Int("count", n), logger.Strings("plugins", l.Loaded()))
	return n, nil
}

// Watch 开始监听目录变更
func (l *LuaLoader) Watch() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create plugin dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch plugin dir: %w", err)
	}
	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.watchLoop(watcher)
	return nil
}

// Close 停止监听
func (l *LuaLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.closed:
		return nil
	default:
		close(l.closed)
	}
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// Loaded 已注册的脚本插件名
func (l *LuaLoader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.loaded))
	for name := range l.loaded {
		names = append(names, name)
	}
	return names
}

func pluginNameFor(path string) string {
	return LuaPrefix + strings.TrimSuffix(filepath.Base(path), ".lua")
}

func (l *LuaLoader) load(path string) error {
	proto, err := CompileLua(path)
	if err != nil {
		return err
	}
	name := pluginNameFor(path)
	opts := l.opts
	if err := l.registry.Register(name, func() Plugin {
		return NewLuaPlugin(name, proto, opts)
	}); err != nil {
		return err
	}

	l.mu.Lock()
	l.loaded[name] = struct{}{}
	l.mu.Unlock()
	logger.Info("lua: registered plugin", logger.Plugin(name))
	return nil
}

func (l *LuaLoader) unload(path string) {
	name := pluginNameFor(path)
	l.registry.Unregister(name)
	l.mu.Lock()
	delete(l.loaded, name)
	l.mu.Unlock()
	logger.Info("lua: removed plugin", logger.Plugin(name))
}

func (l *LuaLoader) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case <-l.closed:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".lua") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if err := l.load(event.Name); err != nil {
					logger.Warn("lua: hot reload failed", logger.String("file", event.Name), logger.ErrorField(err))
				}
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				l.unload(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("lua: watcher error", logger.ErrorField(err))
		}
	}
}

// CompileLua 解析并编译脚本文件
func CompileLua(path string) (*lua.FunctionProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return CompileLuaSource(filepath.Base(path), string(data))
}

// CompileLuaSource 编译脚本源码
func CompileLuaSource(name, source string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	return proto, nil
}
