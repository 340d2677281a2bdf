package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"roomcast/cache"
	"roomcast/logger"
	"roomcast/model"

	"go.uber.org/multierr"
)

type instance struct {
	plugin Plugin
	pctx   *Context
}

// Runtime 管理每个 (房间, 插件) 的实例：未初始化 -> 激活 -> 已清理
type Runtime struct {
	registry *Registry
	store    *cache.Store
	host     *hostRef

	mu        sync.Mutex
	instances map[string]map[string]*instance // roomID -> name -> instance
	pending   map[string]*pendingInit         // roomID/name -> 正在 Register 的实例
}

// pendingInit 初始化中的占位；Register 期间被清理时 cancelled=true
type pendingInit struct {
	cancelled bool
}

func pendingKey(roomID, name string) string { return roomID + "/" + name }

// NewRuntime 创建运行时
func NewRuntime(registry *Registry, store *cache.Store) *Runtime {
	return &Runtime{
		registry:  registry,
		store:     store,
		host:      &hostRef{},
		instances: make(map[string]map[string]*instance),
		pending:   make(map[string]*pendingInit),
	}
}

// Registry 插件注册表
func (r *Runtime) Registry() *Registry { return r.registry }

// SetHost 绑定服务层能力
func (r *Runtime) SetHost(h Host) { r.host.set(h) }

// InitializePluginForRoom 激活插件；已激活或正在激活时什么也不做。
// Register 在锁外执行：插件可能在 Register 里发消息，事件会回到 Dispatch。
func (r *Runtime) InitializePluginForRoom(ctx context.Context, roomID, name string) error {
	factory, ok := r.registry.Get(name)
	if !ok {
		return fmt.Errorf("plugin %s not registered", name)
	}

	key := pendingKey(roomID, name)
	r.mu.Lock()
	if _, active := r.instances[roomID][name]; active {
		r.mu.Unlock()
		return nil
	}
	if _, busy := r.pending[key]; busy {
		r.mu.Unlock()
		return nil
	}
	marker := &pendingInit{}
	r.pending[key] = marker
	r.mu.Unlock()

	p := factory()
	pctx := &Context{
		RoomID:    roomID,
		Name:      name,
		API:       &API{roomID: roomID, plugin: name, store: r.store, host: r.host},
		Storage:   r.store.PluginStorage(roomID, name),
		Lifecycle: newLifecycle(),
	}
	regErr := safeRegister(ctx, p, pctx)

	r.mu.Lock()
	delete(r.pending, key)
	cancelled := marker.cancelled
	if regErr == nil && !cancelled {
		if r.instances[roomID] == nil {
			r.instances[roomID] = make(map[string]*instance)
		}
		r.instances[roomID][name] = &instance{plugin: p, pctx: pctx}
	}
	r.mu.Unlock()

	if regErr != nil {
		pctx.Lifecycle.Clear()
		return fmt.Errorf("register plugin %s: %w", name, regErr)
	}
	if cancelled {
		// Register 期间房间被清理，实例不再生效
		if err := safeCleanup(ctx, p); err != nil {
			logger.Warn("plugin cleanup after cancelled init failed",
				logger.Room(roomID), logger.Plugin(name), logger.ErrorField(err))
		}
		pctx.Lifecycle.Clear()
		return pctx.Storage.Cleanup(ctx)
	}
	logger.Info("plugin activated", logger.Room(roomID), logger.Plugin(name))
	return nil
}

// SyncRoomPlugins 设置变更后调用：激活所有已注册但未激活的插件。
// 是否真的做事由插件根据自己的配置决定，运行时不看房间设置。
func (r *Runtime) SyncRoomPlugins(ctx context.Context, roomID string, room, previous *model.Room) {
	for _, name := range r.registry.Names() {
		if err := r.InitializePluginForRoom(ctx, roomID, name); err != nil {
			logger.Warn("plugin sync: initialize failed",
				logger.Room(roomID), logger.Plugin(name), logger.ErrorField(err))
		}
	}
}

// CleanupPluginForRoom 调用插件自己的清理，移除订阅并清空插件存储
func (r *Runtime) CleanupPluginForRoom(ctx context.Context, roomID, name string) error {
	r.mu.Lock()
	if marker, busy := r.pending[pendingKey(roomID, name)]; busy {
		marker.cancelled = true
	}
	inst, ok := r.instances[roomID][name]
	if ok {
		delete(r.instances[roomID], name)
		if len(r.instances[roomID]) == 0 {
			delete(r.instances, roomID)
		}
	}
	r.mu.Unlock()

	storage := r.store.PluginStorage(roomID, name)
	if !ok {
		// 可能是其他进程激活的实例留下的数据
		return storage.Cleanup(ctx)
	}

	var errs error
	errs = multierr.Append(errs, safeCleanup(ctx, inst.plugin))
	inst.pctx.Lifecycle.Clear()
	errs = multierr.Append(errs, storage.Cleanup(ctx))
	if errs != nil {
		logger.Warn("plugin cleanup finished with errors",
			logger.Room(roomID), logger.Plugin(name), logger.ErrorField(errs))
	} else {
		logger.Info("plugin cleaned up", logger.Room(roomID), logger.Plugin(name))
	}
	return errs
}

// CleanupRoom 房间删除时清理全部插件
func (r *Runtime) CleanupRoom(ctx context.Context, roomID string) error {
	names := r.ActivePlugins(roomID)
	for _, name := range r.registry.Names() {
		if !contains(names, name) {
			names = append(names, name)
		}
	}
	var errs error
	for _, name := range names {
		errs = multierr.Append(errs, r.CleanupPluginForRoom(ctx, roomID, name))
	}
	return errs
}

// ActivePlugins 房间内已激活的插件名
func (r *Runtime) ActivePlugins(roomID string) []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.instances[roomID]))
	for name := range r.instances[roomID] {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// IsActive 插件是否在房间内激活
func (r *Runtime) IsActive(roomID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.instances[roomID][name]
	return ok
}

func (r *Runtime) snapshot(roomID string) map[string]*instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*instance, len(r.instances[roomID]))
	for name, inst := range r.instances[roomID] {
		out[name] = inst
	}
	return out
}

// Dispatch 把事件交给房间内所有激活的插件，等待全部完成
func (r *Runtime) Dispatch(ctx context.Context, roomID, event string, payload any) error {
	instances := r.snapshot(roomID)
	if len(instances) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for name, inst := range instances {
		if !inst.pctx.Lifecycle.HasHandlers(event) {
			continue
		}
		wg.Add(1)
		go func(name string, inst *instance) {
			defer wg.Done()
			if err := inst.pctx.Lifecycle.Emit(ctx, event, payload); err != nil {
				logger.Warn("plugin handler failed",
					logger.Room(roomID), logger.Plugin(name), logger.Event(event), logger.ErrorField(err))
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("plugin %s: %w", name, err))
				mu.Unlock()
			}
		}(name, inst)
	}
	wg.Wait()
	return errs
}

// AugmentExport 收集插件追加的导出段落
func (r *Runtime) AugmentExport(ctx context.Context, roomID string, exp *model.RoomExport) map[string]model.ExportSection {
	sections := make(map[string]model.ExportSection)
	for name, inst := range r.snapshot(roomID) {
		aug, ok := inst.plugin.(ExportAugmenter)
		if !ok {
			continue
		}
		section, include, err := safeAugment(ctx, aug, exp)
		if err != nil {
			logger.Warn("plugin export augment failed",
				logger.Room(roomID), logger.Plugin(name), logger.ErrorField(err))
			continue
		}
		if include {
			sections[name] = section
		}
	}
	return sections
}

func safeRegister(ctx context.Context, p Plugin, pctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("register panicked: %v", r)
		}
	}()
	return p.Register(ctx, pctx)
}

func safeCleanup(ctx context.Context, p Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
	}()
	return p.Cleanup(ctx)
}

func safeAugment(ctx context.Context, aug ExportAugmenter, exp *model.RoomExport) (s model.ExportSection, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("augment panicked: %v", r)
		}
	}()
	return aug.AugmentExport(ctx, exp)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
