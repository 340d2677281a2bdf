// Package app 进程级装配：所有注册表都在这里创建并显式注入，不使用全局单例
package app

import (
	"context"
	"fmt"

	"roomcast/cache"
	"roomcast/config"
	"roomcast/core/adapter"
	"roomcast/core/events"
	"roomcast/core/export"
	"roomcast/core/jobs"
	"roomcast/core/plugin"
	"roomcast/core/plugin/builtin"
	"roomcast/core/service"
	"roomcast/db"
	"roomcast/logger"
	"roomcast/repository"
	"roomcast/storage"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"gorm.io/gorm"
)

// App 一个进程生命周期内的全部组件
type App struct {
	Config *config.Config
	Redis  *redis.Client
	DB     *gorm.DB

	Store     *cache.Store
	Emitter   *events.Emitter
	Plugins   *plugin.Runtime
	Lua       *plugin.LuaLoader
	Adapters  *adapter.Registry
	Services  *service.Services
	Scheduler *jobs.Scheduler
	Exporter  *export.Builder
	Archive   *storage.ExportArchive
}

// New 连接外部依赖并装配。MySQL 和 MinIO 不可用时降级：没有凭证存储 / 没有导出归档
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	client, err := db.ConnectRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to Redis", logger.String("host", cfg.RedisHost))

	var creds adapter.CredentialStore
	gdb, err := db.ConnectGormDB(cfg)
	if err != nil {
		logger.Warn("MySQL unavailable, adapters will run without stored credentials", logger.ErrorField(err))
	} else {
		creds = repository.NewGormCredentialRepository(gdb)
	}

	a, err := Assemble(cfg, client, creds)
	if err != nil {
		_ = client.Close()
		_ = db.CloseGormDB(gdb)
		return nil, err
	}
	a.DB = gdb

	if archive, err := storage.NewExportArchive(ctx, cfg); err != nil {
		logger.Warn("MinIO unavailable, export archiving disabled", logger.ErrorField(err))
	} else {
		a.Archive = archive
	}
	return a, nil
}

// Assemble 在已有的 Redis 连接和凭证存储上装配全部组件（不做外部连接）
func Assemble(cfg *config.Config, client *redis.Client, creds adapter.CredentialStore) (*App, error) {
	store := cache.NewStore(client)

	publisher := events.NewRedisPublisher(client)
	broadcasters := events.NewBroadcasterRegistry(
		events.NewRoomBroadcaster(publisher),
		events.NewLobbyBroadcaster(publisher),
	)
	emitter := events.NewEmitter(publisher, broadcasters, cfg.PluginTimeout)

	registry := plugin.NewRegistry()
	if err := builtin.RegisterAll(registry); err != nil {
		return nil, fmt.Errorf("register builtin plugins: %w", err)
	}
	runtime := plugin.NewRuntime(registry, store)
	emitter.SetPluginDispatcher(runtime)

	adapters := adapter.NewRegistry(creds)
	adapters.RegisterMetadata(adapter.NeteaseID, adapter.NeteaseFactory(cfg.NeteaseAPIURL))
	adapters.RegisterMedia(adapter.IcecastID, adapter.IcecastFactory)

	services := service.New(service.Deps{
		Store:    store,
		Emitter:  emitter,
		Adapters: adapters,
		Plugins:  runtime,
		Settings: service.Settings{UserGraceTTL: cfg.UserGraceTTL},
	})
	runtime.SetHost(services.PluginHost())

	opts := jobs.Options{
		RoomTTL:              cfg.RoomTTL,
		IdleThreshold:        cfg.IdleThreshold,
		TokenRefreshMaxAge:   cfg.TokenRefreshMaxAge,
		QueueSyncMinInterval: cfg.QueueSyncMinInterval,
	}
	scheduler := jobs.NewScheduler(store, cfg.JobConcurrency)
	scheduler.Add(jobs.NewCleanupJob(store, runtime, opts), cfg.CleanupInterval)
	scheduler.Add(jobs.NewRefreshJob(store, adapters, services.Playback, emitter, opts), cfg.RefreshInterval)
	scheduler.Add(jobs.NewReconcileJob(store, adapters, services.Playback, opts), cfg.ReconcileInterval)
	scheduler.Add(jobs.NewPollJob(store, adapters, services.Playback), cfg.PollInterval)

	return &App{
		Config:    cfg,
		Redis:     client,
		Store:     store,
		Emitter:   emitter,
		Plugins:   runtime,
		Lua:       plugin.NewLuaLoader(cfg.PluginDir, registry, plugin.LuaOptions{CallTimeout: cfg.LuaCallTimeout, RegistryMaxSize: cfg.LuaRegistryMaxLen}),
		Adapters:  adapters,
		Services:  services,
		Scheduler: scheduler,
		Exporter:  export.NewBuilder(store, runtime),
	}, nil
}

// LoadPlugins 加载脚本插件并为已有房间激活全部插件
func (a *App) LoadPlugins(ctx context.Context, watch bool) {
	if _, err := a.Lua.LoadAll(); err != nil {
		logger.Warn("lua plugins not loaded", logger.ErrorField(err))
	}
	if watch {
		if err := a.Lua.Watch(); err != nil {
			logger.Warn("lua plugin watcher not started", logger.ErrorField(err))
		}
	}
	for _, roomID := range a.Store.ListRoomIDs(ctx) {
		if room := a.Store.GetRoom(ctx, roomID); room != nil {
			a.Plugins.SyncRoomPlugins(ctx, roomID, room, nil)
		}
	}
}

// Close 释放连接
func (a *App) Close() error {
	var err error
	if a.Lua != nil {
		err = multierr.Append(err, a.Lua.Close())
	}
	err = multierr.Append(err, db.CloseGormDB(a.DB))
	if a.Redis != nil {
		err = multierr.Append(err, a.Redis.Close())
	}
	return err
}
