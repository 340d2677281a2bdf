package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"roomcast/logger"
)

// Publisher 跨进程发布端
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// PluginDispatcher 把事件交给房间内已激活的插件
type PluginDispatcher interface {
	Dispatch(ctx context.Context, roomID, event string, payload any) error
}

// Emitter 领域事件的唯一发射点
//
// 一次 Emit 依次调用三个消费者：跨进程发布、插件、广播器。
// 每个消费者各自 recover 并记录日志，互不影响，也不会把错误带回调用方。
type Emitter struct {
	publisher     Publisher
	broadcasters  *BroadcasterRegistry
	pluginTimeout time.Duration

	mu      sync.RWMutex
	plugins PluginDispatcher
}

// NewEmitter 创建发射器；plugins 可以稍后通过 SetPluginDispatcher 绑定
func NewEmitter(publisher Publisher, broadcasters *BroadcasterRegistry, pluginTimeout time.Duration) *Emitter {
	if broadcasters == nil {
		broadcasters = NewBroadcasterRegistry()
	}
	return &Emitter{
		publisher:     publisher,
		broadcasters:  broadcasters,
		pluginTimeout: pluginTimeout,
	}
}

// SetPluginDispatcher 绑定插件运行时（插件运行时依赖服务层，服务层又依赖发射器）
func (e *Emitter) SetPluginDispatcher(d PluginDispatcher) {
	e.mu.Lock()
	e.plugins = d
	e.mu.Unlock()
}

// Broadcasters 广播器注册表
func (e *Emitter) Broadcasters() *BroadcasterRegistry {
	return e.broadcasters
}

// Emit 发射事件。fire-and-forget，没有确认也没有重放。
func (e *Emitter) Emit(ctx context.Context, roomID, event string, payload any) {
	guard("publish", roomID, event, func() error {
		return e.publish(ctx, roomID, event, payload)
	})
	guard("plugins", roomID, event, func() error {
		return e.dispatchPlugins(ctx, roomID, event, payload)
	})
	guard("broadcasters", roomID, event, func() error {
		return e.broadcasters.Broadcast(ctx, roomID, event, payload)
	})
}

func (e *Emitter) publish(ctx context.Context, roomID, event string, payload any) error {
	if e.publisher == nil {
		return nil
	}
	data, err := json.Marshal(SystemMessage{
		RoomID:    roomID,
		Event:     event,
		Data:      payload,
		EmittedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal system message: %w", err)
	}
	return e.publisher.Publish(ctx, ChannelName(event), data)
}

func (e *Emitter) dispatchPlugins(ctx context.Context, roomID, event string, payload any) error {
	e.mu.RLock()
	plugins := e.plugins
	e.mu.RUnlock()
	if plugins == nil {
		return nil
	}
	if e.pluginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.pluginTimeout)
		defer cancel()
	}
	return plugins.Dispatch(ctx, roomID, event, payload)
}

// guard 单个消费者的故障边界
func guard(consumer, roomID, event string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("emit: consumer panicked",
				logger.String("consumer", consumer), logger.Room(roomID), logger.Event(event),
				logger.Any("panic", r), logger.Stack())
		}
	}()
	if err := fn(); err != nil {
		logger.Warn("emit: consumer failed",
			logger.String("consumer", consumer), logger.Room(roomID), logger.Event(event),
			logger.ErrorField(err))
	}
}
