package events

import (
	"context"
	"fmt"
	"sync"

	"roomcast/logger"

	"go.uber.org/multierr"
)

// Broadcaster 事件的一个客户端投递通道
type Broadcaster interface {
	Name() string
	Handle(ctx context.Context, roomID, event string, payload any) error
}

// BroadcasterRegistry 广播器注册表，分发前复制列表，分发时可并发注册/注销
type BroadcasterRegistry struct {
	mu    sync.RWMutex
	items []Broadcaster
}

// NewBroadcasterRegistry 创建注册表
func NewBroadcasterRegistry(items ...Broadcaster) *BroadcasterRegistry {
	r := &BroadcasterRegistry{}
	for _, b := range items {
		r.Register(b)
	}
	return r
}

// Register 注册广播器，同名时替换
func (r *BroadcasterRegistry) Register(b Broadcaster) {
	if b == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.items {
		if existing.Name() == b.Name() {
			r.items[i] = b
			return
		}
	}
	r.items = append(r.items, b)
}

// Unregister 注销广播器
func (r *BroadcasterRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, b := range r.items {
		if b.Name() == name {
			r.items = append(r.items[:i:i], r.items[i+1:]...)
			return
		}
	}
}

// Snapshot 当前广播器列表的副本
func (r *BroadcasterRegistry) Snapshot() []Broadcaster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Broadcaster, len(r.items))
	copy(out, r.items)
	return out
}

// Broadcast 依次交给每个广播器，单个广播器的错误或 panic 不影响其他广播器
func (r *BroadcasterRegistry) Broadcast(ctx context.Context, roomID, event string, payload any) error {
	var errs error
	for _, b := range r.Snapshot() {
		errs = multierr.Append(errs, handleSafely(ctx, b, roomID, event, payload))
	}
	return errs
}

func handleSafely(ctx context.Context, b Broadcaster, roomID, event string, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("broadcaster panicked",
				logger.String("broadcaster", b.Name()), logger.Room(roomID), logger.Event(event),
				logger.Any("panic", r), logger.Stack())
			err = fmt.Errorf("broadcaster %s panicked: %v", b.Name(), r)
		}
	}()
	if err := b.Handle(ctx, roomID, event, payload); err != nil {
		return fmt.Errorf("broadcaster %s: %w", b.Name(), err)
	}
	return nil
}
