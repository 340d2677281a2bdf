package plugin

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Handler 事件处理函数
type Handler func(ctx context.Context, payload any) error

type subscription struct {
	id      uint64
	handler Handler
}

// Lifecycle 插件实例的事件订阅
type Lifecycle struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   uint64
}

func newLifecycle() *Lifecycle {
	return &Lifecycle{handlers: make(map[string][]subscription)}
}

// On 订阅事件，返回取消订阅函数
func (l *Lifecycle) On(event string, h Handler) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.handlers[event] = append(l.handlers[event], subscription{id: id, handler: h})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		subs := l.handlers[event]
		for i, s := range subs {
			if s.id == id {
				l.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(l.handlers[event]) == 0 {
			delete(l.handlers, event)
		}
	}
}

// Off 移除某个事件的全部订阅
func (l *Lifecycle) Off(event string) {
	l.mu.Lock()
	delete(l.handlers, event)
	l.mu.Unlock()
}

// Clear 移除全部订阅
func (l *Lifecycle) Clear() {
	l.mu.Lock()
	l.handlers = make(map[string][]subscription)
	l.mu.Unlock()
}

// HasHandlers 是否有人订阅该事件
func (l *Lifecycle) HasHandlers(event string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handlers[event]) > 0
}

// Emit 并发调用该事件的全部处理函数并等待全部结束；
// 单个处理函数出错或 panic 只记入返回的聚合错误，不影响其他处理函数。
// ctx 结束时不再等待尚未返回的处理函数。
func (l *Lifecycle) Emit(ctx context.Context, event string, payload any) error {
	l.mu.RLock()
	subs := make([]subscription, len(l.handlers[event]))
	copy(subs, l.handlers[event])
	l.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	results := make(chan error, len(subs))
	for _, s := range subs {
		go func(h Handler) {
			results <- callHandler(ctx, h, payload)
		}(s.handler)
	}

	var errs error
	for pending := len(subs); pending > 0; pending-- {
		select {
		case err := <-results:
			errs = multierr.Append(errs, err)
		case <-ctx.Done():
			return multierr.Append(errs, fmt.Errorf("%d handler(s) for %s still running: %w", pending, event, ctx.Err()))
		}
	}
	return errs
}

func callHandler(ctx context.Context, h Handler, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, payload)
}
