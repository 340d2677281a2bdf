package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry 插件名到工厂的注册表
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register 注册插件；同名注册会替换工厂（脚本热更新走这里），已激活的实例不受影响
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("plugin name is empty")
	}
	if factory == nil {
		return fmt.Errorf("plugin %s: nil factory", name)
	}
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
	return nil
}

// Unregister 注销插件
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.factories, name)
	r.mu.Unlock()
}

// Get 获取工厂
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names 已注册插件名（排序）
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
