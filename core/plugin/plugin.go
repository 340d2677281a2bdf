// Package plugin 房间级扩展：注册表、按 (房间, 插件) 管理的实例、事件订阅和受限 API。
package plugin

import (
	"context"

	"roomcast/cache"
	"roomcast/model"
)

// Plugin 一个房间内的插件实例
//
// Register 在实例激活时调用一次，插件在这里通过 Lifecycle 订阅事件；
// Cleanup 在房间删除或插件被移除时调用。
type Plugin interface {
	Name() string
	Register(ctx context.Context, pctx *Context) error
	Cleanup(ctx context.Context) error
}

// ExportAugmenter 可选能力：给房间导出追加一个命名段落
type ExportAugmenter interface {
	AugmentExport(ctx context.Context, exp *model.RoomExport) (model.ExportSection, bool, error)
}

// Factory 每个房间创建一个新实例
type Factory func() Plugin

// Context 插件实例可以使用的全部能力
type Context struct {
	RoomID    string
	Name      string
	API       *API
	Storage   *cache.PluginStorage
	Lifecycle *Lifecycle
}
