// Package builtin 随程序发布的 Go 插件
package builtin

import "roomcast/core/plugin"

// RegisterAll 注册全部内置插件
func RegisterAll(r *plugin.Registry) error {
	if err := r.Register(VoteSkipName, func() plugin.Plugin { return NewVoteSkip() }); err != nil {
		return err
	}
	return r.Register(SpecialWordsName, func() plugin.Plugin { return NewSpecialWords() })
}
