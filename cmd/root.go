package cmd

import (
	"fmt"
	"os"

	"roomcast/config"
	"roomcast/logger"

	"github.com/spf13/cobra"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "roomcast",
	Short: "roomcast 多人共享房间服务",
	Long:  `roomcast 提供实时共享房间：聊天、点歌队列、当前播放同步、插件与房间导出。`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		logger.InitLogger(logger.ConfigFrom(cfg))
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
