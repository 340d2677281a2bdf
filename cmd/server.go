package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"roomcast/core/app"
	"roomcast/logger"
	"roomcast/server"

	"github.com/spf13/cobra"
)

var (
	watchPlugins bool
	withJobs     bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动房间服务",
	Long:  `启动 HTTP/WebSocket 服务、Redis 事件中继、插件运行时和后台任务`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Warn("close app failed", logger.ErrorField(err))
			}
		}()

		a.LoadPlugins(ctx, watchPlugins)
		if withJobs {
			a.Scheduler.Start()
			defer a.Scheduler.Stop()
		}

		return server.New(a).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().BoolVar(&watchPlugins, "watch-plugins", true, "监听插件目录并热加载 Lua 插件")
	serverCmd.Flags().BoolVar(&withJobs, "jobs", true, "在本进程内运行后台任务")
}
