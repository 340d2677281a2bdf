package cmd

import (
	"context"
	"fmt"
	"time"

	"roomcast/cache"
	"roomcast/db"

	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis连接测试",
	Long:  `测试Redis连接，并列出房间注册表中的房间。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)
		client, err := db.ConnectRedis(ctx, cfg)
		if err != nil {
			return fmt.Errorf("无法连接到Redis: %w", err)
		}
		defer client.Close()

		if err := db.CheckRedis(ctx, client); err != nil {
			return fmt.Errorf("Redis读写测试失败: %w", err)
		}
		fmt.Println("Redis连接成功！")

		store := cache.NewStore(client)
		ids := store.ListRoomIDs(ctx)
		fmt.Printf("已注册房间: %d\n", len(ids))
		for _, id := range ids {
			room := store.GetRoom(ctx, id)
			if room == nil {
				fmt.Printf("  %s (记录已丢失)\n", id)
				continue
			}
			fmt.Printf("  %s  %-20s 在线 %d  持久化 %v\n", id, room.Title, store.OnlineCount(ctx, id), room.Persistent)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
