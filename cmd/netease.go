package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"roomcast/core/adapter"

	"github.com/spf13/cobra"
)

var (
	searchKeyword string
	limit         int
)

var neteaseCmd = &cobra.Command{
	Use:   "netease",
	Short: "网易云音乐元数据适配器调试",
	Long:  `通过元数据适配器搜索歌曲，用于检查 NETEASE_API_URL 是否可用`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if searchKeyword == "" {
			return fmt.Errorf("请输入要搜索的歌曲名称")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client := adapter.NewNeteaseClient(cfg.NeteaseAPIURL, nil)
		tracks, err := client.Search(ctx, searchKeyword, limit)
		if err != nil {
			return fmt.Errorf("搜索失败: %w", err)
		}
		if len(tracks) == 0 {
			fmt.Println("未找到相关歌曲")
			return nil
		}
		for i, t := range tracks {
			fmt.Printf("%2d. [%s] %s - %s", i+1, t.ID, t.Name, strings.Join(t.Artists, ", "))
			if t.Album != "" {
				fmt.Printf(" (%s)", t.Album)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(neteaseCmd)
	neteaseCmd.Flags().StringVarP(&searchKeyword, "keyword", "k", "", "要搜索的歌曲名称")
	neteaseCmd.Flags().IntVarP(&limit, "limit", "l", 10, "返回结果数量")
}
