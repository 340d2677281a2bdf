package cmd

import (
	"fmt"
	"time"

	"roomcast/core/auth"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	tokenUserID string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "签发连接令牌",
	Long:  `为指定用户名签发 JWT，用于 /ws?token= 连接和 API 调用；不指定 --user-id 时生成新的用户 ID`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := tokenUserID
		if id == "" {
			id = uuid.NewString()
		}
		token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Identity{UserID: id, Username: args[0]}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenUserID, "user-id", "", "用户 ID")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "有效期，0 表示不过期")
}
