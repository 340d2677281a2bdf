package cmd

import (
	"context"
	"fmt"
	"os"

	"roomcast/core/app"
	"roomcast/core/export"

	"github.com/spf13/cobra"
)

var (
	exportFormat  string
	exportOutput  string
	exportArchive bool
)

var exportCmd = &cobra.Command{
	Use:   "export <roomId>",
	Short: "导出房间记录",
	Long:  `把房间的成员、播放记录、队列、聊天和插件数据导出为 json / md / html，可选上传到 MinIO 归档`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		format, err := export.ParseFormat(exportFormat)
		if err != nil {
			return err
		}

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		a.LoadPlugins(ctx, false)

		exp, err := a.Exporter.Build(ctx, args[0])
		if err != nil {
			return err
		}
		data, err := export.Render(exp, format)
		if err != nil {
			return err
		}

		if exportArchive {
			if a.Archive == nil {
				return fmt.Errorf("MinIO 未配置，无法归档")
			}
			key, err := a.Archive.Save(ctx, args[0], format.Ext(), format.ContentType(), data)
			if err != nil {
				return err
			}
			fmt.Printf("已归档: %s\n", key)
		}

		if exportOutput == "" || exportOutput == "-" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("已写入: %s\n", exportOutput)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "导出格式: json / md / html")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "输出文件，默认标准输出")
	exportCmd.Flags().BoolVar(&exportArchive, "archive", false, "同时上传到 MinIO")
}
