package cmd

import (
	"context"
	"fmt"
	"strings"

	"roomcast/core/app"
	"roomcast/core/jobs"
	"roomcast/logger"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [name...]",
	Short: "对所有房间执行一次后台任务",
	Long: `按名称对房间表中的每个房间执行一次后台任务，不指定名称时全部执行。
可用任务: ` + strings.Join([]string{jobs.CleanupJobName, jobs.RefreshJobName, jobs.ReconcileJobName, jobs.PollJobName}, ", "),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		want := map[string]bool{}
		for _, n := range args {
			want[n] = true
		}
		ran := 0
		for _, job := range a.Scheduler.Jobs() {
			if len(want) > 0 && !want[job.Name()] {
				continue
			}
			ran++
			if err := a.Scheduler.RunOnce(ctx, job); err != nil {
				logger.Warn("job finished with errors", logger.Job(job.Name()), logger.ErrorField(err))
				fmt.Printf("%s: %v\n", job.Name(), err)
				continue
			}
			fmt.Printf("%s: ok\n", job.Name())
		}
		if ran == 0 {
			return fmt.Errorf("unknown job %v", args)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}
