package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerNoSchedule bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the sync job worker without the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if !workerNoSchedule {
			if err := a.Scheduler.ScheduleDefaults(); err != nil {
				return err
			}
			a.Scheduler.Start()
			defer a.Scheduler.Stop()
		}

		zap.L().Info("worker running")
		a.Worker.Run(ctx)
		return nil
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerNoSchedule, "no-schedule", false, "disable the recurring cron schedules")
	rootCmd.AddCommand(workerCmd)
}
