package worker

import (
	"github.com/spf13/cobra"
)

var sweepOnce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Purge records past their retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, a, err := boot(cmd)
		if err != nil {
			return err
		}
		defer stop()

		if sweepOnce {
			if err := a.Retention.ScheduledSweep(ctx); err != nil {
				_ = shutdown(a)
				return err
			}
			return shutdown(a)
		}

		a.Retention.Run(ctx, a.Config.Retention.SweepInterval)
		return shutdown(a)
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "run a single sweep and exit")
}
