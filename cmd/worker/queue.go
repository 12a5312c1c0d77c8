package worker

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Drain the durable job queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, a, err := boot(cmd)
		if err != nil {
			return err
		}
		defer stop()

		if a.Queue == nil {
			_ = shutdown(a)
			return errors.New("queue workers need redis.addr; the shared store is unavailable")
		}
		if err := a.Start(ctx); err != nil {
			_ = shutdown(a)
			return err
		}

		a.Log.Info("queue workers started",
			zap.String("queue", a.Config.Queue.Name),
			zap.Int("concurrency", a.Config.Queue.Concurrency),
		)
		<-ctx.Done()
		return shutdown(a)
	},
}
