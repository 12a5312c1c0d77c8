package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/shop-events/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.AddCommand(ingestCmd)
	cmd.AddCommand(queueCmd)
	cmd.AddCommand(sweepCmd)

	return cmd
}

// boot builds the process graph and a context cancelled on SIGINT/SIGTERM.
func boot(cmd *cobra.Command) (context.Context, context.CancelFunc, *app.App, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, log, err := app.Bootstrap(cfgPath)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, stop, a, nil
}

func shutdown(a *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Queue.ShutdownTimeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Log.Error("shutdown", zap.Error(err))
		return err
	}
	a.Log.Info("worker stopped")
	return nil
}
