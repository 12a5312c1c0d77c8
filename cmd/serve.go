package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/shop-events/internal/app"
	httpSrv "github.com/jmehdipour/shop-events/internal/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveWorkers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook/admin HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := app.Bootstrap(cfgPath)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return err
		}

		runCtx, cancelRun := context.WithCancel(context.Background())
		defer cancelRun()
		if serveWorkers {
			if err := a.Start(runCtx); err != nil {
				return err
			}
		} else {
			go a.Fallback.Report(runCtx)
		}

		server := httpSrv.NewServer(a.HTTPDeps())

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(cfg.HTTP.Addr) }()

		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server exited", zap.Error(err))
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		return a.Close(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWorkers, "workers", true, "also run queue workers in this process")
}
