package worker

import (
	"errors"
	"time"

	"github.com/jmehdipour/shop-events/internal/kafka"
	iworker "github.com/jmehdipour/shop-events/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ingestWithQueue bool

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Consume platform events from Kafka and submit them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, a, err := boot(cmd)
		if err != nil {
			return err
		}
		defer stop()

		k := a.Config.Kafka
		if len(k.Brokers) == 0 || k.IngestTopic == "" {
			_ = shutdown(a)
			return errors.New("kafka.brokers and kafka.ingest_topic are required")
		}

		if ingestWithQueue {
			if err := a.Start(ctx); err != nil {
				_ = shutdown(a)
				return err
			}
		} else {
			go a.Fallback.Report(ctx)
		}

		consumer := kafka.NewConsumer(kafka.Config{
			Brokers:        k.Brokers,
			Topic:          k.IngestTopic,
			GroupID:        k.GroupID,
			MinBytes:       k.MinBytes,
			MaxBytes:       k.MaxBytes,
			CommitInterval: time.Duration(k.CommitInterval) * time.Millisecond,
		})
		defer consumer.Close()

		w := iworker.NewIngest(consumer, a.Service, a.Log.Named("ingest"))
		if k.Workers > 0 {
			w.Workers = k.Workers
		}

		a.Log.Info("ingest started",
			zap.String("topic", k.IngestTopic),
			zap.String("group", k.GroupID),
			zap.Int("workers", w.Workers),
			zap.Bool("queued", a.Service.Queued()),
		)
		if err := w.Run(ctx); err != nil {
			_ = shutdown(a)
			return err
		}
		return shutdown(a)
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestWithQueue, "workers", false, "also run queue workers in this process")
}
