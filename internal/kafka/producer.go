package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SignalPublisher emits a model.JobSignal for every job the queue completes or
// dead-letters. It satisfies queue.Observer.
type SignalPublisher struct {
	w   messageWriter
	log *zap.Logger
	now func() time.Time
}

func NewSignalPublisher(brokers []string, topic string, log *zap.Logger) *SignalPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newSignalPublisher(w, log)
}

func newSignalPublisher(w messageWriter, log *zap.Logger) *SignalPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &SignalPublisher{w: w, log: log, now: time.Now}
}

func (p *SignalPublisher) JobCompleted(job model.Job) {
	p.publish(job, "completed", "")
}

func (p *SignalPublisher) JobFailed(job model.Job, reason string) {
	p.publish(job, "failed", reason)
}

// publish is best effort; the queue's own completed/failed lists stay authoritative.
func (p *SignalPublisher) publish(job model.Job, event, reason string) {
	sig := model.JobSignal{
		Event:         event,
		JobID:         job.ID,
		Topic:         job.Topic.String(),
		TenantID:      job.TenantID,
		CorrelationID: job.CorrelationID,
		Attempts:      job.Attempt,
		Reason:        reason,
		At:            p.now().UnixMilli(),
	}
	b, err := json.Marshal(sig)
	if err != nil {
		p.log.Error("encode job signal", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	// keyed by tenant so one tenant's signals stay ordered within a partition
	err = p.w.WriteMessages(ctx, kafka.Message{Key: []byte(job.TenantID), Value: b})
	if err != nil {
		p.log.Warn("publish job signal failed",
			zap.String("job_id", job.ID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (p *SignalPublisher) Close() error { return p.w.Close() }
