package queue

import (
	"github.com/jmehdipour/shop-events/internal/model"
	"go.uber.org/zap"
)

// Observer receives the terminal outcome of every queued job.
type Observer interface {
	JobCompleted(job model.Job)
	JobFailed(job model.Job, reason string)
}

// Observers fans one outcome out to several observers.
type Observers []Observer

func (o Observers) JobCompleted(job model.Job) {
	for _, ob := range o {
		ob.JobCompleted(job)
	}
}

func (o Observers) JobFailed(job model.Job, reason string) {
	for _, ob := range o {
		ob.JobFailed(job, reason)
	}
}

type logObserver struct{ log *zap.Logger }

func NewLogObserver(log *zap.Logger) Observer { return logObserver{log: log} }

func (l logObserver) JobCompleted(job model.Job) {
	l.log.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("topic", job.Topic.String()),
		zap.String("tenant_id", job.TenantID),
		zap.Int("attempt", job.Attempt),
	)
}

func (l logObserver) JobFailed(job model.Job, reason string) {
	l.log.Error("job dead-lettered",
		zap.String("job_id", job.ID),
		zap.String("topic", job.Topic.String()),
		zap.String("tenant_id", job.TenantID),
		zap.String("correlation_id", job.CorrelationID),
		zap.Int("attempts", job.Attempt),
		zap.String("reason", reason),
	)
}
