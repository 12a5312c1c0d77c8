package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/shop-events/internal/metrics"
	"github.com/jmehdipour/shop-events/internal/model"
	jobqueue "github.com/jmehdipour/shop-events/internal/queue"
	"github.com/jmehdipour/shop-events/internal/registry"
	"github.com/jmehdipour/shop-events/internal/util"
	"go.uber.org/zap"
)

var ErrInvalidEvent = errors.New("invalid event")

// Enqueuer is the durable path; *jobqueue.Manager satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.Job) (string, error)
}

// Topics reports which topics have a handler.
type Topics interface {
	Has(topic model.Topic) bool
}

// Service admits inbound events. It returns once the event is queued or handed
// to the fallback executor, never after the handler finishes.
type Service struct {
	queue    Enqueuer
	fallback *Fallback
	topics   Topics
	log      *zap.Logger
	now      func() time.Time
}

// New wires the service. q is nil when the queue is disabled for this process.
func New(q Enqueuer, fallback *Fallback, topics Topics, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		queue:    q,
		fallback: fallback,
		topics:   topics,
		log:      log,
		now:      time.Now,
	}
}

// Queued reports whether submissions go to the durable queue.
func (s *Service) Queued() bool { return s.queue != nil }

// Submit validates and admits one event. Only validation errors are returned;
// infrastructure failures degrade to direct execution.
func (s *Service) Submit(ctx context.Context, topic model.Topic, tenantID string, payload []byte, meta model.Meta) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return fmt.Errorf("%w: missing tenant", ErrInvalidEvent)
	}
	if !s.topics.Has(topic) {
		return fmt.Errorf("%w: %s", registry.ErrUnknownTopic, topic)
	}

	now := s.now()
	job := model.Job{
		Topic:         topic,
		TenantID:      tenantID,
		Payload:       payload,
		CorrelationID: meta.CorrelationID,
		SessionID:     meta.SessionID,
		Scopes:        meta.Scopes,
		EnqueuedAt:    now,
	}
	if job.CorrelationID == "" {
		job.CorrelationID = util.NewAt(now)
	}
	job.ID = jobqueue.JobID(job, now, jobqueue.Digest(job))

	if s.queue == nil {
		s.runDirect(job)
		return nil
	}

	id, err := s.queue.Enqueue(ctx, job)
	switch {
	case err == nil:
		metrics.EventsSubmitted.WithLabelValues(topic.String(), "queued").Inc()
		s.log.Debug("event queued", zap.String("job_id", id), zap.String("topic", topic.String()))
	case errors.Is(err, jobqueue.ErrDuplicate):
		metrics.EventsSubmitted.WithLabelValues(topic.String(), "duplicate").Inc()
		s.log.Info("duplicate event ignored",
			zap.String("topic", topic.String()),
			zap.String("tenant_id", tenantID),
			zap.String("correlation_id", job.CorrelationID),
		)
	default:
		s.log.Warn("enqueue failed, running event directly",
			zap.String("topic", topic.String()),
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		s.runDirect(job)
	}
	return nil
}

func (s *Service) runDirect(job model.Job) {
	metrics.EventsSubmitted.WithLabelValues(job.Topic.String(), "fallback").Inc()
	s.fallback.RunNow(job)
}
