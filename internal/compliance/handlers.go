// Package compliance processes the platform's data-protection topics. Every
// event leaves exactly one terminal audit record behind, however many
// attempts it takes.
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/shop-events/internal/metrics"
	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmehdipour/shop-events/internal/registry"
	"github.com/jmehdipour/shop-events/internal/repository"
	"go.uber.org/zap"
)

const finalizeTimeout = 10 * time.Second

type Handlers struct {
	audit     repository.AuditRepository
	sessions  repository.SessionsRepository
	tenants   repository.TenantDataRepository
	analytics repository.AnalyticsEventsRepository // nil without ClickHouse
	log       *zap.Logger
	now       func() time.Time
}

func New(
	audit repository.AuditRepository,
	sessions repository.SessionsRepository,
	tenants repository.TenantDataRepository,
	analytics repository.AnalyticsEventsRepository,
	log *zap.Logger,
) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{
		audit:     audit,
		sessions:  sessions,
		tenants:   tenants,
		analytics: analytics,
		log:       log,
		now:       time.Now,
	}
}

func (h *Handlers) Register(r *registry.Registry) {
	r.Register(model.TopicSubjectDataRequest, h.SubjectDataRequest)
	r.Register(model.TopicSubjectErasure, h.SubjectErasure)
	r.Register(model.TopicTenantErasure, h.TenantErasure)
}

// counts is serialised into the audit notes; encoding/json sorts the keys.
type counts map[string]int64

type work func(ctx context.Context, rec *model.ComplianceAuditRecord) (response []byte, c counts, err error)

// process drives one event's audit record received -> processing ->
// completed|error. The record is keyed by job ID and re-read on every attempt,
// so queue retries move the same record instead of adding new ones. Only the
// final attempt, or a permanent failure, writes the error state; earlier
// failures leave the record in processing and return the error for a retry.
func (h *Handlers) process(ctx context.Context, job model.Job, subjectID *string, fn work) error {
	rec, err := h.record(ctx, job, subjectID)
	if err != nil {
		return fmt.Errorf("audit record: %w", err)
	}

	log := h.log.With(
		zap.String("topic", job.Topic.String()),
		zap.String("tenant_id", job.TenantID),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Int64("audit_id", rec.ID),
	)

	if rec.Status.Terminal() {
		// redelivered after its outcome was already recorded
		log.Info("compliance request already finalized", zap.String("status", rec.Status.String()))
		return nil
	}

	if err := h.audit.MarkProcessing(ctx, rec.ID); err != nil {
		return h.failed(ctx, log, job, rec, nil, err)
	}

	response, c, err := h.safely(ctx, rec, fn)
	if err != nil {
		return h.failed(ctx, log, job, rec, c, err)
	}

	notes := encodeCounts(c)
	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	if err := h.audit.Complete(fctx, rec.ID, response, &notes, h.now()); err != nil {
		return h.failed(ctx, log, job, rec, c, fmt.Errorf("complete audit record: %w", err))
	}

	metrics.ComplianceRecords.WithLabelValues(job.Topic.String(), model.AuditCompleted.String()).Inc()
	log.Info("compliance request completed", zap.String("notes", notes))
	return nil
}

// record returns the event's audit record, creating it on the first attempt.
func (h *Handlers) record(ctx context.Context, job model.Job, subjectID *string) (*model.ComplianceAuditRecord, error) {
	if job.ID != "" {
		rec, err := h.audit.GetByJobID(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}

	received := h.now()
	rec := &model.ComplianceAuditRecord{
		JobID:      optional(job.ID),
		TenantID:   job.TenantID,
		Topic:      job.Topic,
		SubjectID:  subjectID,
		Payload:    job.Payload,
		Status:     model.AuditReceived,
		ReceivedAt: received,
		ExpiresAt:  received.Add(model.AuditRetention),
	}
	if err := h.audit.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (h *Handlers) failed(ctx context.Context, log *zap.Logger, job model.Job, rec *model.ComplianceAuditRecord, partial counts, cause error) error {
	if !job.FinalAttempt() && !registry.IsPermanent(cause) {
		log.Warn("compliance attempt failed, will retry", zap.Error(cause))
		return cause
	}
	h.fail(ctx, log, rec, partial, cause)
	return cause
}

func (h *Handlers) safely(ctx context.Context, rec *model.ComplianceAuditRecord, fn work) (resp []byte, c counts, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, rec)
}

// fail writes the error record even when ctx is already cancelled.
func (h *Handlers) fail(ctx context.Context, log *zap.Logger, rec *model.ComplianceAuditRecord, partial counts, cause error) {
	note := cause.Error()
	if len(partial) > 0 {
		note += "; partial=" + encodeCounts(partial)
	}

	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	if err := h.audit.Fail(fctx, rec.ID, note, h.now()); err != nil {
		log.Error("could not record compliance failure", zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	metrics.ComplianceRecords.WithLabelValues(rec.Topic.String(), model.AuditError.String()).Inc()
	log.Error("compliance request failed", zap.Error(cause))
}

func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func encodeCounts(c counts) string {
	if c == nil {
		c = counts{}
	}
	b, _ := json.Marshal(c)
	return string(b)
}
