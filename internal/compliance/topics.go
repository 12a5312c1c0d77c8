package compliance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmehdipour/shop-events/internal/registry"
	"github.com/jmehdipour/shop-events/internal/repository"
)

type export struct {
	TenantID      string          `json:"tenant_id"`
	SubjectID     string          `json:"subject_id"`
	Email         string          `json:"email,omitempty"`
	DataRequestID string          `json:"data_request_id,omitempty"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Sessions      []model.Session `json:"sessions"`
	History       []historyEntry  `json:"compliance_history"`
}

type historyEntry struct {
	Topic       model.Topic       `json:"topic"`
	Status      model.AuditStatus `json:"status"`
	ReceivedAt  time.Time         `json:"received_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// SubjectDataRequest exports what this app holds about one customer. Most
// stored data is tenant-scoped, so the export is usually small.
func (h *Handlers) SubjectDataRequest(ctx context.Context, job model.Job) error {
	var p dataRequestPayload
	perr := decode(job.Payload, &p)
	subject, serr := p.Customer.subject()

	return h.process(ctx, job, optional(subject), func(ctx context.Context, rec *model.ComplianceAuditRecord) ([]byte, counts, error) {
		if perr != nil {
			return nil, nil, registry.Permanent(perr)
		}
		if serr != nil {
			return nil, nil, registry.Permanent(serr)
		}

		sessions, err := h.sessions.ListBySubject(ctx, job.TenantID, subject, p.Customer.Email)
		if err != nil {
			return nil, nil, err
		}
		prior, err := h.audit.ListBySubject(ctx, job.TenantID, subject)
		if err != nil {
			return nil, nil, err
		}

		out := export{
			TenantID:      job.TenantID,
			SubjectID:     subject,
			Email:         p.Customer.Email,
			DataRequestID: p.DataRequest.ID.String(),
			GeneratedAt:   h.now().UTC(),
			Sessions:      sessions,
			History:       []historyEntry{},
		}
		if out.Sessions == nil {
			out.Sessions = []model.Session{}
		}
		for _, r := range prior {
			if r.ID == rec.ID {
				continue
			}
			out.History = append(out.History, historyEntry{
				Topic:       r.Topic,
				Status:      r.Status,
				ReceivedAt:  r.ReceivedAt,
				CompletedAt: r.CompletedAt,
			})
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, nil, err
		}
		return b, counts{
			"sessions":           int64(len(out.Sessions)),
			"compliance_history": int64(len(out.History)),
		}, nil
	})
}

// SubjectErasure deletes the customer's sessions and their audit history older
// than the audit grace period.
func (h *Handlers) SubjectErasure(ctx context.Context, job model.Job) error {
	var p subjectErasurePayload
	perr := decode(job.Payload, &p)
	subject, serr := p.Customer.subject()

	return h.process(ctx, job, optional(subject), func(ctx context.Context, rec *model.ComplianceAuditRecord) ([]byte, counts, error) {
		if perr != nil {
			return nil, nil, registry.Permanent(perr)
		}
		if serr != nil {
			return nil, nil, registry.Permanent(serr)
		}

		c := counts{}
		n, err := h.sessions.DeleteBySubject(ctx, job.TenantID, subject, p.Customer.Email)
		if err != nil {
			return nil, c, err
		}
		c[repository.TableSessions.String()] = n

		n, err = h.audit.DeleteForSubjectBefore(ctx, job.TenantID, subject, rec.ReceivedAt.Add(-model.AuditRetention))
		if err != nil {
			return nil, c, err
		}
		c["compliance_audit"] = n
		return nil, c, nil
	})
}

// TenantErasure removes every tenant-scoped row. Re-running it on an erased
// tenant completes with zero counts.
func (h *Handlers) TenantErasure(ctx context.Context, job model.Job) error {
	return h.process(ctx, job, nil, func(ctx context.Context, rec *model.ComplianceAuditRecord) ([]byte, counts, error) {
		c := counts{}
		for _, table := range repository.TenantTables {
			n, err := h.tenants.DeleteForTenant(ctx, table, job.TenantID)
			if err != nil {
				return nil, c, err
			}
			c[table.String()] = n
		}

		if h.analytics != nil {
			n, err := h.analytics.DeleteForTenant(ctx, job.TenantID)
			if err != nil {
				return nil, c, err
			}
			c["analytics_events"] = n
		}

		n, err := h.audit.DeleteForTenantBefore(ctx, job.TenantID, rec.ReceivedAt.Add(-model.AuditRetention))
		if err != nil {
			return nil, c, err
		}
		c["compliance_audit"] = n
		return nil, c, nil
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
