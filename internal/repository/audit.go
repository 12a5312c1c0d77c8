package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmoiron/sqlx"
)

// ErrAuditFinalized is returned when a terminal record would be changed.
var ErrAuditFinalized = errors.New("audit record already terminal")

// AuditRepository persists compliance_audit rows.
type AuditRepository interface {
	Create(ctx context.Context, rec *model.ComplianceAuditRecord) error
	Get(ctx context.Context, id int64) (*model.ComplianceAuditRecord, error)
	// GetByJobID returns nil, nil when no record exists for the job yet.
	GetByJobID(ctx context.Context, jobID string) (*model.ComplianceAuditRecord, error)
	MarkProcessing(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64, response []byte, notes *string, at time.Time) error
	Fail(ctx context.Context, id int64, notes string, at time.Time) error
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]model.ComplianceAuditRecord, error)
	ListBySubject(ctx context.Context, tenantID, subjectID string) ([]model.ComplianceAuditRecord, error)
	DeleteForSubjectBefore(ctx context.Context, tenantID, subjectID string, before time.Time) (int64, error)
	DeleteForTenantBefore(ctx context.Context, tenantID string, before time.Time) (int64, error)
	// DeleteExpired removes rows whose expires_at has passed; empty tenantID means all tenants.
	DeleteExpired(ctx context.Context, tenantID string, now time.Time) (int64, error)
}

type AuditRepositoryImpl struct {
	db *sqlx.DB
}

func NewAuditRepository(db *sqlx.DB) *AuditRepositoryImpl {
	return &AuditRepositoryImpl{db: db}
}

var _ AuditRepository = (*AuditRepositoryImpl)(nil)

const auditColumns = `id, job_id, tenant_id, topic, subject_id, payload, status, response, received_at, completed_at, expires_at, notes`

func (r *AuditRepositoryImpl) Create(ctx context.Context, rec *model.ComplianceAuditRecord) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO compliance_audit
		    (job_id, tenant_id, topic, subject_id, payload, status, received_at, expires_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.JobID, rec.TenantID, rec.Topic.String(), rec.SubjectID, rec.Payload, rec.Status.String(), rec.ReceivedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id
	return nil
}

func (r *AuditRepositoryImpl) Get(ctx context.Context, id int64) (*model.ComplianceAuditRecord, error) {
	var rec model.ComplianceAuditRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+auditColumns+` FROM compliance_audit WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *AuditRepositoryImpl) GetByJobID(ctx context.Context, jobID string) (*model.ComplianceAuditRecord, error) {
	var rec model.ComplianceAuditRecord
	err := r.db.GetContext(ctx, &rec, `SELECT `+auditColumns+` FROM compliance_audit WHERE job_id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *AuditRepositoryImpl) MarkProcessing(ctx context.Context, id int64) error {
	return r.transition(ctx, id, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE compliance_audit SET status = 'processing' WHERE id = ?`, id)
		return err
	})
}

func (r *AuditRepositoryImpl) Complete(ctx context.Context, id int64, response []byte, notes *string, at time.Time) error {
	return r.transition(ctx, id, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE compliance_audit
			   SET status = 'completed', response = ?, notes = ?, completed_at = ?
			 WHERE id = ?
		`, response, notes, at, id)
		return err
	})
}

func (r *AuditRepositoryImpl) Fail(ctx context.Context, id int64, notes string, at time.Time) error {
	return r.transition(ctx, id, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE compliance_audit
			   SET status = 'error', notes = ?, completed_at = ?
			 WHERE id = ?
		`, notes, at, id)
		return err
	})
}

// transition re-reads the row under lock and refuses to touch terminal records.
func (r *AuditRepositoryImpl) transition(ctx context.Context, id int64, update func(*sqlx.Tx) error) error {
	return withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		var status model.AuditStatus
		err := tx.QueryRowxContext(ctx, `SELECT status FROM compliance_audit WHERE id = ? FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("audit %d: %w", id, sql.ErrNoRows)
		}
		if err != nil {
			return err
		}
		if status.Terminal() {
			return fmt.Errorf("audit %d is %s: %w", id, status, ErrAuditFinalized)
		}
		return update(tx)
	})
}

func (r *AuditRepositoryImpl) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]model.ComplianceAuditRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []model.ComplianceAuditRecord
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+auditColumns+`
		  FROM compliance_audit
		 WHERE tenant_id = ?
		 ORDER BY received_at DESC, id DESC
		 LIMIT ? OFFSET ?
	`, tenantID, limit, offset)
	return rows, err
}

func (r *AuditRepositoryImpl) ListBySubject(ctx context.Context, tenantID, subjectID string) ([]model.ComplianceAuditRecord, error) {
	var rows []model.ComplianceAuditRecord
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+auditColumns+`
		  FROM compliance_audit
		 WHERE tenant_id = ? AND subject_id = ?
		 ORDER BY received_at
	`, tenantID, subjectID)
	return rows, err
}

func (r *AuditRepositoryImpl) DeleteForSubjectBefore(ctx context.Context, tenantID, subjectID string, before time.Time) (int64, error) {
	return affected(r.db.ExecContext(ctx,
		`DELETE FROM compliance_audit WHERE tenant_id = ? AND subject_id = ? AND received_at < ?`,
		tenantID, subjectID, before))
}

func (r *AuditRepositoryImpl) DeleteForTenantBefore(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	return affected(r.db.ExecContext(ctx,
		`DELETE FROM compliance_audit WHERE tenant_id = ? AND received_at < ?`,
		tenantID, before))
}

func (r *AuditRepositoryImpl) DeleteExpired(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	if tenantID == "" {
		return affected(r.db.ExecContext(ctx, `DELETE FROM compliance_audit WHERE expires_at < ?`, now))
	}
	return affected(r.db.ExecContext(ctx,
		`DELETE FROM compliance_audit WHERE tenant_id = ? AND expires_at < ?`, tenantID, now))
}

func affected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
