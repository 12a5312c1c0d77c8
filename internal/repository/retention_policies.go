package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmoiron/sqlx"
)

type RetentionPolicyRepository interface {
	// Get returns nil, nil when the tenant has no override for category.
	Get(ctx context.Context, tenantID string, category model.DataCategory) (*model.RetentionPolicy, error)
	Upsert(ctx context.Context, p model.RetentionPolicy) error
}

type RetentionPolicyRepositoryImpl struct {
	db *sqlx.DB
}

func NewRetentionPolicyRepository(db *sqlx.DB) *RetentionPolicyRepositoryImpl {
	return &RetentionPolicyRepositoryImpl{db: db}
}

var _ RetentionPolicyRepository = (*RetentionPolicyRepositoryImpl)(nil)

func (r *RetentionPolicyRepositoryImpl) Get(ctx context.Context, tenantID string, category model.DataCategory) (*model.RetentionPolicy, error) {
	var p model.RetentionPolicy
	err := r.db.GetContext(ctx, &p, `
		SELECT tenant_id, category, retention_days, is_active, updated_at
		  FROM retention_policies
		 WHERE tenant_id = ? AND category = ?
		 LIMIT 1
	`, tenantID, category.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *RetentionPolicyRepositoryImpl) Upsert(ctx context.Context, p model.RetentionPolicy) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO retention_policies (tenant_id, category, retention_days, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		    retention_days = VALUES(retention_days),
		    is_active      = VALUES(is_active),
		    updated_at     = VALUES(updated_at)
	`, p.TenantID, p.Category.String(), p.RetentionDays, p.IsActive, p.UpdatedAt)
	return err
}
